package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/evanofslack/cdn-orchestrator/internal/api"
	"github.com/evanofslack/cdn-orchestrator/internal/config"
	"github.com/evanofslack/cdn-orchestrator/internal/intent"
	"github.com/evanofslack/cdn-orchestrator/internal/logger"
	"github.com/evanofslack/cdn-orchestrator/internal/metrics"
	"github.com/evanofslack/cdn-orchestrator/internal/orchestrator"
	"github.com/evanofslack/cdn-orchestrator/internal/provider"
	"github.com/evanofslack/cdn-orchestrator/internal/provider/cloudflare"
	"github.com/evanofslack/cdn-orchestrator/internal/provider/local"
	"github.com/evanofslack/cdn-orchestrator/internal/service"
	"github.com/evanofslack/cdn-orchestrator/internal/tracing"
	"github.com/evanofslack/cdn-orchestrator/internal/validate"
)

// app holds everything built from config for one process.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	provider provider.Provider
	store    *local.Store
	service  *service.Service
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("Failed to close resource", "error", err)
		}
	}
}

type appOptions struct {
	configPath string
	logOutput  io.Writer
	dryRun     bool
	lenient    bool
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.dryRun {
		cfg.Orchestrator.DryRun = true
	}
	if opts.lenient {
		cfg.Parser.Lenient = true
	}
	slog.SetDefault(logger.New(opts.logOutput, cfg.Log.Level, cfg.Log.Env))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, metrics: metrics.New(true)}

	shutdownTracing, err := tracing.Setup(cfg.Tracing, opts.logOutput, version)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	switch cfg.Provider.Name {
	case "cloudflare":
		cf, err := cloudflare.New(cfg.Provider, a.metrics)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize cloudflare provider: %w", err)
		}
		a.provider = cf
	default:
		store, err := local.New(cfg.Provider.StatePath, a.metrics)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize local provider: %w", err)
		}
		a.store = store
		a.provider = store
		a.closers = append(a.closers, store.Close)
	}

	engine := orchestrator.NewEngine(a.provider, cfg.Orchestrator, a.metrics)
	a.service = service.New(engine, validate.New(cfg.Parser.Lenient), a.metrics)
	slog.Debug("Initialized", "provider", cfg.Provider.Name, "dry_run", cfg.Orchestrator.DryRun, "lenient", cfg.Parser.Lenient)
	return a, nil
}

func newRootCommand() *cobra.Command {
	var opts appOptions

	root := &cobra.Command{
		Use:          "cdn-orchestrator",
		Short:        "Turn CDN configuration intent into provider operations",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "config file")
	root.PersistentFlags().BoolVar(&opts.lenient, "lenient", false, "accept unrecognized free-text lines as warnings")

	root.AddCommand(
		newServeCommand(&opts),
		newApplyCommand(&opts),
		newPlanCommand(&opts),
		newDomainsCommand(&opts),
	)
	return root
}

func newServeCommand(opts *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the intent API and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.logOutput = os.Stdout
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	// Metrics and health checks
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	metricsServer := &http.Server{
		Addr:    a.cfg.Server.MetricsAddr,
		Handler: mux,
	}

	apiServer := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.NewRouter(api.NewHandler(a.service, a.metrics.Handler())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	wg := &sync.WaitGroup{}
	for name, server := range map[string]*http.Server{"metrics": metricsServer, "api": apiServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting server", "server", name, "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server failed", "server", name, "error", err)
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	slog.Info("Starting cdn-orchestrator service", "provider", a.cfg.Provider.Name, "version", version)

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case <-sigCh:
		slog.Info("Shutdown signal received")
	case runErr = <-errCh:
	}

	// In-flight requests finish within the request timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Orchestrator.RequestTimeout+5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	wg.Wait()
	slog.Info("Service shutdown complete")
	return runErr
}

// inputFlags selects where a one-shot command reads its request from.
type inputFlags struct {
	file string
	text string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "structured intent as YAML or JSON (- for stdin)")
	cmd.Flags().StringVarP(&f.text, "text", "t", "", "free-text intent")
	cmd.MarkFlagsMutuallyExclusive("file", "text")
}

// read builds the request input. Without flags the free text is read from
// stdin.
func (f *inputFlags) read(stdin io.Reader) (intent.Input, error) {
	switch {
	case f.text != "":
		return intent.Input{Text: f.text}, nil
	case f.file != "":
		var (
			data []byte
			err  error
		)
		if f.file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(f.file)
		}
		if err != nil {
			return intent.Input{}, fmt.Errorf("read intent file: %w", err)
		}
		var structured map[string]any
		if err := yaml.Unmarshal(data, &structured); err != nil {
			return intent.Input{}, fmt.Errorf("decode intent file %s: %w", f.file, err)
		}
		if structured == nil {
			return intent.Input{}, fmt.Errorf("intent file %s is empty", f.file)
		}
		return intent.Input{Structured: structured}, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return intent.Input{}, fmt.Errorf("read stdin: %w", err)
	}
	return intent.Input{Text: string(data)}, nil
}

func newApplyCommand(opts *appOptions) *cobra.Command {
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Parse, validate and execute one intent",
		Example: `  cdn-orchestrator apply -f intent.yaml
  cdn-orchestrator apply -t $'example.com\nsource ip 1.2.3.4\ncache images for 1 hour'
  cdn-orchestrator apply --dry-run < request.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, opts, &in, func(ctx context.Context, s *service.Service, input intent.Input) service.Response {
				return s.Handle(ctx, input)
			})
		},
	}
	in.register(cmd)
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report changes without making them")
	return cmd
}

func newPlanCommand(opts *appOptions) *cobra.Command {
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the steps an intent would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, opts, &in, func(ctx context.Context, s *service.Service, input intent.Input) service.Response {
				return s.Plan(ctx, input)
			})
		},
	}
	in.register(cmd)
	return cmd
}

func runOnce(cmd *cobra.Command, opts *appOptions, in *inputFlags, run func(context.Context, *service.Service, intent.Input) service.Response) error {
	input, err := in.read(cmd.InOrStdin())
	if err != nil {
		return err
	}

	opts.logOutput = cmd.ErrOrStderr()
	a, err := newApp(*opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp := run(ctx, a.service, input)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if resp.State == service.StateFailed {
		return fmt.Errorf("request %s failed", resp.RequestID)
	}
	return nil
}

func newDomainsCommand(opts *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List domains held by the local provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.logOutput = cmd.ErrOrStderr()
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.store == nil {
				return fmt.Errorf("domains is only available with the local provider, not %s", a.cfg.Provider.Name)
			}

			names, err := a.store.Domains(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				d, err := a.store.DescribeDomain(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d sources\n", d.Name, d.CDNType, d.Status, len(d.Sources))
			}
			return nil
		},
	}
}
