package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultProvider       = "local"
	defaultStatePath      = "cdn-orchestrator.db"
	defaultLogLevel       = "info"
	defaultLogEnv         = "prod"
	defaultStepTimeout    = 30 * time.Second
	defaultRequestTimeout = 2 * time.Minute
	defaultMaxAttempts    = 3
	defaultBaseBackoff    = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultListenAddr     = ":8080"
	defaultMetricsAddr    = ":9090"
	defaultTraceExporter  = "stdout"

	// Credentials are only ever read from the environment.
	EnvAccessKeyID     = "CDN_ACCESS_KEY_ID"
	EnvAccessKeySecret = "CDN_ACCESS_KEY_SECRET"
)

type Config struct {
	Log          Log          `yaml:"log"`
	Provider     Provider     `yaml:"provider"`
	Parser       Parser       `yaml:"parser"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Server       Server       `yaml:"server"`
	Tracing      Tracing      `yaml:"tracing"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Env   string `yaml:"env"`
}

type Provider struct {
	Name      string `yaml:"name" validate:"required,oneof=cloudflare local"`
	AccountID string `yaml:"accountId" validate:"required_if=Name cloudflare"`
	StatePath string `yaml:"statePath" validate:"required_if=Name local"`

	AccessKeyID     string `yaml:"-" validate:"required_if=Name cloudflare"`
	AccessKeySecret string `yaml:"-" validate:"required_if=Name cloudflare"`
}

type Parser struct {
	// Lenient carries unrecognized free-text lines through as warnings
	// instead of rejecting the request.
	Lenient bool `yaml:"lenient"`
}

type Orchestrator struct {
	StepTimeout    time.Duration `yaml:"stepTimeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	MaxAttempts    int           `yaml:"maxAttempts" validate:"min=1,max=10"`
	BaseBackoff    time.Duration `yaml:"baseBackoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" validate:"gtefield=BaseBackoff"`
	DryRun         bool          `yaml:"dryRun"`
}

type Server struct {
	ListenAddr  string `yaml:"listenAddr" validate:"required"`
	MetricsAddr string `yaml:"metricsAddr" validate:"required"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"oneof=stdout none"`
}

func Load(path string) (*Config, error) {
	configFile := true
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Default().Warn("fail find config file, proceeding", "path", path)
		configFile = false
	}

	var cfg Config
	if configFile {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			f.Close()
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			slog.Default().Warn("fail close config file", "path", path, "error", err)
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.Env == "" {
		cfg.Log.Env = defaultLogEnv
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = defaultProvider
	}
	if cfg.Provider.StatePath == "" {
		cfg.Provider.StatePath = defaultStatePath
	}
	if cfg.Orchestrator.StepTimeout == 0 {
		cfg.Orchestrator.StepTimeout = defaultStepTimeout
	}
	if cfg.Orchestrator.RequestTimeout == 0 {
		cfg.Orchestrator.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Orchestrator.MaxAttempts == 0 {
		cfg.Orchestrator.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Orchestrator.BaseBackoff == 0 {
		cfg.Orchestrator.BaseBackoff = defaultBaseBackoff
	}
	if cfg.Orchestrator.MaxBackoff == 0 {
		cfg.Orchestrator.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = defaultMetricsAddr
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = defaultTraceExporter
	}
}

func applyEnv(cfg *Config) {
	cfg.Provider.AccessKeyID = os.Getenv(EnvAccessKeyID)
	cfg.Provider.AccessKeySecret = os.Getenv(EnvAccessKeySecret)

	if name := os.Getenv("CDN_ORCHESTRATOR_PROVIDER"); name != "" {
		cfg.Provider.Name = name
	}
	if account := os.Getenv("CDN_ORCHESTRATOR_ACCOUNT_ID"); account != "" {
		cfg.Provider.AccountID = account
	}
	if statePath := os.Getenv("CDN_ORCHESTRATOR_STATE_PATH"); statePath != "" {
		cfg.Provider.StatePath = statePath
	}
	if lenient := os.Getenv("CDN_ORCHESTRATOR_LENIENT"); lenient != "" {
		if b, ok := parseBool(lenient); ok {
			cfg.Parser.Lenient = b
		} else {
			slog.Default().Warn("fail parse lenient to bool from string", "lenient", lenient)
		}
	}
	if dryRun := os.Getenv("CDN_ORCHESTRATOR_DRYRUN"); dryRun != "" {
		if b, ok := parseBool(dryRun); ok {
			cfg.Orchestrator.DryRun = b
		} else {
			slog.Default().Warn("fail parse dryrun to bool from string", "dryrun", dryRun)
		}
	}
	if stepTimeout := os.Getenv("CDN_ORCHESTRATOR_STEP_TIMEOUT"); stepTimeout != "" {
		if d, err := time.ParseDuration(stepTimeout); err == nil {
			cfg.Orchestrator.StepTimeout = d
		} else {
			slog.Default().Warn("fail parse step timeout to duration from string", "timeout", stepTimeout, "error", err)
		}
	}
	if requestTimeout := os.Getenv("CDN_ORCHESTRATOR_REQUEST_TIMEOUT"); requestTimeout != "" {
		if d, err := time.ParseDuration(requestTimeout); err == nil {
			cfg.Orchestrator.RequestTimeout = d
		} else {
			slog.Default().Warn("fail parse request timeout to duration from string", "timeout", requestTimeout, "error", err)
		}
	}
	if attempts := os.Getenv("CDN_ORCHESTRATOR_MAX_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil {
			cfg.Orchestrator.MaxAttempts = n
		} else {
			slog.Default().Warn("fail parse max attempts to int from string", "attempts", attempts, "error", err)
		}
	}
	if addr := os.Getenv("CDN_ORCHESTRATOR_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if addr := os.Getenv("CDN_ORCHESTRATOR_METRICS_ADDR"); addr != "" {
		cfg.Server.MetricsAddr = addr
	}
	if loglevel := os.Getenv("CDN_ORCHESTRATOR_LOG_LEVEL"); loglevel != "" {
		cfg.Log.Level = loglevel
	}
	if logenv := os.Getenv("CDN_ORCHESTRATOR_LOG_ENV"); logenv != "" {
		cfg.Log.Env = logenv
	}
	if tracing := os.Getenv("CDN_ORCHESTRATOR_TRACING"); tracing != "" {
		if b, ok := parseBool(tracing); ok {
			cfg.Tracing.Enabled = b
		} else {
			slog.Default().Warn("fail parse tracing to bool from string", "tracing", tracing)
		}
	}
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

// Validate checks the loaded configuration. Credentials are only checked for
// presence, never for content.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
