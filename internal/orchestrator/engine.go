// Package orchestrator turns a validated intent into an ordered plan of
// provider steps and executes it with retries, per-domain serialization and
// failure containment.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/evanofslack/cdn-orchestrator/internal/config"
	"github.com/evanofslack/cdn-orchestrator/internal/intent"
	"github.com/evanofslack/cdn-orchestrator/internal/metrics"
	"github.com/evanofslack/cdn-orchestrator/internal/provider"
	"github.com/evanofslack/cdn-orchestrator/internal/result"
)

const tracerName = "github.com/evanofslack/cdn-orchestrator/internal/orchestrator"

type Engine interface {
	Plan(v intent.Validated) Plan
	Execute(ctx context.Context, plan Plan) result.AggregateResult
}

type engine struct {
	provider provider.Provider
	locks    *KeyedLock
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	cfg      config.Orchestrator
}

func NewEngine(p provider.Provider, cfg config.Orchestrator, metrics *metrics.Metrics) *engine {
	return &engine{
		provider: p,
		locks:    NewKeyedLock(),
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
		cfg:      cfg,
	}
}

func (e *engine) Plan(v intent.Validated) Plan {
	return NewPlan(v)
}

// Execute runs plan under the domain's lock. It never returns an error:
// every failure is reported through the step results.
func (e *engine) Execute(ctx context.Context, plan Plan) result.AggregateResult {
	ctx, span := e.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("cdn.domain", plan.Domain),
		attribute.Int("cdn.steps", len(plan.Steps)),
	))
	defer span.End()

	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	unlock, err := e.locks.Lock(ctx, plan.Domain)
	e.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		slog.Warn("Gave up waiting for domain lock", "domain", plan.Domain, "error", err)
		results := make([]result.StepResult, len(plan.Steps))
		for i, s := range plan.Steps {
			results[i] = e.finish(s, cancelled(ctx, s))
		}
		return e.aggregate(span, plan, results)
	}
	defer unlock()

	slog.Debug("Executing plan", "domain", plan.Domain, "steps", len(plan.Steps), "dry_run", e.cfg.DryRun)
	return e.aggregate(span, plan, e.run(ctx, plan))
}

func (e *engine) aggregate(span trace.Span, plan Plan, results []result.StepResult) result.AggregateResult {
	agg := result.Aggregate(plan.Domain, results)
	span.SetAttributes(attribute.String("cdn.status", string(agg.Status)))
	if agg.Status == result.StatusFailure {
		span.SetStatus(codes.Error, agg.Summary)
	}
	slog.Info("Plan executed", "domain", plan.Domain, "status", agg.Status, "summary", agg.Summary)
	return agg
}

// run starts one goroutine per step. A step waits for its dependencies, is
// skipped if any of them did not succeed and is cancelled if the request
// ended before it could start.
func (e *engine) run(ctx context.Context, plan Plan) []result.StepResult {
	results := make([]result.StepResult, len(plan.Steps))
	done := make(map[string]chan struct{}, len(plan.Steps))
	index := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		done[s.ID] = make(chan struct{})
		index[s.ID] = i
	}

	var wg sync.WaitGroup
	for i, s := range plan.Steps {
		wg.Add(1)
		go func(i int, s Step) {
			defer wg.Done()
			defer close(done[s.ID])

			depFailed := false
			for _, dep := range s.DependsOn {
				<-done[dep]
				if results[index[dep]].Outcome != result.OutcomeSuccess {
					depFailed = true
				}
			}

			switch {
			case ctx.Err() != nil:
				results[i] = e.finish(s, cancelled(ctx, s))
			case depFailed:
				results[i] = e.finish(s, stepResult(s, result.OutcomeSkipped, result.ReasonDependencyFailure))
			default:
				results[i] = e.finish(s, e.runStep(ctx, s))
			}
		}(i, s)
	}
	wg.Wait()
	return results
}

func (e *engine) finish(s Step, r result.StepResult) result.StepResult {
	e.metrics.IncStep(string(s.Action), string(r.Outcome))
	return r
}

// runStep applies a step, retrying transient provider failures with
// exponential backoff. Once started, the step reports its real outcome even
// if the request deadline passes meanwhile.
func (e *engine) runStep(ctx context.Context, s Step) result.StepResult {
	ctx, span := e.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.String("cdn.step_id", s.ID),
		attribute.String("cdn.action", string(s.Action)),
		attribute.String("cdn.domain", s.Domain),
	))
	defer span.End()

	start := time.Now()
	res := stepResult(s, result.OutcomeSuccess, "")

	var (
		changed bool
		err     error
	)
	maxAttempts := max(e.cfg.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		changed, err = e.attempt(ctx, s)
		if err == nil || !provider.IsRetryable(err) || attempt >= maxAttempts {
			break
		}

		delay := backoff(e.cfg.BaseBackoff, e.cfg.MaxBackoff, attempt)
		slog.Warn("Retrying step after transient failure",
			"step", s.ID, "domain", s.Domain, "attempt", attempt, "delay", delay, "error", err)
		e.metrics.IncStepRetry(string(s.Action))
		res.Retries++

		if !sleep(ctx, delay) {
			break
		}
	}
	res.Duration = time.Since(start)

	if err != nil {
		res.Outcome = result.OutcomeFailure
		res.ErrorCode = result.Code(err)
		res.ProviderCode = result.ProviderCode(err)
		res.Reason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, res.ErrorCode)
		slog.Error("Step failed", "step", s.ID, "domain", s.Domain, "code", res.ErrorCode, "retries", res.Retries, "error", err)
		return res
	}

	res.Changed = changed
	switch {
	case !changed:
		res.Reason = result.ReasonNoChange
	case e.cfg.DryRun:
		res.Reason = result.ReasonDryRun
	}
	span.SetAttributes(attribute.Bool("cdn.changed", changed))
	slog.Info("Step succeeded", "step", s.ID, "domain", s.Domain, "changed", changed, "duration", res.Duration)
	return res
}

// attempt makes one try at a step. Provider calls run under a context that
// ignores request cancellation but is bounded by the per-step timeout.
func (e *engine) attempt(ctx context.Context, s Step) (bool, error) {
	callCtx := context.WithoutCancel(ctx)
	if e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.cfg.StepTimeout)
		defer cancel()
	}
	changed, err := e.apply(callCtx, s)
	if err != nil {
		return false, provider.Classify(string(s.Action), err)
	}
	return changed, nil
}

func stepResult(s Step, outcome result.Outcome, reason string) result.StepResult {
	return result.StepResult{
		Index:   s.Index,
		StepID:  s.ID,
		Action:  string(s.Action),
		Domain:  s.Domain,
		Outcome: outcome,
		Reason:  reason,
	}
}

func cancelled(ctx context.Context, s Step) result.StepResult {
	reason := result.ReasonAborted
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = result.ReasonTimeout
	}
	return stepResult(s, result.OutcomeCancelled, reason)
}

// backoff doubles base for every attempt after the first, capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if limit > 0 && delay >= limit {
			return limit
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
