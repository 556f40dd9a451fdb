// Package service runs one CDN configuration request through parsing,
// validation, planning and execution, and tracks where it ended up.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evanofslack/cdn-orchestrator/internal/intent"
	"github.com/evanofslack/cdn-orchestrator/internal/metrics"
	"github.com/evanofslack/cdn-orchestrator/internal/orchestrator"
	"github.com/evanofslack/cdn-orchestrator/internal/result"
	"github.com/evanofslack/cdn-orchestrator/internal/validate"
)

type State string

const (
	StateReceived           State = "received"
	StateParsed             State = "parsed"
	StateValidated          State = "validated"
	StatePlanned            State = "planned"
	StateExecuting          State = "executing"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
)

// Allowed forward moves. Failed is reachable from every non-terminal state.
var transitions = map[State][]State{
	StateReceived:  {StateParsed},
	StateParsed:    {StateValidated},
	StateValidated: {StatePlanned},
	StatePlanned:   {StateExecuting},
	StateExecuting: {StateCompleted, StatePartiallyCompleted},
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyCompleted, StateFailed:
		return true
	}
	return false
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PlannedStep struct {
	ID        string   `json:"id"`
	Action    string   `json:"action"`
	Domain    string   `json:"domain"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Response is the transport-independent outcome of one request. Exactly one
// of Error, ValidationErrors or Result explains a failed request.
type Response struct {
	RequestID        string                  `json:"request_id"`
	State            State                   `json:"state"`
	Error            string                  `json:"error,omitempty"`
	ValidationErrors validate.Errors         `json:"validation_errors,omitempty"`
	Warnings         []string                `json:"warnings,omitempty"`
	Intent           map[string]any          `json:"intent,omitempty"`
	Plan             []PlannedStep           `json:"plan,omitempty"`
	Result           *result.AggregateResult `json:"result,omitempty"`
}

type Service struct {
	validator *validate.Validator
	engine    orchestrator.Engine
	metrics   *metrics.Metrics
}

func New(engine orchestrator.Engine, validator *validate.Validator, metrics *metrics.Metrics) *Service {
	return &Service{
		validator: validator,
		engine:    engine,
		metrics:   metrics,
	}
}

// request tracks one response through the state machine.
type request struct {
	resp   Response
	start  time.Time
	logger *slog.Logger
}

func newRequest() *request {
	id := uuid.NewString()
	return &request{
		resp:   Response{RequestID: id, State: StateReceived},
		start:  time.Now(),
		logger: slog.With("request_id", id),
	}
}

func (r *request) transition(to State) {
	if !canTransition(r.resp.State, to) {
		// Programming error, keep the current state.
		r.logger.Error("Invalid request state transition", "from", r.resp.State, "to", to)
		return
	}
	r.logger.Debug("Request state changed", "from", r.resp.State, "to", to)
	r.resp.State = to
}

func (r *request) fail(err error) {
	var verrs validate.Errors
	if errors.As(err, &verrs) {
		r.resp.ValidationErrors = verrs
	} else {
		r.resp.Error = err.Error()
	}
	r.transition(StateFailed)
}

// Handle runs a request to completion. Failures never surface as errors;
// they are reported through the response state.
func (s *Service) Handle(ctx context.Context, in intent.Input) Response {
	r := newRequest()
	defer s.finish(r)

	plan, ok := s.prepare(r, in)
	if !ok {
		return r.resp
	}

	r.transition(StateExecuting)
	r.logger.Info("Executing plan", "domain", plan.Domain, "steps", len(plan.Steps))
	agg := s.engine.Execute(ctx, plan)
	r.resp.Result = &agg

	switch agg.Status {
	case result.StatusSuccess:
		r.transition(StateCompleted)
	case result.StatusPartial:
		r.transition(StatePartiallyCompleted)
	default:
		r.resp.Error = agg.Summary
		r.transition(StateFailed)
	}
	return r.resp
}

// Plan parses, validates and plans a request without touching the
// provider. A successful response ends in StatePlanned; a request whose
// context has already ended is failed before parsing.
func (s *Service) Plan(ctx context.Context, in intent.Input) Response {
	r := newRequest()
	defer s.finish(r)
	if err := ctx.Err(); err != nil {
		r.logger.Info("Rejected request", "stage", "plan", "error", err)
		r.fail(err)
		return r.resp
	}
	s.prepare(r, in)
	return r.resp
}

func (s *Service) prepare(r *request, in intent.Input) (orchestrator.Plan, bool) {
	parsed, err := intent.Parse(in)
	if err != nil {
		r.logger.Info("Rejected request", "stage", "parse", "error", err)
		r.fail(err)
		return orchestrator.Plan{}, false
	}
	r.transition(StateParsed)

	validated, err := s.validator.Validate(parsed)
	if err != nil {
		r.logger.Info("Rejected request", "stage", "validate", "domain", parsed.DomainName, "error", err)
		r.fail(err)
		return orchestrator.Plan{}, false
	}
	r.resp.Warnings = validated.Warnings
	r.resp.Intent = intent.Serialize(validated)
	r.transition(StateValidated)

	plan := s.engine.Plan(validated)
	if len(plan.Steps) == 0 {
		r.fail(fmt.Errorf("nothing to do for %s", validated.DomainName))
		return orchestrator.Plan{}, false
	}
	r.resp.Plan = plannedSteps(plan)
	r.transition(StatePlanned)
	return plan, true
}

func (s *Service) finish(r *request) {
	elapsed := time.Since(r.start)
	s.metrics.IncRequest(string(r.resp.State))
	s.metrics.SetRequestDuration(elapsed)
	r.logger.Info("Request finished", "state", r.resp.State, "duration", elapsed)
}

func plannedSteps(plan orchestrator.Plan) []PlannedStep {
	out := make([]PlannedStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, PlannedStep{
			ID:        s.ID,
			Action:    string(s.Action),
			Domain:    s.Domain,
			DependsOn: s.DependsOn,
		})
	}
	return out
}
