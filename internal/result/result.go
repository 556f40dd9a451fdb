// Package result merges per-step outcomes into one response for the caller.
package result

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/evanofslack/cdn-orchestrator/internal/provider"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Error codes exposed to callers. Provider-native codes are carried
// separately in StepResult.ProviderCode.
const (
	CodeAuth        = "auth"
	CodeRateLimited = "rate_limited"
	CodeNotFound    = "not_found"
	CodeServerError = "server_error"
	CodeBadRequest  = "bad_request"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

// Reasons shared by the orchestrator and tests.
const (
	ReasonNoChange          = "no change"
	ReasonDryRun            = "dry run: would change"
	ReasonDependencyFailure = "skipped due to dependency failure"
	ReasonTimeout           = "cancelled: timeout"
	ReasonAborted           = "cancelled: request aborted"
)

type StepResult struct {
	Index        int           `json:"-"`
	StepID       string        `json:"step_id"`
	Action       string        `json:"action"`
	Domain       string        `json:"domain"`
	Outcome      Outcome       `json:"outcome"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ProviderCode string        `json:"provider_code,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Changed      bool          `json:"changed"`
	Retries      int           `json:"retries"`
	Duration     time.Duration `json:"-"`
}

type AggregateResult struct {
	Domain  string       `json:"domain"`
	Status  Status       `json:"status"`
	Steps   []StepResult `json:"steps"`
	Summary string       `json:"summary"`
}

// Aggregate orders steps by plan index and derives the overall status:
// success when every step succeeded, failure when none did, partial
// otherwise.
func Aggregate(domain string, steps []StepResult) AggregateResult {
	ordered := make([]StepResult, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})

	succeeded := 0
	for _, s := range ordered {
		if s.Outcome == OutcomeSuccess {
			succeeded++
		}
	}

	status := StatusPartial
	switch {
	case succeeded == 0:
		status = StatusFailure
	case succeeded == len(ordered):
		status = StatusSuccess
	}

	return AggregateResult{
		Domain:  domain,
		Status:  status,
		Steps:   ordered,
		Summary: summarize(status, ordered, succeeded),
	}
}

// summarize uses only actions, outcomes and error codes so the text is
// stable for identical results.
func summarize(status Status, steps []StepResult, succeeded int) string {
	if len(steps) == 0 {
		return fmt.Sprintf("%s: no steps executed", status)
	}

	changed := 0
	var notes []string
	for _, s := range steps {
		if s.Changed {
			changed++
		}
		switch s.Outcome {
		case OutcomeFailure:
			notes = append(notes, fmt.Sprintf("%s failed (%s)", s.Action, s.ErrorCode))
		case OutcomeSkipped, OutcomeCancelled:
			notes = append(notes, fmt.Sprintf("%s %s", s.Action, s.Outcome))
		}
	}

	summary := fmt.Sprintf("%s: %d/%d steps succeeded, %d changed", status, succeeded, len(steps), changed)
	if len(notes) > 0 {
		summary += "; " + strings.Join(notes, "; ")
	}
	return summary
}

// Code maps an execution error onto the fixed caller-facing code set.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case provider.KindAuth:
			return CodeAuth
		case provider.KindRateLimited:
			return CodeRateLimited
		case provider.KindNotFound:
			return CodeNotFound
		case provider.KindServerError:
			return CodeServerError
		case provider.KindBadRequest:
			return CodeBadRequest
		case provider.KindTimeout:
			return CodeTimeout
		}
		return CodeInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// ProviderCode returns the provider-native code carried by err, if any.
func ProviderCode(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
