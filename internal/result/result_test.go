package result

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/evanofslack/cdn-orchestrator/internal/provider"
)

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		expected Status
	}{
		{name: "all succeeded", outcomes: []Outcome{OutcomeSuccess, OutcomeSuccess}, expected: StatusSuccess},
		{name: "none succeeded", outcomes: []Outcome{OutcomeFailure, OutcomeSkipped}, expected: StatusFailure},
		{name: "mixed", outcomes: []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeSkipped}, expected: StatusPartial},
		{name: "cancelled tail", outcomes: []Outcome{OutcomeSuccess, OutcomeCancelled}, expected: StatusPartial},
		{name: "empty", outcomes: nil, expected: StatusFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := make([]StepResult, len(tt.outcomes))
			for i, o := range tt.outcomes {
				steps[i] = StepResult{Index: i, Action: "set_https", Outcome: o}
			}
			got := Aggregate("example.com", steps)
			if got.Status != tt.expected {
				t.Errorf("status = %s, want %s", got.Status, tt.expected)
			}
		})
	}
}

func TestAggregateOrdersByIndex(t *testing.T) {
	steps := []StepResult{
		{Index: 2, Action: "set_origin", Outcome: OutcomeSuccess},
		{Index: 0, Action: "create_domain", Outcome: OutcomeSuccess, Changed: true},
		{Index: 1, Action: "set_https", Outcome: OutcomeFailure, ErrorCode: CodeAuth},
	}
	got := Aggregate("example.com", steps)
	for i, s := range got.Steps {
		if s.Index != i {
			t.Fatalf("step %d has index %d", i, s.Index)
		}
	}
	if steps[0].Index != 2 {
		t.Error("input slice was reordered")
	}
	want := "partial: 2/3 steps succeeded, 1 changed; set_https failed (auth)"
	if got.Summary != want {
		t.Errorf("summary = %q, want %q", got.Summary, want)
	}
}

func TestAggregateSummaryDeterministic(t *testing.T) {
	steps := []StepResult{
		{Index: 0, Action: "update_domain", Outcome: OutcomeFailure, ErrorCode: CodeNotFound, Reason: "domain example.com missing at 12:00:01"},
		{Index: 1, Action: "set_cache_rule", Outcome: OutcomeSkipped, Reason: ReasonDependencyFailure},
		{Index: 2, Action: "set_origin", Outcome: OutcomeCancelled, Reason: ReasonTimeout},
	}
	first := Aggregate("example.com", steps).Summary
	steps[0].Reason = "something else entirely"
	second := Aggregate("example.com", steps).Summary
	if first != second {
		t.Errorf("summary depends on reason text: %q vs %q", first, second)
	}
	want := "failure: 0/3 steps succeeded, 0 changed; update_domain failed (not_found); set_cache_rule skipped; set_origin cancelled"
	if first != want {
		t.Errorf("summary = %q, want %q", first, want)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{err: nil, expected: ""},
		{err: provider.NewError(provider.KindAuth, "describe", "InvalidAccessKeyId", nil), expected: CodeAuth},
		{err: fmt.Errorf("wrapped: %w", provider.NewError(provider.KindRateLimited, "set", "Throttling", nil)), expected: CodeRateLimited},
		{err: provider.NewError(provider.KindNotFound, "describe", "", nil), expected: CodeNotFound},
		{err: provider.NewError(provider.KindServerError, "set", "", nil), expected: CodeServerError},
		{err: provider.NewError(provider.KindBadRequest, "set", "", nil), expected: CodeBadRequest},
		{err: provider.NewError(provider.KindTimeout, "set", "", nil), expected: CodeTimeout},
		{err: context.DeadlineExceeded, expected: CodeTimeout},
		{err: errors.New("boom"), expected: CodeInternal},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.expected {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.expected)
		}
	}
}

func TestProviderCode(t *testing.T) {
	err := fmt.Errorf("step: %w", provider.NewError(provider.KindAuth, "describe", "InvalidAccessKeyId", nil))
	if got := ProviderCode(err); got != "InvalidAccessKeyId" {
		t.Errorf("provider code = %q", got)
	}
	if got := ProviderCode(errors.New("plain")); got != "" {
		t.Errorf("provider code = %q, want empty", got)
	}
}
