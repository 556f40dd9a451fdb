package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/evanofslack/cdn-orchestrator/internal/config"
	"github.com/evanofslack/cdn-orchestrator/internal/intent"
	"github.com/evanofslack/cdn-orchestrator/internal/metrics"
	"github.com/evanofslack/cdn-orchestrator/internal/provider"
	"github.com/evanofslack/cdn-orchestrator/internal/result"
)

func testConfig() config.Orchestrator {
	return config.Orchestrator{
		StepTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestEngine(p provider.Provider, cfg config.Orchestrator) *engine {
	return NewEngine(p, cfg, metrics.New(false))
}

func existingDomain(m *MockProvider) {
	m.domains["example.com"] = provider.Domain{
		Name:    "example.com",
		CDNType: "web",
		Sources: []provider.Source{{Type: "ipaddr", Content: "1.2.3.4", Port: 80}},
	}
}

func outcomes(agg result.AggregateResult) []result.Outcome {
	out := make([]result.Outcome, len(agg.Steps))
	for i, s := range agg.Steps {
		out[i] = s.Outcome
	}
	return out
}

func TestExecuteCreateThenNoChange(t *testing.T) {
	mock := NewMockProvider()
	e := newTestEngine(mock, testConfig())
	plan := e.Plan(sampleIntent(intent.OpCreate))

	first := e.Execute(context.Background(), plan)
	if first.Status != result.StatusSuccess {
		t.Fatalf("first run status = %s: %s", first.Status, first.Summary)
	}
	for _, s := range first.Steps {
		if !s.Changed {
			t.Errorf("first run: %s reported no change", s.StepID)
		}
	}
	if got := mock.domains["example.com"].CDNType; got != "web" {
		t.Errorf("cdn type = %q", got)
	}
	if got := mock.cache["example.com"]["/*.png"]; got != time.Hour {
		t.Errorf("png ttl = %v", got)
	}
	if got := mock.origin["example.com"].Port; got != 8080 {
		t.Errorf("origin port = %d", got)
	}

	mutations := mock.mutationCount()
	second := e.Execute(context.Background(), plan)
	if second.Status != result.StatusSuccess {
		t.Fatalf("second run status = %s: %s", second.Status, second.Summary)
	}
	for _, s := range second.Steps {
		if s.Changed || s.Reason != result.ReasonNoChange {
			t.Errorf("second run: %s changed=%v reason=%q", s.StepID, s.Changed, s.Reason)
		}
	}
	if mock.mutationCount() != mutations {
		t.Errorf("second run mutated provider state")
	}
}

func TestExecuteUpdateMissingDomain(t *testing.T) {
	mock := NewMockProvider()
	e := newTestEngine(mock, testConfig())

	agg := e.Execute(context.Background(), e.Plan(sampleIntent(intent.OpUpdate)))
	if agg.Status != result.StatusFailure {
		t.Fatalf("status = %s", agg.Status)
	}
	if agg.Steps[0].Outcome != result.OutcomeFailure || agg.Steps[0].ErrorCode != result.CodeNotFound {
		t.Errorf("readiness step = %+v", agg.Steps[0])
	}
	if agg.Steps[0].ProviderCode != "InvalidDomain.NotFound" {
		t.Errorf("provider code = %q", agg.Steps[0].ProviderCode)
	}
	for _, s := range agg.Steps[1:] {
		if s.Outcome != result.OutcomeSkipped || s.Reason != result.ReasonDependencyFailure {
			t.Errorf("%s: outcome=%s reason=%q", s.StepID, s.Outcome, s.Reason)
		}
	}
	if mock.callCount("DescribeDomain") != 1 {
		t.Errorf("not_found should not be retried, describe called %d times", mock.callCount("DescribeDomain"))
	}
}

func TestExecutePartialFailure(t *testing.T) {
	mock := NewMockProvider()
	existingDomain(mock)
	mock.failWith("SetHTTPS", provider.NewError(provider.KindAuth, "set https", "Forbidden", errors.New("denied")))
	e := newTestEngine(mock, testConfig())

	agg := e.Execute(context.Background(), e.Plan(sampleIntent(intent.OpUpdate)))
	if agg.Status != result.StatusPartial {
		t.Fatalf("status = %s", agg.Status)
	}
	want := []result.Outcome{
		result.OutcomeSuccess, result.OutcomeSuccess, result.OutcomeSuccess, result.OutcomeFailure, result.OutcomeSuccess,
	}
	got := outcomes(agg)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", got, want)
		}
	}
	https := agg.Steps[3]
	if https.ErrorCode != result.CodeAuth || https.Retries != 0 {
		t.Errorf("https step = %+v", https)
	}
	if mock.callCount("SetHTTPS") != 1 {
		t.Errorf("auth failure retried: %d calls", mock.callCount("SetHTTPS"))
	}
}

func TestExecuteRetries(t *testing.T) {
	tests := []struct {
		name        string
		errs        []error
		outcome     result.Outcome
		code        string
		retries     int
		expectCalls int
	}{
		{
			name: "transient then success",
			errs: []error{
				provider.NewError(provider.KindRateLimited, "set origin", "Throttling", nil),
				provider.NewError(provider.KindTimeout, "set origin", "", nil),
			},
			outcome:     result.OutcomeSuccess,
			retries:     2,
			expectCalls: 3,
		},
		{
			name: "retryable server error",
			errs: []error{
				provider.NewError(provider.KindServerError, "set origin", "ServiceUnavailable", nil).Transient(),
			},
			outcome:     result.OutcomeSuccess,
			retries:     1,
			expectCalls: 2,
		},
		{
			name: "attempts exhausted",
			errs: []error{
				provider.NewError(provider.KindRateLimited, "set origin", "Throttling", nil),
				provider.NewError(provider.KindRateLimited, "set origin", "Throttling", nil),
				provider.NewError(provider.KindRateLimited, "set origin", "Throttling", nil),
			},
			outcome:     result.OutcomeFailure,
			code:        result.CodeRateLimited,
			retries:     2,
			expectCalls: 3,
		},
		{
			name:        "permanent server error",
			errs:        []error{provider.NewError(provider.KindServerError, "set origin", "InternalError", nil)},
			outcome:     result.OutcomeFailure,
			code:        result.CodeServerError,
			expectCalls: 1,
		},
		{
			name:        "bad request",
			errs:        []error{provider.NewError(provider.KindBadRequest, "set origin", "InvalidParameter", nil)},
			outcome:     result.OutcomeFailure,
			code:        result.CodeBadRequest,
			expectCalls: 1,
		},
		{
			name:        "unclassified error",
			errs:        []error{errors.New("connection reset")},
			outcome:     result.OutcomeFailure,
			code:        result.CodeServerError,
			expectCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockProvider()
			existingDomain(mock)
			mock.failWith("SetOrigin", tt.errs...)
			e := newTestEngine(mock, testConfig())

			v := intent.Validated{
				DomainName: "example.com",
				Operation:  intent.OpUpdate,
				Origin:     &intent.OriginSettings{Protocol: ptr("https")},
			}
			agg := e.Execute(context.Background(), e.Plan(v))
			step := agg.Steps[1]
			if step.Outcome != tt.outcome || step.ErrorCode != tt.code || step.Retries != tt.retries {
				t.Errorf("step = %+v", step)
			}
			if got := mock.callCount("SetOrigin"); got != tt.expectCalls {
				t.Errorf("SetOrigin called %d times, want %d", got, tt.expectCalls)
			}
		})
	}
}

func TestExecuteStepTimeout(t *testing.T) {
	mock := NewMockProvider()
	existingDomain(mock)
	mock.delay("SetHTTPS", time.Second)

	cfg := testConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	e := newTestEngine(mock, cfg)

	v := intent.Validated{
		DomainName: "example.com",
		Operation:  intent.OpUpdate,
		HTTPS:      &intent.HTTPSSettings{HTTP2: ptr(true)},
	}
	agg := e.Execute(context.Background(), e.Plan(v))
	if agg.Status != result.StatusPartial {
		t.Fatalf("status = %s", agg.Status)
	}
	if agg.Steps[1].Outcome != result.OutcomeFailure || agg.Steps[1].ErrorCode != result.CodeTimeout {
		t.Errorf("https step = %+v", agg.Steps[1])
	}
}

func TestExecuteRequestTimeoutCancelsUnstarted(t *testing.T) {
	mock := NewMockProvider()
	existingDomain(mock)
	mock.delay("DescribeDomain", 100*time.Millisecond)

	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	e := newTestEngine(mock, cfg)

	agg := e.Execute(context.Background(), e.Plan(sampleIntent(intent.OpUpdate)))
	if agg.Steps[0].Outcome != result.OutcomeSuccess {
		t.Errorf("in-flight readiness step = %+v", agg.Steps[0])
	}
	for _, s := range agg.Steps[1:] {
		if s.Outcome != result.OutcomeCancelled || s.Reason != result.ReasonTimeout {
			t.Errorf("%s: outcome=%s reason=%q", s.StepID, s.Outcome, s.Reason)
		}
	}
	if agg.Status != result.StatusPartial {
		t.Errorf("status = %s", agg.Status)
	}
}

func TestExecuteCallerAbort(t *testing.T) {
	mock := NewMockProvider()
	e := newTestEngine(mock, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agg := e.Execute(ctx, e.Plan(sampleIntent(intent.OpCreate)))
	if agg.Status != result.StatusFailure {
		t.Fatalf("status = %s", agg.Status)
	}
	for _, s := range agg.Steps {
		if s.Outcome != result.OutcomeCancelled || s.Reason != result.ReasonAborted {
			t.Errorf("%s: outcome=%s reason=%q", s.StepID, s.Outcome, s.Reason)
		}
	}
	if mock.callCount("DescribeDomain") != 0 {
		t.Error("provider contacted after abort")
	}
}

func TestExecuteSerializesSameDomain(t *testing.T) {
	mock := NewMockProvider()
	e := newTestEngine(mock, testConfig())

	unlock, err := e.locks.Lock(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	done := make(chan result.AggregateResult, 1)
	go func() {
		done <- e.Execute(context.Background(), e.Plan(sampleIntent(intent.OpCreate)))
	}()
	waitFor(t, func() bool { return e.locks.waiting("example.com") == 2 })

	other := sampleIntent(intent.OpCreate)
	other.DomainName = "other.example.com"
	if agg := e.Execute(context.Background(), e.Plan(other)); agg.Status != result.StatusSuccess {
		t.Fatalf("other domain blocked or failed: %s", agg.Summary)
	}

	select {
	case <-done:
		t.Fatal("same-domain run did not wait for the lock holder")
	default:
	}

	unlock()
	select {
	case agg := <-done:
		if agg.Status != result.StatusSuccess {
			t.Errorf("status = %s: %s", agg.Status, agg.Summary)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("same-domain run never finished")
	}
}

func TestExecuteDelete(t *testing.T) {
	mock := NewMockProvider()
	existingDomain(mock)
	e := newTestEngine(mock, testConfig())
	plan := e.Plan(intent.Validated{DomainName: "example.com", Operation: intent.OpDelete})

	agg := e.Execute(context.Background(), plan)
	if agg.Status != result.StatusSuccess || !agg.Steps[0].Changed {
		t.Fatalf("delete = %+v", agg)
	}
	if _, ok := mock.domains["example.com"]; ok {
		t.Error("domain still present")
	}

	again := e.Execute(context.Background(), plan)
	if again.Status != result.StatusSuccess || again.Steps[0].Changed {
		t.Errorf("repeat delete = %+v", again)
	}
}

func TestExecuteDryRun(t *testing.T) {
	mock := NewMockProvider()
	cfg := testConfig()
	cfg.DryRun = true
	e := newTestEngine(mock, cfg)

	agg := e.Execute(context.Background(), e.Plan(sampleIntent(intent.OpCreate)))
	if agg.Status != result.StatusSuccess {
		t.Fatalf("status = %s: %s", agg.Status, agg.Summary)
	}
	for _, s := range agg.Steps {
		if !s.Changed || s.Reason != result.ReasonDryRun {
			t.Errorf("%s: changed=%v reason=%q", s.StepID, s.Changed, s.Reason)
		}
	}
	if mock.mutationCount() != 0 {
		t.Errorf("dry run mutated provider state %d times", mock.mutationCount())
	}
}

func TestExecuteMergesPartialSettings(t *testing.T) {
	mock := NewMockProvider()
	existingDomain(mock)
	mock.https["example.com"] = provider.HTTPS{CertReference: "prod-cert", HTTP2: true}
	e := newTestEngine(mock, testConfig())

	v := intent.Validated{
		DomainName: "example.com",
		Operation:  intent.OpUpdate,
		HTTPS:      &intent.HTTPSSettings{ForceHTTPS: ptr(true)},
	}
	if agg := e.Execute(context.Background(), e.Plan(v)); agg.Status != result.StatusSuccess {
		t.Fatalf("status = %s", agg.Status)
	}
	want := provider.HTTPS{CertReference: "prod-cert", ForceHTTPS: true, HTTP2: true}
	if got := mock.https["example.com"]; got != want {
		t.Errorf("https = %+v, want %+v", got, want)
	}
}

func TestExecuteHeaders(t *testing.T) {
	mock := NewMockProvider()
	existingDomain(mock)
	mock.headers["example.com"] = map[string]string{"X-Frame-Options": "DENY", "Cache-Control": "no-cache"}
	e := newTestEngine(mock, testConfig())

	v := intent.Validated{
		DomainName: "example.com",
		Operation:  intent.OpUpdate,
		Headers: []intent.Header{
			{Key: "X-Frame-Options", Value: "DENY"},
			{Key: "Cache-Control", Value: "max-age=60"},
			{Key: "Access-Control-Allow-Origin", Value: "*"},
		},
	}
	mock.failWith("SetHeaders", provider.NewError(provider.KindServerError, "set headers", "TransactionConflict", errors.New("conflict")).Transient())

	agg := e.Execute(context.Background(), e.Plan(v))
	if agg.Status != result.StatusSuccess {
		t.Fatalf("status = %s: %s", agg.Status, agg.Summary)
	}
	step := agg.Steps[1]
	if step.Action != string(ActionSetHeaders) || !step.Changed || step.Retries != 1 {
		t.Errorf("headers step = %+v", step)
	}
	want := map[string]string{"X-Frame-Options": "DENY", "Cache-Control": "max-age=60", "Access-Control-Allow-Origin": "*"}
	if got := mock.headers["example.com"]; !reflect.DeepEqual(got, want) {
		t.Errorf("headers = %v, want %v", got, want)
	}

	mutations := mock.mutationCount()
	again := e.Execute(context.Background(), e.Plan(v))
	if again.Status != result.StatusSuccess || again.Steps[1].Changed {
		t.Errorf("rerun = %+v", again.Steps)
	}
	if mock.mutationCount() != mutations {
		t.Error("rerun mutated provider state")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 1, expected: 100 * time.Millisecond},
		{attempt: 2, expected: 200 * time.Millisecond},
		{attempt: 3, expected: 400 * time.Millisecond},
		{attempt: 4, expected: 500 * time.Millisecond},
		{attempt: 10, expected: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(100*time.Millisecond, 500*time.Millisecond, tt.attempt); got != tt.expected {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestSameSources(t *testing.T) {
	a := []provider.Source{{Type: "ipaddr", Content: "1.1.1.1", Port: 80}, {Type: "domain", Content: "o.example.com", Port: 443}}
	b := []provider.Source{{Type: "domain", Content: "o.example.com", Port: 0}, {Type: "ipaddr", Content: "1.1.1.1", Port: 80}}
	if !sameSources(a, b) {
		t.Error("expected order-insensitive match with untracked port")
	}
	c := []provider.Source{{Type: "ipaddr", Content: "1.1.1.1", Port: 81}, {Type: "domain", Content: "o.example.com", Port: 443}}
	if sameSources(a, c) {
		t.Error("different ports should not match")
	}
	if sameSources(a, a[:1]) {
		t.Error("different lengths should not match")
	}
}
