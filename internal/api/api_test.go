package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evanofslack/cdn-orchestrator/internal/config"
	"github.com/evanofslack/cdn-orchestrator/internal/intent"
	"github.com/evanofslack/cdn-orchestrator/internal/metrics"
	"github.com/evanofslack/cdn-orchestrator/internal/orchestrator"
	"github.com/evanofslack/cdn-orchestrator/internal/provider/local"
	"github.com/evanofslack/cdn-orchestrator/internal/result"
	"github.com/evanofslack/cdn-orchestrator/internal/service"
	"github.com/evanofslack/cdn-orchestrator/internal/validate"
)

type MockRunner struct {
	mu      sync.Mutex
	inputs  []intent.Input
	planned int
	resp    func(in intent.Input) service.Response
}

func (m *MockRunner) Handle(ctx context.Context, in intent.Input) service.Response {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	if m.resp != nil {
		return m.resp(in)
	}
	return service.Response{State: service.StateCompleted, Result: &result.AggregateResult{Status: result.StatusSuccess}}
}

func (m *MockRunner) Plan(ctx context.Context, in intent.Input) service.Response {
	m.mu.Lock()
	m.planned++
	m.mu.Unlock()
	return service.Response{State: service.StatePlanned}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewRouter(NewHandler(&MockRunner{}, nil))
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestApplyIntentDecoding(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		text   string
	}{
		{"structured", `{"intent":{"domain_name":"example.com","sources":"1.2.3.4:80"}}`, http.StatusOK, ""},
		{"text", `{"text":"example.com\nsource ip 1.2.3.4"}`, http.StatusOK, "example.com\nsource ip 1.2.3.4"},
		{"bad json", `{"intent":`, http.StatusBadRequest, ""},
		{"unknown envelope key", `{"intnet":{}}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockRunner{}
			rec := do(t, NewRouter(NewHandler(runner, nil)), http.MethodPost, "/v1/intents", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			if tt.status != http.StatusOK {
				if len(runner.inputs) != 0 {
					t.Error("bad request reached the service")
				}
				return
			}
			if len(runner.inputs) != 1 || runner.inputs[0].Text != tt.text {
				t.Errorf("inputs = %+v", runner.inputs)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		resp service.Response
		want int
	}{
		{"executed failure", service.Response{State: service.StateFailed, Result: &result.AggregateResult{Status: result.StatusFailure}}, http.StatusOK},
		{"validation", service.Response{State: service.StateFailed, ValidationErrors: validate.Errors{{Field: "domain_name", Kind: validate.KindRequired}}}, http.StatusUnprocessableEntity},
		{"parse", service.Response{State: service.StateFailed, Error: "parse intent: empty input"}, http.StatusBadRequest},
		{"planned", service.Response{State: service.StatePlanned}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCode(tt.resp); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestApplyBatchKeepsOrder(t *testing.T) {
	runner := &MockRunner{resp: func(in intent.Input) service.Response {
		return service.Response{RequestID: in.Structured["domain_name"].(string), State: service.StateCompleted}
	}}
	body := `{"requests":[
		{"intent":{"domain_name":"a.example.com"}},
		{"intent":{"domain_name":"b.example.com"}},
		{"intent":{"domain_name":"c.example.com"}}
	]}`
	rec := do(t, NewRouter(NewHandler(runner, nil)), http.MethodPost, "/v1/intents/batch", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var out BatchResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"a.example.com", "b.example.com", "c.example.com"}
	if len(out.Responses) != len(want) {
		t.Fatalf("responses = %+v", out.Responses)
	}
	for i, id := range want {
		if out.Responses[i].RequestID != id {
			t.Errorf("response %d = %s, want %s", i, out.Responses[i].RequestID, id)
		}
	}
}

func TestApplyBatchLimits(t *testing.T) {
	h := NewRouter(NewHandler(&MockRunner{}, nil))
	if rec := do(t, h, http.MethodPost, "/v1/intents/batch", `{"requests":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", rec.Code)
	}
	items := make([]string, maxBatch+1)
	for i := range items {
		items[i] = `{"text":"example.com"}`
	}
	body := `{"requests":[` + strings.Join(items, ",") + `]}`
	if rec := do(t, h, http.MethodPost, "/v1/intents/batch", body); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized batch status = %d", rec.Code)
	}
}

func TestPlanEndpoint(t *testing.T) {
	runner := &MockRunner{}
	rec := do(t, NewRouter(NewHandler(runner, nil)), http.MethodPost, "/v1/plans", `{"text":"example.com"}`)
	if rec.Code != http.StatusOK || runner.planned != 1 || len(runner.inputs) != 0 {
		t.Errorf("status = %d, planned = %d, executed = %d", rec.Code, runner.planned, len(runner.inputs))
	}
}

func TestEndToEnd(t *testing.T) {
	m := metrics.New(true)
	store, err := local.New(t.TempDir(), m)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := config.Orchestrator{StepTimeout: time.Second, RequestTimeout: 5 * time.Second, MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	svc := service.New(orchestrator.NewEngine(store, cfg, m), validate.New(false), m)
	srv := httptest.NewServer(NewRouter(NewHandler(svc, m.Handler())))
	defer srv.Close()

	body := `{"intent":{"domain_name":"Example.com.","sources":"1.2.3.4:80","cdn_type":"web","cache_rules":["*.jpg:3600"]}}`
	resp, err := http.Post(srv.URL+"/v1/intents", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out service.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || out.State != service.StateCompleted {
		t.Fatalf("status = %d, response = %+v", resp.StatusCode, out)
	}
	if out.Result.Domain != "example.com" || len(out.Result.Steps) != 2 {
		t.Errorf("result = %+v", out.Result)
	}

	invalid := `{"intent":{"domain_name":"example.com","cdn_type":"fast","sources":"1.2.3.4:99999"}}`
	resp2, err := http.Post(srv.URL+"/v1/intents", "application/json", strings.NewReader(invalid))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid intent status = %d", resp2.StatusCode)
	}

	metricsResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", metricsResp.StatusCode)
	}
}
