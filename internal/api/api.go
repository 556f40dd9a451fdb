// Package api exposes the request pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/evanofslack/cdn-orchestrator/internal/intent"
	"github.com/evanofslack/cdn-orchestrator/internal/service"
)

const (
	maxBodyBytes = 1 << 20
	maxBatch     = 50
	batchWorkers = 8
)

// Runner is the part of the service the handlers drive.
type Runner interface {
	Handle(ctx context.Context, in intent.Input) service.Response
	Plan(ctx context.Context, in intent.Input) service.Response
}

// IntentRequest carries either a structured intent or a free-text block.
type IntentRequest struct {
	Intent map[string]any `json:"intent,omitempty"`
	Text   string         `json:"text,omitempty"`
}

func (r IntentRequest) input() intent.Input {
	return intent.Input{Structured: r.Intent, Text: r.Text}
}

type BatchRequest struct {
	Requests []IntentRequest `json:"requests"`
}

type BatchResponse struct {
	Responses []service.Response `json:"responses"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	runner  Runner
	metrics http.Handler
}

func NewHandler(runner Runner, metrics http.Handler) *Handler {
	return &Handler{runner: runner, metrics: metrics}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/intents", h.applyIntent)
		r.Post("/intents/batch", h.applyBatch)
		r.Post("/plans", h.planIntent)
	})
	return r
}

func (h *Handler) applyIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	resp := h.runner.Handle(r.Context(), req.input())
	writeJSON(w, statusCode(resp), resp)
}

func (h *Handler) planIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	resp := h.runner.Plan(r.Context(), req.input())
	writeJSON(w, statusCode(resp), resp)
}

// applyBatch runs every request concurrently. Requests on the same domain
// are still serialized by the orchestrator.
func (h *Handler) applyBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > maxBatch {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("batch must hold 1 to %d requests", maxBatch)})
		return
	}

	responses := make([]service.Response, len(req.Requests))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(batchWorkers)
	for i, item := range req.Requests {
		g.Go(func() error {
			responses[i] = h.runner.Handle(ctx, item.input())
			return nil
		})
	}
	g.Wait()

	writeJSON(w, http.StatusOK, BatchResponse{Responses: responses})
}

// statusCode maps a response onto HTTP. Executed requests are 200 whatever
// their outcome; the body carries the status.
func statusCode(resp service.Response) int {
	switch {
	case resp.Result != nil:
		return http.StatusOK
	case len(resp.ValidationErrors) > 0:
		return http.StatusUnprocessableEntity
	case resp.State == service.StateFailed:
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body larger than %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}
