/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpapi exposes the governor over HTTP: session lifecycle, usage
// tracking, ledger snapshots, and breaker control.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	"github.com/altairalabs/spendguard/internal/httputil"
	"github.com/altairalabs/spendguard/pkg/governor"
	"github.com/altairalabs/spendguard/pkg/ledger"
	"github.com/altairalabs/spendguard/pkg/logctx"
	"github.com/altairalabs/spendguard/pkg/tracing"
)

// Sentinel errors surfaced as HTTP status codes by writeError.
var (
	ErrMissingSessionID = errors.New("session id is required")
	ErrMissingModel     = errors.New("model is required")
	ErrInvalidBody      = errors.New("invalid request body")
	ErrSessionNotFound  = errors.New("session not found")
)

// StartSessionRequest is the optional JSON body for session creation.
type StartSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// StartSessionResponse is the JSON response for session creation.
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// UsageRequest is the JSON body for a usage event.
type UsageRequest struct {
	Model       string `json:"model"`
	InputUnits  int64  `json:"inputUnits"`
	OutputUnits int64  `json:"outputUnits"`
}

// UsageResponse is the JSON view of a governor.UsageResult.
type UsageResponse struct {
	SessionID                string   `json:"sessionId"`
	Model                    string   `json:"model"`
	InputUnits               int64    `json:"inputUnits"`
	OutputUnits              int64    `json:"outputUnits"`
	CallCostUSD              float64  `json:"callCostUsd"`
	SessionCostUSD           float64  `json:"sessionCostUsd"`
	Tracked                  bool     `json:"tracked"`
	AdmissionOK              bool     `json:"admissionOk"`
	RemainingBudgetUSD       float64  `json:"remainingBudgetUsd"`
	RemainingDurationSeconds float64  `json:"remainingDurationSeconds"`
	BreakerActive            bool     `json:"breakerActive"`
	Reasons                  []string `json:"reasons,omitempty"`
	BudgetWarning            bool     `json:"budgetWarning,omitempty"`
}

// SessionResponse is the JSON response for a single session.
type SessionResponse struct {
	Session   ledger.Entry           `json:"session"`
	Admission ledger.AdmissionResult `json:"admission"`
}

// SnapshotResponse is the JSON response for the session list.
type SnapshotResponse struct {
	Sessions       []ledger.Entry `json:"sessions"`
	TotalCostUSD   float64        `json:"totalCostUsd"`
	ClusterCostUSD *float64       `json:"clusterCostUsd,omitempty"`
}

// BreakerResponse is the JSON view of the circuit breaker.
type BreakerResponse struct {
	Active       bool    `json:"active"`
	ResetAt      string  `json:"resetAt,omitempty"`
	TotalCostUSD float64 `json:"totalCostUsd"`
}

// Handler provides the spendguard HTTP endpoints.
type Handler struct {
	gov    *governor.Governor
	tracer *tracing.Provider
	log    logr.Logger
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithTracingProvider sets the tracing provider for the handler. Usage
// events then run inside a dedicated span.
func WithTracingProvider(provider *tracing.Provider) HandlerOption {
	return func(h *Handler) {
		h.tracer = provider
	}
}

// NewHandler creates a new spendguard API handler.
func NewHandler(gov *governor.Governor, log logr.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		gov: gov,
		log: log.WithName("spend-handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the spendguard API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.handleStartSession)
	mux.HandleFunc("GET /api/v1/sessions", h.handleSnapshot)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}", h.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{sessionID}", h.handleEndSession)
	mux.HandleFunc("POST /api/v1/sessions/{sessionID}/usage", h.handleTrackUsage)
	mux.HandleFunc("GET /api/v1/breaker", h.handleGetBreaker)
	mux.HandleFunc("POST /api/v1/breaker/trip", h.handleTripBreaker)
}

// handleStartSession creates a tracked session. The body is optional; when it
// carries no session id, one is generated.
func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, ErrInvalidBody)
		return
	}

	ctx := logctx.WithHandler(r.Context(), "start-session")
	id := h.gov.StartSession(ctx, req.SessionID)

	_ = httputil.WriteJSON(w, http.StatusCreated, StartSessionResponse{SessionID: id})
}

// handleTrackUsage prices and records one usage event and returns the
// admission verdict. It never rejects for business conditions; the verdict is
// in the body.
func (h *Handler) handleTrackUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		writeError(w, ErrMissingSessionID)
		return
	}

	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidBody)
		return
	}
	if req.Model == "" {
		writeError(w, ErrMissingModel)
		return
	}

	ctx := logctx.WithLoggingContext(r.Context(), &logctx.LoggingFields{
		SessionID: sessionID,
		Model:     req.Model,
		Handler:   "track-usage",
	})

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.StartUsageSpan(ctx, sessionID, req.Model)
		defer span.End()
	}

	res := h.gov.TrackUsage(ctx, sessionID, req.Model, req.InputUnits, req.OutputUnits)

	if span != nil {
		if res.AdmissionOK {
			tracing.SetSuccess(span)
		} else {
			tracing.RecordError(span, errors.New(strings.Join(res.Reasons, "; ")))
		}
	}

	_ = httputil.WriteJSON(w, http.StatusOK, usageResponse(res))
}

// handleGetSession returns the live entry and current admission verdict for
// one session.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		writeError(w, ErrMissingSessionID)
		return
	}

	entry, ok := h.gov.Session(sessionID)
	if !ok {
		writeError(w, ErrSessionNotFound)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, SessionResponse{
		Session:   entry,
		Admission: h.gov.CheckSession(sessionID),
	})
}

// handleEndSession ends a session and releases its spend. Ending an unknown
// session is a no-op, so the delete is idempotent.
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		writeError(w, ErrMissingSessionID)
		return
	}

	ctx := logctx.WithSessionID(r.Context(), sessionID)
	h.gov.EndSession(ctx, sessionID)

	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshot returns every live session plus the aggregate spend. The
// cluster-wide figure is included only when the mirror store answers.
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	resp := SnapshotResponse{
		Sessions:     h.gov.Sessions(),
		TotalCostUSD: h.gov.TotalCost(),
	}
	if resp.Sessions == nil {
		resp.Sessions = []ledger.Entry{}
	}

	if cluster, err := h.gov.ClusterCost(r.Context()); err == nil {
		resp.ClusterCostUSD = &cluster
	} else {
		logctx.LoggerWithContext(h.log, r.Context()).V(1).Info(
			"cluster cost unavailable", "reason", err.Error())
	}

	_ = httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleGetBreaker reports the breaker state; reading it polls the reset
// window, so recovery is observable here.
func (h *Handler) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteJSON(w, http.StatusOK, breakerResponse(h.gov))
}

// handleTripBreaker opens the breaker immediately.
func (h *Handler) handleTripBreaker(w http.ResponseWriter, r *http.Request) {
	h.gov.TripBreaker()
	logctx.LoggerWithContext(h.log, r.Context()).Info("breaker tripped via API")

	_ = httputil.WriteJSON(w, http.StatusOK, breakerResponse(h.gov))
}

// usageResponse flattens a governor result into the wire shape.
func usageResponse(res governor.UsageResult) UsageResponse {
	return UsageResponse{
		SessionID:                res.SessionID,
		Model:                    res.Model,
		InputUnits:               res.InputUnits,
		OutputUnits:              res.OutputUnits,
		CallCostUSD:              res.CallCost,
		SessionCostUSD:           res.SessionCost,
		Tracked:                  res.Tracked,
		AdmissionOK:              res.AdmissionOK,
		RemainingBudgetUSD:       res.RemainingBudget,
		RemainingDurationSeconds: res.RemainingDuration.Seconds(),
		BreakerActive:            res.BreakerActive,
		Reasons:                  res.Reasons,
		BudgetWarning:            res.BudgetWarning,
	}
}

func breakerResponse(gov *governor.Governor) BreakerResponse {
	state := gov.BreakerState()
	resp := BreakerResponse{
		Active:       state.Active,
		TotalCostUSD: gov.TotalCost(),
	}
	if state.Active {
		resp.ResetAt = state.ResetAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// writeError maps known errors to HTTP status codes and writes a JSON error
// response.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
		msg = ErrSessionNotFound.Error()
	case errors.Is(err, ErrMissingSessionID):
		status = http.StatusBadRequest
		msg = ErrMissingSessionID.Error()
	case errors.Is(err, ErrMissingModel):
		status = http.StatusBadRequest
		msg = ErrMissingModel.Error()
	case errors.Is(err, ErrInvalidBody):
		status = http.StatusBadRequest
		msg = ErrInvalidBody.Error()
	}

	httputil.WriteError(w, status, msg)
}
