// Package httpapi is the Command Gateway's HTTP front door (spec.md §4.1,
// §6.1): a thin REST translation over pkg/gateway.Gateway, mounted with
// go-chi/chi/v5 and go-chi/cors for browser clients.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/gateway"
	"github.com/R3E-Network/drs-orchestrator/pkg/metrics"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
)

// handler bundles the HTTP endpoints over one Gateway.
type handler struct {
	gateway *gateway.Gateway
}

// NewRouter returns the engine's full HTTP surface: the Command Gateway's
// REST API plus /healthz and /metrics.
func NewRouter(gw *gateway.Gateway) http.Handler {
	h := &handler{gateway: gw}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/executions", func(r chi.Router) {
		r.Post("/", h.startExecution)
		r.Get("/", h.listExecutions)
		r.Route("/{executionID}", func(r chi.Router) {
			r.Get("/", h.getExecution)
			r.Get("/audit", h.getAuditLog)
			r.Get("/job-logs", h.getJobLogs)
			r.Post("/commands/pause", h.pause)
			r.Post("/commands/resume", h.resume)
			r.Post("/commands/cancel", h.cancel)
			r.Post("/commands/terminate-instances", h.terminateInstances)
		})
	})

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startExecutionRequest struct {
	PlanID      string              `json:"planId"`
	Type        domain.ExecutionType `json:"type"`
	InitiatedBy string              `json:"initiatedBy"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
}

func (h *handler) startExecution(w http.ResponseWriter, r *http.Request) {
	var payload startExecutionRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.gateway.StartExecution(r.Context(), gateway.StartRequest{
		PlanID:      payload.PlanID,
		Type:        payload.Type,
		InitiatedBy: payload.InitiatedBy,
		Name:        payload.Name,
		Description: payload.Description,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, result)
}

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := statestore.ExecutionFilter{
		PlanID:      strings.TrimSpace(q.Get("planId")),
		Status:      domain.ExecutionStatus(strings.TrimSpace(q.Get("status"))),
		Type:        domain.ExecutionType(strings.TrimSpace(q.Get("type"))),
		InitiatedBy: strings.TrimSpace(q.Get("initiatedBy")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	execs, err := h.gateway.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	exec, waves, err := h.gateway.GetExecution(r.Context(), executionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"waves":     waves,
	})
}

func (h *handler) getAuditLog(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	records, err := h.gateway.GetAuditLog(r.Context(), executionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) getJobLogs(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	groups, err := h.gateway.GetJobLogs(r.Context(), executionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

type commandRequest struct {
	RequestedBy string `json:"requestedBy"`
	Reason      string `json:"reason"`
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	var payload commandRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.gateway.PauseExecution(r.Context(), executionID, payload.RequestedBy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, result)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	var payload commandRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.gateway.ResumeExecution(r.Context(), executionID, payload.RequestedBy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, result)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	var payload commandRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.gateway.CancelExecution(r.Context(), executionID, payload.RequestedBy, payload.Reason)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, result)
}

func (h *handler) terminateInstances(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	var payload commandRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.gateway.TerminateInstances(r.Context(), executionID, payload.RequestedBy, payload.Reason)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, result)
}

// writeResult reports a command's accept/reject outcome. Per spec.md §7,
// commands never raise once past validation, so a rejection is a 200 with
// Accepted=false, not an error status.
func writeResult(w http.ResponseWriter, result gateway.Result) {
	status := http.StatusOK
	if result.Accepted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// statusFor maps the §7 error taxonomy to an HTTP status for the one class
// of errors that reach the gateway as Go errors rather than a Result
// rejection: validation failures caught before a Command row exists, and
// not-found lookups.
func statusFor(err error) int {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, new(*domain.ValidationError)):
		return http.StatusBadRequest
	case domain.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
