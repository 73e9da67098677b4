package http

import (
	"context"
	"net/http"
	"time"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/litellm"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/service"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck probes one dependency. A nil error means reachable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Limits bounds request handling.
type Limits struct {
	MaxRequestBodySize int64
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Sessions  *service.SessionService
	Models    *service.ModelRegistry // nil disables model reporting
	Reviewers []config.Reviewer
	Health    []HealthCheck
	Limits    Limits
}

// FeedbackRequest is the body of POST /sessions/{id}/feedback.
type FeedbackRequest struct {
	Text string `json:"text"`
}

// ReviewerInfo describes one configured reviewer.
type ReviewerInfo struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Persona string `json:"persona"`
	Model   string `json:"model"`
}

// ModelsResponse lists the proxy's models and the reviewer models it lacks.
type ModelsResponse struct {
	Models      []litellm.Model `json:"models"`
	Missing     []string        `json:"missing"`
	LastRefresh time.Time       `json:"last_refresh"`
}

// HealthResponse reports per-dependency reachability.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// SubmitSession handles POST /api/v1/sessions
func (h *Handlers) SubmitSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[deliberation.CreateRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	sess, err := h.Sessions.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// ListActiveSessions handles GET /api/v1/sessions?user_id=
func (h *Handlers) ListActiveSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !requireField(w, userID, "user_id") {
		return
	}
	sessions, err := h.Sessions.ListActive(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}
	if sessions == nil {
		sessions = []deliberation.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetTranscript handles GET /api/v1/sessions/{id}/transcript
func (h *Handlers) GetTranscript(w http.ResponseWriter, r *http.Request) {
	md, err := h.Sessions.ExportTranscript(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(md))
}

// SubmitFeedback handles POST /api/v1/sessions/{id}/feedback
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[FeedbackRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	sess, err := h.Sessions.SubmitFeedback(r.Context(), urlParam(r, "id"), req.Text)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// RestartSession handles POST /api/v1/sessions/{id}/restart
func (h *Handlers) RestartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.RequestRestart(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CancelSession handles POST /api/v1/sessions/{id}/cancel
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Cancel(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListReviewers handles GET /api/v1/reviewers
func (h *Handlers) ListReviewers(w http.ResponseWriter, _ *http.Request) {
	out := make([]ReviewerInfo, 0, len(h.Reviewers))
	for _, rc := range h.Reviewers {
		if !rc.Enabled {
			continue
		}
		out = append(out, ReviewerInfo{ID: rc.ID, Role: rc.Role, Persona: rc.Persona, Model: rc.Model})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListModels handles GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, _ *http.Request) {
	if h.Models == nil {
		writeError(w, http.StatusServiceUnavailable, "model registry disabled")
		return
	}
	models := h.Models.Models()
	if models == nil {
		models = []litellm.Model{}
	}
	missing := h.Models.Missing()
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models:      models,
		Missing:     missing,
		LastRefresh: h.Models.LastRefresh(),
	})
}

// HealthCheck handles GET /health. Any failing check answers 503.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.Health))}
	for _, c := range h.Health {
		if err := c.Check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[c.Name] = err.Error()
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
