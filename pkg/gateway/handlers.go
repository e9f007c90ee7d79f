package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/admission"
	"github.com/taskpilot/agentd/pkg/supervisor"
)

// sessionPayload is the external session representation. The execution
// handle and anything credential-shaped never leave the process.
type sessionPayload struct {
	ID               string     `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	ProjectID        string     `json:"project_id"`
	IssueID          string     `json:"issue_id"`
	TriggeredBy      string     `json:"triggered_by"`
	ProviderSlug     string     `json:"provider"`
	VariantSlug      string     `json:"variant"`
	ModelID          string     `json:"model_id"`
	SkillTrigger     string     `json:"skill,omitempty"`
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	TimeoutMinutes   int        `json:"timeout_minutes"`
	ResponseText     string     `json:"response_text,omitempty"`
	ResponseHTML     string     `json:"response_html,omitempty"`
	BranchName       string     `json:"branch_name,omitempty"`
	PullRequestURL   string     `json:"pull_request_url,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	TokensUsed       int        `json:"tokens_used,omitempty"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd,omitempty"`
	DurationSeconds  int        `json:"duration_seconds,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toPayload(s *store.Session) sessionPayload {
	return sessionPayload{
		ID:               s.ID,
		WorkspaceID:      s.WorkspaceID,
		ProjectID:        s.ProjectID,
		IssueID:          s.IssueID,
		TriggeredBy:      s.TriggeredBy,
		ProviderSlug:     s.ProviderSlug,
		VariantSlug:      s.VariantSlug,
		ModelID:          s.ModelID,
		SkillTrigger:     s.SkillTrigger,
		Status:           string(s.Status),
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
		TimeoutMinutes:   s.TimeoutMinutes,
		ResponseText:     s.ResponseText,
		ResponseHTML:     s.ResponseHTML,
		BranchName:       s.BranchName,
		PullRequestURL:   s.PullRequestURL,
		ErrorMessage:     s.ErrorMessage,
		TokensUsed:       s.TokensUsed,
		EstimatedCostUSD: s.EstimatedCostUSD,
		DurationSeconds:  s.DurationSeconds,
		CreatedAt:        s.CreatedAt,
	}
}

type errorPayload struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorPayload{Error: msg})
}

// statusFor maps an admission or lifecycle error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, admission.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, admission.ErrProviderNotFound),
		errors.Is(err, admission.ErrProviderDisabled),
		errors.Is(err, admission.ErrVariantNotFound),
		errors.Is(err, admission.ErrNoDefaultVariant),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, admission.ErrNotConfigured),
		errors.Is(err, supervisor.ErrNotCancellable):
		return http.StatusBadRequest
	case errors.Is(err, admission.ErrAdmissionDenied):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req admission.AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.WorkspaceID = r.PathValue("workspace")

	sess, err := s.controller.Admit(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Str("workspace_id", req.WorkspaceID).Msg("Invocation failed")
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toPayload(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("workspace"), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Error().Err(err).Msg("Failed to load session")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toPayload(sess))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, err := s.supervisor.Cancel(r.Context(), r.PathValue("workspace"), r.PathValue("id"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Str("session_id", r.PathValue("id")).Msg("Cancellation failed")
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toPayload(sess))
}

type providerPayload struct {
	Slug                    string           `json:"slug"`
	DisplayName             string           `json:"display_name"`
	OAuthProvider           string           `json:"oauth_provider,omitempty"`
	SupportsDirectStreaming bool             `json:"supports_direct_streaming"`
	Enabled                 bool             `json:"enabled"`
	Variants                []variantPayload `json:"variants"`
}

type variantPayload struct {
	Slug        string `json:"slug"`
	DisplayName string `json:"display_name"`
	ModelID     string `json:"model_id"`
	IsDefault   bool   `json:"is_default"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list providers")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]providerPayload, 0, len(providers))
	for _, p := range providers {
		pp := providerPayload{
			Slug:                    p.Slug,
			DisplayName:             p.DisplayName,
			OAuthProvider:           p.OAuthProvider,
			SupportsDirectStreaming: p.SupportsDirectStreaming,
			Enabled:                 p.Enabled,
			Variants:                []variantPayload{},
		}
		variants, err := s.store.ListVariants(r.Context(), p.Slug)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Slug).Msg("Failed to list provider variants")
		}
		for _, v := range variants {
			pp.Variants = append(pp.Variants, variantPayload{
				Slug:        v.Slug,
				DisplayName: v.DisplayName,
				ModelID:     v.ModelID,
				IsDefault:   v.IsDefault,
				Enabled:     v.Enabled,
			})
		}
		out = append(out, pp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shuttingDown := s.isShuttingDown
	s.shutdownMu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if shuttingDown {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}
