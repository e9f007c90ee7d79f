// Package admission validates invocation requests and gates them on
// the per-workspace concurrency cap before a session record exists.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/internal/metrics"
	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/dispatch"
)

// defaultMaxConcurrent applies when the credential record carries no cap
const defaultMaxConcurrent = 3

// Dispatcher hands an admitted session to asynchronous execution
type Dispatcher interface {
	Enqueue(id string, task dispatch.Task) error
}

// RunFunc executes one dispatched session (the supervisor's Run)
type RunFunc func(ctx context.Context, sessionID string) error

// AdmitRequest is one invocation against a work item
type AdmitRequest struct {
	WorkspaceID      string `json:"workspace_id"`
	ProviderSlug     string `json:"provider"`
	VariantSlug      string `json:"variant,omitempty"`
	ProjectID        string `json:"project_id"`
	IssueID          string `json:"issue_id"`
	TriggeredBy      string `json:"triggered_by"`
	TriggerCommentID string `json:"comment_id,omitempty"`
	CommentText      string `json:"comment_text,omitempty"`
	SkillTrigger     string `json:"skill,omitempty"`
}

// Controller performs the admission check and creates Pending sessions
type Controller struct {
	store      store.Store
	dispatcher Dispatcher
	run        RunFunc
	metrics    *metrics.Metrics
}

// New creates an admission controller. run is invoked on a dispatch
// worker for each admitted session.
func New(st store.Store, d Dispatcher, run RunFunc, m *metrics.Metrics) *Controller {
	return &Controller{store: st, dispatcher: d, run: run, metrics: m}
}

// Admit validates the request, enforces the concurrency cap, creates
// the Pending session, and enqueues its execution. The admission count
// is a soft cap: the count-then-create window is not locked across
// processes.
func (c *Controller) Admit(ctx context.Context, req AdmitRequest) (*store.Session, error) {
	if err := validate(req); err != nil {
		c.metrics.AdmissionRejects.WithLabelValues("validation").Inc()
		return nil, err
	}

	provider, err := c.store.GetProvider(ctx, req.ProviderSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.metrics.AdmissionRejects.WithLabelValues("provider_not_found").Inc()
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, req.ProviderSlug)
		}
		return nil, err
	}
	if !provider.Enabled {
		c.metrics.AdmissionRejects.WithLabelValues("provider_disabled").Inc()
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, req.ProviderSlug)
	}

	variant, err := c.resolveVariant(ctx, provider.Slug, req.VariantSlug)
	if err != nil {
		c.metrics.AdmissionRejects.WithLabelValues("variant").Inc()
		return nil, err
	}

	rec, err := c.store.GetCredential(ctx, req.WorkspaceID, provider.Slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.metrics.AdmissionRejects.WithLabelValues("not_configured").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider.Slug)
		}
		return nil, err
	}
	if !rec.Enabled || rec.AccessTokenEncrypted == "" {
		c.metrics.AdmissionRejects.WithLabelValues("not_configured").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider.Slug)
	}

	limit := rec.MaxConcurrent
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	active, err := c.store.CountActiveSessions(ctx, req.WorkspaceID, provider.Slug)
	if err != nil {
		return nil, err
	}
	if active >= limit {
		c.metrics.AdmissionDenials.WithLabelValues(provider.Slug).Inc()
		log.Info().
			Str("workspace_id", req.WorkspaceID).
			Str("provider", provider.Slug).
			Int("active", active).
			Int("cap", limit).
			Msg("Invocation denied by concurrency cap")
		return nil, fmt.Errorf("%w: %d active for %s", ErrAdmissionDenied, active, provider.Slug)
	}

	timeoutMinutes := rec.TimeoutMinutes
	if req.SkillTrigger != "" {
		skill, err := c.store.GetSkill(ctx, req.WorkspaceID, req.SkillTrigger)
		if err == nil && skill.TimeoutMinutes > 0 {
			timeoutMinutes = skill.TimeoutMinutes
		}
	}

	sess := &store.Session{
		ID:               uuid.NewString(),
		WorkspaceID:      req.WorkspaceID,
		ProjectID:        req.ProjectID,
		IssueID:          req.IssueID,
		TriggeredBy:      req.TriggeredBy,
		TriggerCommentID: req.TriggerCommentID,
		CommentText:      req.CommentText,
		ProviderSlug:     provider.Slug,
		VariantSlug:      variant.Slug,
		ModelID:          variant.ModelID,
		SkillTrigger:     strings.ToLower(req.SkillTrigger),
		Status:           store.StatusPending,
		TimeoutMinutes:   timeoutMinutes,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sessionID := sess.ID
	err = c.dispatcher.Enqueue(sessionID, func(taskCtx context.Context) error {
		return c.run(taskCtx, sessionID)
	})
	if err != nil {
		// The session stays Pending; the janitor sweep is the
		// operational safeguard for lost dispatches.
		log.Warn().Err(err).
			Str("session_id", sessionID).
			Msg("Dispatch enqueue failed, session left pending")
	}

	log.Info().
		Str("session_id", sessionID).
		Str("workspace_id", req.WorkspaceID).
		Str("provider", provider.Slug).
		Str("variant", variant.Slug).
		Msg("Session admitted")
	return sess, nil
}

func (c *Controller) resolveVariant(ctx context.Context, providerSlug, variantSlug string) (*store.Variant, error) {
	if variantSlug != "" {
		v, err := c.store.GetVariant(ctx, providerSlug, variantSlug)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s/%s", ErrVariantNotFound, providerSlug, variantSlug)
			}
			return nil, err
		}
		if !v.Enabled {
			return nil, fmt.Errorf("%w: %s/%s", ErrVariantNotFound, providerSlug, variantSlug)
		}
		return v, nil
	}
	v, err := c.store.DefaultVariant(ctx, providerSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoDefaultVariant, providerSlug)
		}
		return nil, err
	}
	return v, nil
}

func validate(req AdmitRequest) error {
	var missing []string
	if req.WorkspaceID == "" {
		missing = append(missing, "workspace_id")
	}
	if req.ProviderSlug == "" {
		missing = append(missing, "provider")
	}
	if req.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if req.IssueID == "" {
		missing = append(missing, "issue_id")
	}
	if req.TriggeredBy == "" {
		missing = append(missing, "triggered_by")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}
