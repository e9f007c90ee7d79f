// Package supervisor drives one agent session through its lifecycle:
// Pending -> Provisioning -> Running -> Streaming -> terminal. Every
// fault on the way is contained into a single terminal write.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpilot/agentd/internal/metrics"
	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/internal/tracing"
	"github.com/taskpilot/agentd/pkg/relay"
	"github.com/taskpilot/agentd/pkg/runner"
	"github.com/taskpilot/agentd/pkg/sandbox"
	"github.com/taskpilot/agentd/pkg/secrets"
)

// ErrNotCancellable is returned when cancelling a session that has
// already reached a terminal status.
var ErrNotCancellable = errors.New("session is not cancellable")

const (
	maxErrorMessageLen = 1000
	maxErrorEventLen   = 500
)

// Renderer converts a finished transcript to HTML for the session record
type Renderer func(text string) string

// DefaultRenderer escapes the transcript and preserves line breaks
func DefaultRenderer(text string) string {
	if text == "" {
		return ""
	}
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br/>")
}

// WorkItems supplies the issue context for a session's work item.
// Implementations talk to the surrounding project tracker.
type WorkItems interface {
	Issue(ctx context.Context, projectID, issueID string) (title, body string, err error)
}

// Supervisor owns session execution from dispatch to finalization
type Supervisor struct {
	store    store.Store
	hub      *relay.Hub
	resolver *secrets.Resolver
	selector *runner.Selector
	sandbox  *runner.SandboxStrategy
	metrics  *metrics.Metrics
	render   Renderer
	issues   WorkItems // optional

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a supervisor. render defaults to DefaultRenderer; issues
// may be nil when no tracker integration is configured.
func New(st store.Store, hub *relay.Hub, resolver *secrets.Resolver, selector *runner.Selector, sb *runner.SandboxStrategy, m *metrics.Metrics, render Renderer, issues WorkItems) *Supervisor {
	if render == nil {
		render = DefaultRenderer
	}
	return &Supervisor{
		store:    st,
		hub:      hub,
		resolver: resolver,
		selector: selector,
		sandbox:  sb,
		metrics:  m,
		render:   render,
		issues:   issues,
		running:  make(map[string]context.CancelFunc),
	}
}

// outcome is what one execution attempt produced
type outcome struct {
	result      runner.Result
	runErr      error
	transcript  string
	containerID string
	streamed    bool
}

// Run executes a dispatched session end to end. It returns an error
// only for faults worth a dispatch-level retry (a session that cannot
// be loaded); execution faults are absorbed into the terminal record.
func (s *Supervisor) Run(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Status.Terminal() {
		log.Debug().Str("session_id", sessionID).Str("status", string(sess.Status)).
			Msg("Session already terminal, skipping dispatch")
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "supervisor", "session.run",
		attribute.String("session.id", sessionID),
		attribute.String("provider", sess.ProviderSlug),
	)
	defer span.End()

	// The wall clock bounds the whole run, not just the sandbox wait:
	// direct streams ride this deadline and surface DeadlineExceeded,
	// which finalize maps to TimedOut.
	runCtx, cancel := context.WithTimeout(ctx, sess.Timeout())
	defer cancel()
	s.register(sessionID, cancel)
	defer s.unregister(sessionID)

	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()

	startedAt := time.Now().UTC()
	out := s.execute(runCtx, sess, startedAt)
	s.finalize(ctx, sess, startedAt, out)
	return nil
}

func (s *Supervisor) execute(ctx context.Context, sess *store.Session, startedAt time.Time) outcome {
	var out outcome

	if err := s.store.MarkProvisioning(ctx, sess.ID, startedAt); err != nil {
		out.runErr = fmt.Errorf("mark provisioning: %w", err)
		return out
	}
	s.hub.Publish(sess.ID, relay.Event{Type: relay.EventStatus, Content: string(store.StatusProvisioning)})

	provider, err := s.store.GetProvider(ctx, sess.ProviderSlug)
	if err != nil {
		out.runErr = fmt.Errorf("provider %q: %w", sess.ProviderSlug, err)
		return out
	}

	rec, err := s.store.GetCredential(ctx, sess.WorkspaceID, sess.ProviderSlug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		out.runErr = fmt.Errorf("load credential: %w", err)
		return out
	}
	llmToken, err := s.resolver.LLMToken(sess.ProviderSlug, rec)
	if err != nil {
		out.runErr = fmt.Errorf("resolve credential: %w", err)
		return out
	}

	var skill *store.Skill
	if sess.SkillTrigger != "" {
		skill, err = s.store.GetSkill(ctx, sess.WorkspaceID, sess.SkillTrigger)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				out.runErr = fmt.Errorf("load skill: %w", err)
				return out
			}
			log.Warn().Str("session_id", sess.ID).Str("trigger", sess.SkillTrigger).
				Msg("Skill trigger matched no enabled skill, proceeding without")
			skill = nil
		}
	}

	var issueTitle, issueBody string
	if s.issues != nil {
		issueTitle, issueBody, err = s.issues.Issue(ctx, sess.ProjectID, sess.IssueID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Str("issue_id", sess.IssueID).
				Msg("Issue context unavailable, running on comment text only")
			issueTitle, issueBody = "", ""
		}
	}

	s.hub.Publish(sess.ID, relay.Event{Type: relay.EventPlan, Steps: []string{
		"Provisioning container",
		"Loading issue context",
		"Running agent",
		"Processing results",
	}})

	strat := s.selector.Select(provider, llmToken)
	log.Info().
		Str("session_id", sess.ID).
		Str("provider", provider.Slug).
		Str("strategy", strat.Name()).
		Msg("Starting agent execution")

	var transcript strings.Builder
	onStart := func(handle string) {
		out.containerID = handle
		if err := s.store.MarkRunning(ctx, sess.ID, handle); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to mark session running")
		}
		s.hub.Publish(sess.ID, relay.Event{Type: relay.EventStatus, Content: string(store.StatusRunning)})
	}
	onChunk := func(chunk string) {
		if !out.streamed {
			out.streamed = true
			if err := s.store.MarkStreaming(ctx, sess.ID); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to mark session streaming")
			}
			s.hub.Publish(sess.ID, relay.Event{Type: relay.EventStatus, Content: string(store.StatusStreaming)})
		}
		transcript.WriteString(chunk)
		s.hub.Publish(sess.ID, relay.Event{Type: relay.EventText, Content: chunk})
	}

	out.result, out.runErr = strat.Run(ctx, runner.Request{
		Session:            sess,
		Provider:           provider,
		Skill:              skill,
		LLMToken:           llmToken,
		SourceControlToken: s.resolver.SourceControlToken(),
		IssueTitle:         issueTitle,
		IssueBody:          issueBody,
	}, onStart, onChunk)
	out.transcript = transcript.String()
	return out
}

// finalize performs the single terminal write and the terminal relay
// events. It is tolerant of a concurrent Cancel having finalized first.
func (s *Supervisor) finalize(ctx context.Context, sess *store.Session, startedAt time.Time, out outcome) {
	now := time.Now().UTC()
	fin := store.Finalization{
		CompletedAt:     now,
		ResponseText:    out.transcript,
		ResponseHTML:    s.render(out.transcript),
		TokensUsed:      out.result.TokensUsed,
		DurationSeconds: int(now.Sub(startedAt).Seconds()),
	}

	switch {
	case out.runErr == nil && out.result.ExitCode == 0:
		fin.Status = store.StatusCompleted
	case out.runErr == nil:
		fin.Status = store.StatusFailed
		fin.ErrorMessage = fmt.Sprintf("container exited with code %d", out.result.ExitCode)
	case errors.Is(out.runErr, sandbox.ErrWaitTimeout) || errors.Is(out.runErr, context.DeadlineExceeded):
		fin.Status = store.StatusTimedOut
		fin.ErrorMessage = fmt.Sprintf("execution exceeded the %s timeout", sess.Timeout())
	case errors.Is(out.runErr, context.Canceled):
		// A concurrent Cancel tore the run context down; it owns the
		// terminal write. This finalize will land on ErrAlreadyFinal.
		fin.Status = store.StatusCancelled
		fin.ErrorMessage = "execution cancelled"
	default:
		fin.Status = store.StatusFailed
		fin.ErrorMessage = truncate(out.runErr.Error(), maxErrorMessageLen)
	}

	if fin.Status == store.StatusCompleted {
		prURL, branch := parseTrailer(out.transcript)
		fin.PullRequestURL = prURL
		if branch == "" {
			branch = "agent/" + sess.ID
		}
		fin.BranchName = branch
	}

	err := s.store.FinalizeSession(ctx, sess.ID, fin)
	if errors.Is(err, store.ErrAlreadyFinal) {
		log.Debug().Str("session_id", sess.ID).Msg("Session finalized elsewhere, skipping terminal write")
		s.cleanupContainer(out.containerID, sess.ID)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to finalize session")
	}

	s.metrics.SessionsTotal.WithLabelValues(sess.ProviderSlug, string(fin.Status)).Inc()
	s.metrics.SessionDuration.WithLabelValues(sess.ProviderSlug).Observe(float64(fin.DurationSeconds))

	if fin.Status == store.StatusFailed || fin.Status == store.StatusTimedOut {
		s.hub.Publish(sess.ID, relay.Event{Type: relay.EventError, Content: truncate(fin.ErrorMessage, maxErrorEventLen)})
	}
	s.hub.Publish(sess.ID, relay.Event{Type: relay.EventDone, Content: string(fin.Status)})
	s.hub.Finish(sess.ID)

	s.cleanupContainer(out.containerID, sess.ID)

	log.Info().
		Str("session_id", sess.ID).
		Str("provider", sess.ProviderSlug).
		Str("status", string(fin.Status)).
		Int("duration_seconds", fin.DurationSeconds).
		Int("tokens_used", fin.TokensUsed).
		Msg("Session finalized")
}

// Cancel finalizes an active session as Cancelled and tears down its
// execution. Finalizing races with the running supervisor; whichever
// terminal write lands first wins and the other is a no-op.
func (s *Supervisor) Cancel(ctx context.Context, workspaceID, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrNotCancellable
	}

	now := time.Now().UTC()
	fin := store.Finalization{
		Status:       store.StatusCancelled,
		CompletedAt:  now,
		ErrorMessage: "cancelled by user",
	}
	if sess.StartedAt != nil {
		fin.DurationSeconds = int(now.Sub(*sess.StartedAt).Seconds())
	}
	if err := s.store.FinalizeSession(ctx, sessionID, fin); err != nil {
		if errors.Is(err, store.ErrAlreadyFinal) {
			return nil, ErrNotCancellable
		}
		return nil, err
	}

	// Tear down whichever execution path is live: the run-context
	// cancel stops a direct stream, the kill stops a container.
	s.cancelRun(sessionID)
	if sess.ContainerID != "" && s.sandbox != nil {
		if err := s.sandbox.Kill(ctx, sess.ContainerID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).
				Str("container_id", sess.ContainerID).Msg("Failed to kill session container")
		}
		s.sandbox.Cleanup(context.WithoutCancel(ctx), sess.ContainerID)
	}

	s.metrics.SessionsTotal.WithLabelValues(sess.ProviderSlug, string(store.StatusCancelled)).Inc()
	s.hub.Publish(sessionID, relay.Event{Type: relay.EventDone, Content: string(store.StatusCancelled)})
	s.hub.Finish(sessionID)

	log.Info().Str("session_id", sessionID).Str("workspace_id", workspaceID).Msg("Session cancelled")
	return s.store.GetSession(ctx, workspaceID, sessionID)
}

func (s *Supervisor) register(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[sessionID] = cancel
	s.mu.Unlock()
}

func (s *Supervisor) unregister(sessionID string) {
	s.mu.Lock()
	delete(s.running, sessionID)
	s.mu.Unlock()
}

func (s *Supervisor) cancelRun(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.running[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) cleanupContainer(containerID, sessionID string) {
	if containerID == "" || s.sandbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Debug().Str("session_id", sessionID).Str("container_id", containerID).Msg("Removing session container")
	s.sandbox.Cleanup(ctx, containerID)
}

// parseTrailer scans the transcript for the result trailer the sandbox
// image emits on success: PR_URL=<url> and BRANCH=<name> lines.
func parseTrailer(transcript string) (prURL, branch string) {
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "PR_URL="); ok {
			prURL = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "BRANCH="); ok {
			branch = strings.TrimSpace(v)
		}
	}
	return prURL, branch
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
