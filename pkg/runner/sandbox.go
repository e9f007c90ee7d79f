package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/pkg/sandbox"
	"github.com/taskpilot/agentd/pkg/secrets"
)

// containerRuntime is the slice of sandbox.Runner the strategy uses.
type containerRuntime interface {
	Start(ctx context.Context, req sandbox.StartRequest) (string, error)
	StreamLogs(ctx context.Context, containerID string, fn func(chunk string)) error
	Wait(ctx context.Context, containerID string, timeout time.Duration) (int, error)
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string)
}

// SandboxStrategy runs the agent CLI inside an isolated container and
// treats its stdout as the chunk source. All dynamic context travels
// through process-local environment variables.
type SandboxStrategy struct {
	docker containerRuntime
}

// NewSandboxStrategy creates the sandbox strategy
func NewSandboxStrategy(docker *sandbox.Runner) *SandboxStrategy {
	return &SandboxStrategy{docker: docker}
}

// Name returns the strategy identifier
func (s *SandboxStrategy) Name() string { return "sandbox" }

// Run launches the container, streams its output, and waits for exit
// bounded by the session timeout.
func (s *SandboxStrategy) Run(ctx context.Context, req Request, onStart StartFunc, onChunk ChunkFunc) (Result, error) {
	env := map[string]string{
		"PROVIDER_SLUG":      req.Provider.Slug,
		"VARIANT_SLUG":       req.Session.VariantSlug,
		"MODEL_ID":           req.Session.ModelID,
		"CLI_TOOL":           req.Provider.CLITool,
		"SESSION_ID":         req.Session.ID,
		"ISSUE_TITLE":        req.IssueTitle,
		"ISSUE_DESCRIPTION":  req.IssueBody,
		"COMMENT_TEXT":       req.Session.CommentText,
		"SKILL_TRIGGER":      req.Session.SkillTrigger,
		"SKILL_INSTRUCTIONS": "",
		"GITHUB_TOKEN":       req.SourceControlToken,
	}
	if req.Skill != nil {
		env["SKILL_INSTRUCTIONS"] = req.Skill.Instructions
	}
	if key := secrets.EnvKeyFor(req.Provider.Slug); key != "" {
		env[key] = req.LLMToken
	}

	containerID, err := s.docker.Start(ctx, sandbox.StartRequest{
		Image: req.Provider.DockerImage,
		Name:  "agentd-" + req.Session.ID,
		Env:   env,
	})
	if err != nil {
		return Result{}, err
	}
	onStart(containerID)

	// One wall-clock deadline covers both the log stream and the exit
	// wait; handing each a fresh timeout would let a session run twice
	// as long as configured.
	deadline := time.Now().Add(req.Session.Timeout())
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := s.docker.StreamLogs(runCtx, containerID, onChunk); err != nil {
		log.Warn().Err(err).
			Str("session_id", req.Session.ID).
			Str("container_id", containerID).
			Msg("Log stream ended abnormally")
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return Result{ExitCode: -1}, sandbox.ErrWaitTimeout
	}

	exitCode, err := s.docker.Wait(ctx, containerID, remaining)
	if err != nil {
		if errors.Is(err, sandbox.ErrWaitTimeout) || runCtx.Err() == context.DeadlineExceeded {
			return Result{ExitCode: -1}, sandbox.ErrWaitTimeout
		}
		return Result{ExitCode: -1}, err
	}

	return Result{ExitCode: exitCode}, nil
}

// Cleanup force-removes the session container. Best-effort.
func (s *SandboxStrategy) Cleanup(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	s.docker.Remove(ctx, containerID)
}

// Kill sends a kill signal to the session container
func (s *SandboxStrategy) Kill(ctx context.Context, containerID string) error {
	return s.docker.Kill(ctx, containerID)
}
