// Package runner holds the execution strategies an agent session can
// run under: a direct streaming call to the provider's API, or an
// isolated sandbox container whose stdout is the chunk source.
package runner

import (
	"context"
	"strings"

	"github.com/taskpilot/agentd/internal/store"
)

// ChunkFunc receives one incremental output fragment
type ChunkFunc func(chunk string)

// StartFunc is invoked once execution has started. handle is the opaque
// execution reference (container id), empty for direct calls.
type StartFunc func(handle string)

// Request carries everything a strategy needs for one run
type Request struct {
	Session  *store.Session
	Provider *store.Provider
	Skill    *store.Skill // nil when no skill matched

	// LLMToken is the resolved model-provider secret; empty means no
	// direct-API path.
	LLMToken string
	// SourceControlToken is the resolved git token for sandbox runs.
	SourceControlToken string

	// IssueTitle and IssueBody are the work-item context.
	IssueTitle string
	IssueBody  string
}

// Result is the outcome of a finished run
type Result struct {
	// ExitCode is the sandbox exit code; 0 for direct runs.
	ExitCode   int
	TokensUsed int
}

// Strategy executes one agent session
type Strategy interface {
	Name() string
	Run(ctx context.Context, req Request, onStart StartFunc, onChunk ChunkFunc) (Result, error)
}

// Selector picks the strategy for an admitted session
type Selector struct {
	direct  map[string]Strategy // keyed by provider slug
	sandbox Strategy
}

// NewSelector builds a selector with the given direct strategies and
// sandbox fallback
func NewSelector(sandbox Strategy, direct map[string]Strategy) *Selector {
	if direct == nil {
		direct = make(map[string]Strategy)
	}
	return &Selector{direct: direct, sandbox: sandbox}
}

// Select returns the strategy for this run. Direct streaming requires
// both the provider capability flag and a resolved credential;
// everything else falls back to the sandbox.
func (s *Selector) Select(provider *store.Provider, llmToken string) Strategy {
	if provider.SupportsDirectStreaming && llmToken != "" {
		if strat, ok := s.direct[provider.Slug]; ok {
			return strat
		}
	}
	return s.sandbox
}

// BuildPrompt assembles the task prompt for direct strategies from the
// work-item context and any skill instructions.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are an autonomous software agent working on an issue in a project tracker.\n\n")

	if req.IssueTitle != "" {
		b.WriteString("Issue: " + req.IssueTitle + "\n")
	}
	if req.IssueBody != "" {
		b.WriteString("\n" + req.IssueBody + "\n")
	}
	if req.Session.CommentText != "" {
		b.WriteString("\nTriggering comment:\n" + req.Session.CommentText + "\n")
	}
	if req.Skill != nil && req.Skill.Instructions != "" {
		b.WriteString("\nInstructions:\n" + req.Skill.Instructions + "\n")
	}

	return b.String()
}
