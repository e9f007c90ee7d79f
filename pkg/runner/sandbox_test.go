package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/sandbox"
)

type fakeRuntime struct {
	streamDelay time.Duration

	streamDeadline time.Time
	waitCalledAt   time.Time
	waitTimeout    time.Duration
	gotEnv         map[string]string
}

func (f *fakeRuntime) Start(ctx context.Context, req sandbox.StartRequest) (string, error) {
	f.gotEnv = req.Env
	return "cont-fake", nil
}

func (f *fakeRuntime) StreamLogs(ctx context.Context, containerID string, fn func(chunk string)) error {
	f.streamDeadline, _ = ctx.Deadline()
	if f.streamDelay > 0 {
		time.Sleep(f.streamDelay)
	}
	fn("output line\n")
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, containerID string, timeout time.Duration) (int, error) {
	f.waitCalledAt = time.Now()
	f.waitTimeout = timeout
	return 0, nil
}

func (f *fakeRuntime) Kill(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, containerID string)     {}

func sandboxRequest() Request {
	return Request{
		Session: &store.Session{
			ID:             "sess-1",
			ProviderSlug:   "claude",
			VariantSlug:    "sonnet",
			ModelID:        "claude-sonnet-4-20250514",
			TimeoutMinutes: 10,
		},
		Provider: &store.Provider{
			Slug:        "claude",
			CLITool:     "claude",
			DockerImage: "taskpilot/agent-claude:latest",
		},
	}
}

func TestSandboxStrategy_SharedWallClockDeadline(t *testing.T) {
	rt := &fakeRuntime{streamDelay: 50 * time.Millisecond}
	strat := &SandboxStrategy{docker: rt}
	req := sandboxRequest()

	res, err := strat.Run(context.Background(), req, func(string) {}, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	require.False(t, rt.streamDeadline.IsZero(), "log stream context must carry the session deadline")
	assert.Less(t, rt.waitTimeout, req.Session.Timeout(),
		"wait budget must shrink by the time the log stream consumed")
	assert.WithinDuration(t, rt.streamDeadline, rt.waitCalledAt.Add(rt.waitTimeout), time.Second,
		"stream and wait must share one deadline")
}

func TestSandboxStrategy_PassesProviderEnv(t *testing.T) {
	rt := &fakeRuntime{}
	strat := &SandboxStrategy{docker: rt}
	req := sandboxRequest()
	req.LLMToken = "sk-ant-oat01-abc"
	req.IssueTitle = "Fix login"

	_, err := strat.Run(context.Background(), req, func(string) {}, func(string) {})
	require.NoError(t, err)

	assert.Equal(t, "claude", rt.gotEnv["PROVIDER_SLUG"])
	assert.Equal(t, "Fix login", rt.gotEnv["ISSUE_TITLE"])
	assert.Equal(t, "sk-ant-oat01-abc", rt.gotEnv["ANTHROPIC_API_KEY"])
}
