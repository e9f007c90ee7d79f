package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/agentd/internal/metrics"
	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/relay"
	"github.com/taskpilot/agentd/pkg/runner"
	"github.com/taskpilot/agentd/pkg/sandbox"
	"github.com/taskpilot/agentd/pkg/secrets"
)

// scriptStrategy plays back a canned execution
type scriptStrategy struct {
	handle string
	chunks []string
	result runner.Result
	err    error
	// block, when set, holds Run until the context is cancelled.
	block bool

	gotReq      runner.Request
	gotDeadline time.Time
	hadDeadline bool
}

func (f *scriptStrategy) Name() string { return "script" }

func (f *scriptStrategy) Run(ctx context.Context, req runner.Request, onStart runner.StartFunc, onChunk runner.ChunkFunc) (runner.Result, error) {
	f.gotReq = req
	f.gotDeadline, f.hadDeadline = ctx.Deadline()
	if f.handle != "" {
		onStart(f.handle)
	}
	for _, c := range f.chunks {
		onChunk(c)
	}
	if f.block {
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	}
	return f.result, f.err
}

func newTestSupervisor(t *testing.T, strat runner.Strategy) (*Supervisor, *store.MemoryStore, *relay.Hub) {
	t.Helper()
	st := store.NewMemoryStore()
	st.SeedProvider(&store.Provider{
		Slug:        "claude",
		DisplayName: "Claude",
		CLITool:     "claude",
		DockerImage: "taskpilot/agent-claude:latest",
		Enabled:     true,
	})

	cipher, err := secrets.NewCipher("test-instance-secret")
	require.NoError(t, err)
	resolver := secrets.NewResolver(cipher)

	hub := relay.NewHub()
	selector := runner.NewSelector(strat, nil)
	sup := New(st, hub, resolver, selector, nil, metrics.New(), nil, nil)
	return sup, st, hub
}

func seedSession(t *testing.T, st *store.MemoryStore) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:           "sess-1",
		WorkspaceID:  "ws-1",
		ProjectID:    "proj-1",
		IssueID:      "issue-1",
		ProviderSlug: "claude",
		VariantSlug:  "sonnet",
		ModelID:      "claude-sonnet-4-20250514",
		CommentText:  "@agent fix the bug",
		Status:       store.StatusPending,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func TestRun_CompletedWithTrailer(t *testing.T) {
	strat := &scriptStrategy{
		handle: "cont-abc",
		chunks: []string{"working...\n", "PR_URL=https://github.com/acme/repo/pull/7\n", "BRANCH=fix/login\n"},
		result: runner.Result{ExitCode: 0},
	}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	got, err := st.GetSessionByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "https://github.com/acme/repo/pull/7", got.PullRequestURL)
	assert.Equal(t, "fix/login", got.BranchName)
	assert.Contains(t, got.ResponseText, "working...")
	assert.Contains(t, got.ResponseHTML, "working...")
	assert.Empty(t, got.ContainerID, "execution handle is cleared on finalization")
}

func TestRun_DefaultBranchName(t *testing.T) {
	strat := &scriptStrategy{handle: "cont-1", chunks: []string{"done\n"}, result: runner.Result{ExitCode: 0}}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	got, _ := st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, "agent/"+sess.ID, got.BranchName)
}

func TestRun_NonZeroExitFails(t *testing.T) {
	strat := &scriptStrategy{handle: "cont-1", result: runner.Result{ExitCode: 3}}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	got, _ := st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "container exited with code 3", got.ErrorMessage)
	assert.Empty(t, got.PullRequestURL)
}

func TestRun_TimeoutMapsToTimedOut(t *testing.T) {
	strat := &scriptStrategy{handle: "cont-1", err: sandbox.ErrWaitTimeout}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	got, _ := st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusTimedOut, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")
}

func TestRun_StrategyContextCarriesDeadline(t *testing.T) {
	strat := &scriptStrategy{handle: "cont-1", result: runner.Result{ExitCode: 0}}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := &store.Session{
		ID:             "sess-deadline",
		WorkspaceID:    "ws-1",
		ProjectID:      "proj-1",
		IssueID:        "issue-1",
		ProviderSlug:   "claude",
		VariantSlug:    "sonnet",
		ModelID:        "claude-sonnet-4-20250514",
		TimeoutMinutes: 1,
		Status:         store.StatusPending,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	start := time.Now()
	require.NoError(t, sup.Run(context.Background(), sess.ID))

	require.True(t, strat.hadDeadline, "strategy context must carry the session wall-clock deadline")
	assert.WithinDuration(t, start.Add(sess.Timeout()), strat.gotDeadline, 5*time.Second)
}

func TestRun_DeadlineExceededMapsToTimedOut(t *testing.T) {
	strat := &scriptStrategy{handle: "cont-1", err: context.DeadlineExceeded}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	got, _ := st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusTimedOut, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")
}

func TestRun_ErrorMessageTruncated(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	strat := &scriptStrategy{err: errors.New(string(long))}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	got, _ := st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Len(t, got.ErrorMessage, 1000)
}

func TestRun_UnknownProviderFails(t *testing.T) {
	strat := &scriptStrategy{}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)
	sess2 := *sess
	sess2.ID = "sess-2"
	sess2.ProviderSlug = "nonexistent"
	require.NoError(t, st.CreateSession(context.Background(), &sess2))

	require.NoError(t, sup.Run(context.Background(), sess2.ID))

	got, _ := st.GetSessionByID(context.Background(), sess2.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "nonexistent")
}

func TestRun_TerminalSessionIsSkipped(t *testing.T) {
	strat := &scriptStrategy{chunks: []string{"should not run"}}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	now := time.Now().UTC()
	require.NoError(t, st.FinalizeSession(context.Background(), sess.ID, store.Finalization{
		Status:      store.StatusCancelled,
		CompletedAt: now,
	}))

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	got, _ := st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Empty(t, got.ResponseText)
}

func TestRun_ObserverSeesLifecycleEvents(t *testing.T) {
	strat := &scriptStrategy{handle: "cont-1", chunks: []string{"hello "}, result: runner.Result{ExitCode: 0}}
	sup, st, hub := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	sub := hub.Subscribe(sess.ID)
	defer sub.Close()

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	var types []relay.EventType
	for ev := range sub.C() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []relay.EventType{
		relay.EventStatus, // provisioning
		relay.EventPlan,
		relay.EventStatus, // running
		relay.EventStatus, // streaming
		relay.EventText,
		relay.EventDone,
	}, types)
}

func TestRun_PassesSkillAndResolvedToken(t *testing.T) {
	strat := &scriptStrategy{result: runner.Result{ExitCode: 0}}
	sup, st, _ := newTestSupervisor(t, strat)
	sup.resolver.InstanceLLMKey = "instance-key"
	st.SeedSkill(&store.Skill{
		WorkspaceID:  "ws-1",
		Trigger:      "review",
		Instructions: "Be thorough.",
		Enabled:      true,
	})

	sess := &store.Session{
		ID:           "sess-skill",
		WorkspaceID:  "ws-1",
		ProviderSlug: "claude",
		SkillTrigger: "review",
		Status:       store.StatusPending,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	require.NotNil(t, strat.gotReq.Skill)
	assert.Equal(t, "Be thorough.", strat.gotReq.Skill.Instructions)
	assert.Equal(t, "instance-key", strat.gotReq.LLMToken)
}

func TestCancel_ActiveSession(t *testing.T) {
	strat := &scriptStrategy{handle: "cont-1", block: true}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Run(context.Background(), sess.ID)
	}()

	// Wait for the run to be live before cancelling.
	require.Eventually(t, func() bool {
		got, err := st.GetSessionByID(context.Background(), sess.ID)
		return err == nil && got.Status == store.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	got, err := sup.Cancel(context.Background(), sess.WorkspaceID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not tear down after cancel")
	}

	// The racing supervisor finalize must not overwrite the cancel.
	final, _ := st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusCancelled, final.Status)
}

func TestCancel_TerminalSessionRejected(t *testing.T) {
	strat := &scriptStrategy{result: runner.Result{ExitCode: 0}}
	sup, st, _ := newTestSupervisor(t, strat)
	sess := seedSession(t, st)

	require.NoError(t, sup.Run(context.Background(), sess.ID))

	_, err := sup.Cancel(context.Background(), sess.WorkspaceID, sess.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancel_UnknownSession(t *testing.T) {
	strat := &scriptStrategy{}
	sup, _, _ := newTestSupervisor(t, strat)

	_, err := sup.Cancel(context.Background(), "ws-1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJanitor_SweepsOrphans(t *testing.T) {
	st := store.NewMemoryStore()
	hub := relay.NewHub()
	janitor := NewJanitor(st, hub, metrics.New(), time.Minute, 30*time.Minute)

	old := &store.Session{
		ID:           "orphan-1",
		WorkspaceID:  "ws-1",
		ProviderSlug: "claude",
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	fresh := &store.Session{
		ID:           "fresh-1",
		WorkspaceID:  "ws-1",
		ProviderSlug: "claude",
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(context.Background(), old))
	require.NoError(t, st.CreateSession(context.Background(), fresh))

	janitor.Sweep(context.Background())

	swept, _ := st.GetSessionByID(context.Background(), "orphan-1")
	assert.Equal(t, store.StatusFailed, swept.Status)
	assert.Equal(t, "orphaned by dispatch loss", swept.ErrorMessage)

	kept, _ := st.GetSessionByID(context.Background(), "fresh-1")
	assert.Equal(t, store.StatusPending, kept.Status)
}

func TestDefaultRenderer(t *testing.T) {
	assert.Equal(t, "a&lt;b&gt;<br/>c", DefaultRenderer("a<b>\nc"))
	assert.Equal(t, "", DefaultRenderer(""))
}

func TestParseTrailer(t *testing.T) {
	pr, branch := parseTrailer("noise\nPR_URL= https://x/pr/1 \nmore\nBRANCH=feat/x\n")
	assert.Equal(t, "https://x/pr/1", pr)
	assert.Equal(t, "feat/x", branch)

	pr, branch = parseTrailer("no trailer here")
	assert.Empty(t, pr)
	assert.Empty(t, branch)
}
