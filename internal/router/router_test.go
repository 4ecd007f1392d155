// ABOUTME: Tests for the router: trigger gating, watermarks, sessions, and task dispatch
// ABOUTME: Uses a real SQLite store with a fake container runner and messenger

package router

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenhq/warren/internal/config"
	"github.com/warrenhq/warren/internal/container"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/store"
)

// fakeRunner records invocations and returns a scripted result.
type fakeRunner struct {
	mu     sync.Mutex
	runs   []container.Input
	result *container.Result
	err    error
}

func okResult(userMessage, newSessionID string) *container.Result {
	return &container.Result{
		Status: "ok",
		Response: &container.AgentResponse{
			OutputType:   container.OutputMessage,
			UserMessage:  userMessage,
			NewSessionID: newSessionID,
		},
		NewSessionID: newSessionID,
	}
}

func (f *fakeRunner) Run(_ context.Context, _ *store.RegisteredGroup, input container.Input, onStart container.OnStart) (*container.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if onStart != nil {
		onStart(&exec.Cmd{}, "fake-container")
	}
	f.runs = append(f.runs, input)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return okResult("done", ""), nil
}

func (f *fakeRunner) inputs() []container.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]container.Input, len(f.runs))
	copy(out, f.runs)
	return out
}

// fakeMessenger records outbound sends and typing updates.
type fakeMessenger struct {
	mu     sync.Mutex
	sent   []string
	typing []bool
}

func (f *fakeMessenger) SendMessage(_ context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, jid+"|"+text)
	return nil
}

func (f *fakeMessenger) SetTyping(_ context.Context, _ string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeMessenger) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type fixture struct {
	router *Router
	store  store.Store
	queue  *queue.Queue
	runner *fakeRunner
	out    *fakeMessenger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmp := t.TempDir()

	cfg := &config.Config{}
	cfg.Assistant.Name = "Andy"
	cfg.Assistant.MainFolder = "main"
	cfg.Data.Dir = filepath.Join(tmp, "data")
	cfg.Data.GroupsDir = filepath.Join(tmp, "groups")
	cfg.Poll.Messages = 10 * time.Millisecond
	cfg.Container.Image = "agent:test"
	cfg.Container.NamePrefix = "warren"
	cfg.Queue.MaxConcurrent = 4
	cfg.Scheduler.Timezone = "UTC"

	st, err := store.NewSQLiteStore(filepath.Join(tmp, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(cfg.Queue.MaxConcurrent)
	out := &fakeMessenger{}
	r := New(cfg, st, q, out)
	runner := &fakeRunner{}
	r.SetRunner(runner)
	q.SetHandler(r.HandleGroup)

	require.NoError(t, r.LoadState(context.Background()))
	return &fixture{router: r, store: st, queue: q, runner: runner, out: out}
}

func (f *fixture) register(t *testing.T, g *store.RegisteredGroup) {
	t.Helper()
	require.NoError(t, f.router.RegisterGroup(context.Background(), g))
}

func (f *fixture) putMessage(t *testing.T, id, jid, senderName, content, ts string) {
	t.Helper()
	require.NoError(t, f.store.StoreMessage(context.Background(), &store.Message{
		ID: id, ChatJID: jid, Sender: senderName, SenderName: senderName,
		Content: content, Timestamp: ts,
	}))
}

func familyGroup() *store.RegisteredGroup {
	return &store.RegisteredGroup{
		JID: "dc:1", Name: "Family", Folder: "family",
		Trigger: "@andy", AddedAt: time.Now().UTC(), RequiresTrigger: true,
	}
}

func mainGroup() *store.RegisteredGroup {
	return &store.RegisteredGroup{
		JID: "dc:0", Name: "Control", Folder: "main",
		Trigger: "@andy", AddedAt: time.Now().UTC(), RequiresTrigger: true,
	}
}

func TestHandleGroup_TriggerRequired(t *testing.T) {
	f := newFixture(t)
	f.register(t, familyGroup())
	f.putMessage(t, "m1", "dc:1", "Alice", "just chatting", "2026-01-01T10:00:00.000Z")

	ok := f.router.HandleGroup(context.Background(), "dc:1")
	assert.True(t, ok)
	assert.Empty(t, f.runner.inputs(), "untriggered messages must not invoke the agent")

	// The trigger arrives; the whole backlog rides along.
	f.putMessage(t, "m2", "dc:1", "Alice", "@Andy what did I say?", "2026-01-01T10:01:00.000Z")
	ok = f.router.HandleGroup(context.Background(), "dc:1")
	assert.True(t, ok)

	runs := f.runner.inputs()
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Prompt, "just chatting")
	assert.Contains(t, runs[0].Prompt, "@Andy what did I say?")
	assert.False(t, runs[0].IsMain)
	assert.Equal(t, "family", runs[0].GroupFolder)
}

func TestHandleGroup_TriggerCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.register(t, familyGroup())
	f.putMessage(t, "m1", "dc:1", "Alice", "hey @ANDY, ping", "2026-01-01T10:00:00.000Z")

	f.router.HandleGroup(context.Background(), "dc:1")
	assert.Len(t, f.runner.inputs(), 1)
}

func TestHandleGroup_MainRunsWithoutTrigger(t *testing.T) {
	f := newFixture(t)
	f.register(t, mainGroup())
	f.putMessage(t, "m1", "dc:0", "Owner", "status report", "2026-01-01T10:00:00.000Z")

	f.router.HandleGroup(context.Background(), "dc:0")

	runs := f.runner.inputs()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].IsMain)
}

func TestHandleGroup_DeliversReplyWithTyping(t *testing.T) {
	f := newFixture(t)
	f.register(t, mainGroup())
	f.runner.result = okResult("here is your report", "")
	f.putMessage(t, "m1", "dc:0", "Owner", "report please", "2026-01-01T10:00:00.000Z")

	f.router.HandleGroup(context.Background(), "dc:0")

	assert.Equal(t, []string{"dc:0|Andy: here is your report"}, f.out.messages())
	assert.Equal(t, []bool{true, false}, f.out.typing)
}

func TestHandleGroup_WatermarkAdvancesOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.register(t, mainGroup())
	f.putMessage(t, "m1", "dc:0", "Owner", "first", "2026-01-01T10:00:00.000Z")

	f.router.HandleGroup(context.Background(), "dc:0")
	require.Len(t, f.runner.inputs(), 1)

	// Same messages again: nothing new past the watermark.
	f.router.HandleGroup(context.Background(), "dc:0")
	assert.Len(t, f.runner.inputs(), 1)
}

func TestHandleGroup_WatermarkHeldOnFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, mainGroup())
	f.runner.err = errors.New("runtime exploded")
	f.putMessage(t, "m1", "dc:0", "Owner", "first", "2026-01-01T10:00:00.000Z")

	ok := f.router.HandleGroup(context.Background(), "dc:0")
	assert.False(t, ok)
	require.Len(t, f.runner.inputs(), 1)

	// After the failure clears, the same messages run again.
	f.runner.err = nil
	ok = f.router.HandleGroup(context.Background(), "dc:0")
	assert.True(t, ok)
	assert.Len(t, f.runner.inputs(), 2)
}

func TestHandleGroup_SessionContinuity(t *testing.T) {
	f := newFixture(t)
	f.register(t, mainGroup())
	f.runner.result = okResult("hi", "sess-1")
	f.putMessage(t, "m1", "dc:0", "Owner", "one", "2026-01-01T10:00:00.000Z")

	f.router.HandleGroup(context.Background(), "dc:0")

	f.runner.result = okResult("again", "sess-2")
	f.putMessage(t, "m2", "dc:0", "Owner", "two", "2026-01-01T10:01:00.000Z")
	f.router.HandleGroup(context.Background(), "dc:0")

	runs := f.runner.inputs()
	require.Len(t, runs, 2)
	assert.Empty(t, runs[0].SessionID)
	assert.Equal(t, "sess-1", runs[1].SessionID)

	// Sessions survive restarts through the store.
	sessions, err := f.store.GetAllSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-2", sessions["main"])
}

func TestDispatchTask_IsolatedSkipsSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, familyGroup())
	require.NoError(t, f.store.SetSession(context.Background(), "family", "sess-existing"))
	require.NoError(t, f.router.LoadState(context.Background()))

	f.runner.result = okResult("task output", "sess-new")
	f.router.DispatchTask(&store.Task{
		ID: "task-1", GroupFolder: "family", ChatJID: "dc:1",
		Prompt: "nightly checkup", ContextMode: store.ContextIsolated,
	})

	waitFor(t, func() bool { return len(f.runner.inputs()) == 1 })
	waitFor(t, func() bool { return f.queue.QueuedGroups() == 0 })

	runs := f.runner.inputs()
	assert.Empty(t, runs[0].SessionID, "isolated run must not reuse the group session")
	assert.Equal(t, "nightly checkup", runs[0].Prompt)

	// The isolated run's new session is discarded.
	sessions, err := f.store.GetAllSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-existing", sessions["family"])
}

func TestDispatchTask_GroupModeUsesSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, familyGroup())
	require.NoError(t, f.store.SetSession(context.Background(), "family", "sess-existing"))
	require.NoError(t, f.router.LoadState(context.Background()))

	f.runner.result = okResult("task output", "sess-new")
	f.router.DispatchTask(&store.Task{
		ID: "task-1", GroupFolder: "family", ChatJID: "dc:1",
		Prompt: "recap the day", ContextMode: store.ContextGroup,
	})

	waitFor(t, func() bool { return len(f.runner.inputs()) == 1 })
	waitFor(t, func() bool { return f.queue.QueuedGroups() == 0 })

	assert.Equal(t, "sess-existing", f.runner.inputs()[0].SessionID)

	sessions, err := f.store.GetAllSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-new", sessions["family"])
}

func TestDispatchTask_DeliversOutput(t *testing.T) {
	f := newFixture(t)
	f.register(t, familyGroup())
	f.runner.result = okResult("your daily summary", "")

	f.router.DispatchTask(&store.Task{
		ID: "task-1", GroupFolder: "family", ChatJID: "dc:1",
		Prompt: "summarize", ContextMode: store.ContextIsolated,
	})

	waitFor(t, func() bool { return len(f.out.messages()) == 1 })
	assert.Equal(t, []string{"dc:1|Andy: your daily summary"}, f.out.messages())
}

func TestRecover_EnqueuesPendingGroupsOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, mainGroup())
	f.putMessage(t, "m1", "dc:0", "Owner", "missed while down", "2026-01-01T10:00:00.000Z")

	f.router.Recover(context.Background())
	waitFor(t, func() bool { return f.queue.QueuedGroups() == 0 })

	assert.Len(t, f.runner.inputs(), 1)

	// A second recovery after the run finds nothing.
	f.router.Recover(context.Background())
	waitFor(t, func() bool { return f.queue.QueuedGroups() == 0 })
	assert.Len(t, f.runner.inputs(), 1)
}

func TestOnMessage_OnlyRegisteredGroupsStored(t *testing.T) {
	f := newFixture(t)
	f.register(t, familyGroup())
	ctx := context.Background()

	f.router.OnMessage(ctx, "dc:1", "m1", "u1", "Alice", "hello", "2026-01-01T10:00:00.000Z", false)
	f.router.OnMessage(ctx, "dc:99", "m2", "u2", "Bob", "hi", "2026-01-01T10:00:01.000Z", false)

	msgs, err := f.store.GetMessagesSince(ctx, "dc:1", "", "Andy")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = f.store.GetMessagesSince(ctx, "dc:99", "", "Andy")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Metadata is recorded for both, so main can discover dc:99.
	chats, err := f.store.GetAllChats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 2)
}

func TestLoadState_RestoresWatermarks(t *testing.T) {
	f := newFixture(t)
	f.register(t, mainGroup())
	f.putMessage(t, "m1", "dc:0", "Owner", "hello", "2026-01-01T10:00:00.000Z")
	f.router.HandleGroup(context.Background(), "dc:0")
	require.Len(t, f.runner.inputs(), 1)

	// A fresh router over the same store starts past the handled work.
	q2 := queue.New(4)
	r2 := New(f.router.cfg, f.store, q2, f.out)
	runner2 := &fakeRunner{}
	r2.SetRunner(runner2)
	q2.SetHandler(r2.HandleGroup)
	require.NoError(t, r2.LoadState(context.Background()))

	r2.Recover(context.Background())
	waitFor(t, func() bool { return q2.QueuedGroups() == 0 })
	assert.Empty(t, runner2.inputs())
}

func TestRegisterGroup_CreatesWorkingDirectory(t *testing.T) {
	f := newFixture(t)
	f.register(t, familyGroup())

	assert.DirExists(t, filepath.Join(f.router.cfg.Data.GroupsDir, "family", "logs"))

	g, ok := f.router.GroupByJID("dc:1")
	require.True(t, ok)
	assert.Equal(t, "family", g.Folder)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
