// ABOUTME: Tests for the container runtime using scripted commands
// ABOUTME: Covers success, timeout, overflow, exec failure, protocol violations, and arg building

package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenhq/warren/internal/config"
	"github.com/warrenhq/warren/internal/store"
)

// fakeSnapshots returns fixed snapshot data.
type fakeSnapshots struct{}

func (fakeSnapshots) TasksSnapshot(_ context.Context, _ string, _ bool) ([]TaskSnapshot, error) {
	return []TaskSnapshot{{ID: "task-1", Prompt: "p", Status: "active"}}, nil
}

func (fakeSnapshots) GroupsSnapshot(_ context.Context, _ string, _ bool) ([]GroupSnapshot, error) {
	return []GroupSnapshot{{JID: "dc:1", Name: "Family", IsRegistered: true}}, nil
}

// commandRecorder captures every command the runtime issues and maps
// the "run" invocation onto a scripted shell command.
type commandRecorder struct {
	mu     sync.Mutex
	calls  [][]string
	script string // shell script standing in for "docker run"
}

func (c *commandRecorder) fn(ctx context.Context, name string, args ...string) *exec.Cmd {
	c.mu.Lock()
	c.calls = append(c.calls, append([]string{name}, args...))
	c.mu.Unlock()

	if len(args) > 0 && args[0] == "run" {
		return exec.CommandContext(ctx, "sh", "-c", c.script)
	}
	return exec.CommandContext(ctx, "true")
}

func (c *commandRecorder) commands() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func testConfig() config.Container {
	return config.Container{
		Binary:      "docker",
		Image:       "agent:test",
		NamePrefix:  "warren",
		OutputLimit: 64 * 1024,
		Timeout:     5 * time.Second,
	}
}

func newTestRuntime(t *testing.T, cfg config.Container, script string) (*Runtime, *commandRecorder, string) {
	t.Helper()
	tmp := t.TempDir()
	groupsDir := filepath.Join(tmp, "groups")
	ipcDir := filepath.Join(tmp, "ipc")

	rec := &commandRecorder{script: script}
	rt := NewRuntime(cfg, groupsDir, ipcDir, fakeSnapshots{})
	rt.SetCommandFunc(rec.fn)
	return rt, rec, tmp
}

func testGroup() *store.RegisteredGroup {
	return &store.RegisteredGroup{JID: "dc:1", Name: "Family", Folder: "family"}
}

func TestRun_Success(t *testing.T) {
	resp := `{"outputType":"message","userMessage":"hello there","newSessionId":"sess-2"}`
	rt, _, tmp := newTestRuntime(t, testConfig(), fmt.Sprintf("echo 'agent chatter'; echo '%s'", resp))

	result, err := rt.Run(context.Background(), testGroup(), Input{
		Prompt: "<messages></messages>", GroupFolder: "family", ChatJID: "dc:1",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "sess-2", result.NewSessionID)
	require.NotNil(t, result.Response)
	assert.Equal(t, "hello there", result.Response.UserMessage)

	// Working directory, logs, and outbox prepared before launch.
	assert.DirExists(t, filepath.Join(tmp, "groups", "family", "logs"))
	assert.DirExists(t, filepath.Join(tmp, "ipc", "family", "messages"))
	assert.DirExists(t, filepath.Join(tmp, "ipc", "family", "tasks"))
}

func TestRun_WritesSnapshotsBeforeLaunch(t *testing.T) {
	resp := `{"outputType":"log","internalLog":"done"}`
	rt, _, tmp := newTestRuntime(t, testConfig(), "echo '"+resp+"'")

	_, err := rt.Run(context.Background(), testGroup(), Input{GroupFolder: "family", ChatJID: "dc:1"}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(tmp, "groups", "family", TasksSnapshotFile))
	require.NoError(t, err)
	var tasks []TaskSnapshot
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)

	data, err = os.ReadFile(filepath.Join(tmp, "groups", "family", GroupsSnapshotFile))
	require.NoError(t, err)
	var groups []GroupSnapshot
	require.NoError(t, json.Unmarshal(data, &groups))
	require.Len(t, groups, 1)
	assert.True(t, groups[0].IsRegistered)
}

func TestRun_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	rt, rec, _ := newTestRuntime(t, cfg, "sleep 10")

	result, err := rt.Run(context.Background(), testGroup(), Input{GroupFolder: "family", ChatJID: "dc:1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "error", result.Status)
	assert.Equal(t, FailTimeout, result.FailureKind)
	assert.ErrorIs(t, result.Err, ErrTimeout)

	// The stranded container gets force-removed.
	var removed bool
	for _, call := range rec.commands() {
		if len(call) > 1 && call[1] == "rm" {
			removed = true
		}
	}
	assert.True(t, removed)
}

func TestRun_OutputOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.OutputLimit = 1024
	// Far more than the cap; the overflow cancel kills the process.
	rt, _, _ := newTestRuntime(t, cfg, "yes overflow | head -c 100000; sleep 5")

	result, err := rt.Run(context.Background(), testGroup(), Input{GroupFolder: "family", ChatJID: "dc:1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "error", result.Status)
	assert.Equal(t, FailOverflow, result.FailureKind)
	assert.ErrorIs(t, result.Err, ErrOutputOverflow)
}

func TestRun_ExecFailure(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testConfig(), "echo 'dying' >&2; exit 3")

	result, err := rt.Run(context.Background(), testGroup(), Input{GroupFolder: "family", ChatJID: "dc:1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "error", result.Status)
	assert.Equal(t, FailExec, result.FailureKind)
}

func TestRun_ProtocolViolation(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testConfig(), "echo 'no json here'")

	result, err := rt.Run(context.Background(), testGroup(), Input{GroupFolder: "family", ChatJID: "dc:1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "error", result.Status)
	assert.Equal(t, FailProtocol, result.FailureKind)
	assert.ErrorIs(t, result.Err, ErrProtocol)
}

func TestRun_OnStartInvoked(t *testing.T) {
	resp := `{"outputType":"log"}`
	rt, _, _ := newTestRuntime(t, testConfig(), "echo '"+resp+"'")

	var startedName string
	_, err := rt.Run(context.Background(), testGroup(), Input{GroupFolder: "family", ChatJID: "dc:1"},
		func(_ *exec.Cmd, name string) { startedName = name })
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(startedName, "warren-family-"))
}

func TestBuildArgs_Defaults(t *testing.T) {
	cfg := testConfig()
	cfg.Memory = "2g"
	cfg.CPUs = "2"
	cfg.Mounts = []string{"/etc/ssl:/etc/ssl"}
	rt := NewRuntime(cfg, "/groups", "/ipc", fakeSnapshots{})

	args := rt.buildArgs("warren-family-abc", "/groups/family", "/ipc/family", nil)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "run --rm -i")
	assert.Contains(t, joined, "--name warren-family-abc")
	assert.Contains(t, joined, "/groups/family:"+workdirMount+":rw")
	assert.Contains(t, joined, "/ipc/family:"+outboxMount+":rw")
	assert.Contains(t, joined, "/etc/ssl:/etc/ssl:ro")
	assert.Contains(t, joined, "--memory 2g")
	assert.Contains(t, joined, "--cpus 2")
	assert.Equal(t, "agent:test", args[len(args)-1])
}

func TestBuildArgs_GroupOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.Memory = "2g"
	rt := NewRuntime(cfg, "/groups", "/ipc", fakeSnapshots{})

	args := rt.buildArgs("n", "/g", "/o", &store.ContainerConfig{
		Image:  "custom:latest",
		Memory: "8g",
		CPUs:   "4",
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--memory 8g")
	assert.Contains(t, joined, "--cpus 4")
	assert.Equal(t, "custom:latest", args[len(args)-1])
}

func TestCheckRuntime_Unavailable(t *testing.T) {
	rt := NewRuntime(testConfig(), "/groups", "/ipc", fakeSnapshots{})
	rt.SetCommandFunc(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	})

	err := rt.CheckRuntime(context.Background())
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
}

func TestCleanupStale_RemovesOnlyPrefixed(t *testing.T) {
	var rmArgs []string
	var mu sync.Mutex

	rt := NewRuntime(testConfig(), "/groups", "/ipc", fakeSnapshots{})
	rt.SetCommandFunc(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mu.Lock()
		defer mu.Unlock()
		if len(args) > 0 && args[0] == "ps" {
			return exec.CommandContext(ctx, "echo", "warren-family-abc\nwarren-work-def\nunrelated-container")
		}
		if len(args) > 0 && args[0] == "rm" {
			rmArgs = append([]string{}, args...)
		}
		return exec.CommandContext(ctx, "true")
	})

	rt.CleanupStale(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, rmArgs)
	joined := strings.Join(rmArgs, " ")
	assert.Contains(t, joined, "warren-family-abc")
	assert.Contains(t, joined, "warren-work-def")
	assert.NotContains(t, joined, "unrelated-container")
}
