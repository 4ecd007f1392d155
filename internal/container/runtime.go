// ABOUTME: Agent container runtime: launches one sandboxed process per invocation
// ABOUTME: Enforces wall-clock timeout and output cap, parses structured agent output

package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warrenhq/warren/internal/config"
	"github.com/warrenhq/warren/internal/store"
)

// Typed invocation failures. Callers distinguish them with errors.Is.
var (
	ErrTimeout            = errors.New("agent invocation timed out")
	ErrOutputOverflow     = errors.New("agent output exceeded limit")
	ErrProtocol           = errors.New("agent violated output contract")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// Failure kinds recorded on Result.
const (
	FailTimeout  = "timeout"
	FailOverflow = "overflow"
	FailExec     = "exec"
	FailProtocol = "protocol"
)

// Mount points inside the container: the group's private working
// directory and its mailbox outbox.
const (
	workdirMount = "/workspace/group"
	outboxMount  = "/workspace/ipc"
)

// removeTimeout bounds the post-kill container removal call.
const removeTimeout = 30 * time.Second

// Input carries everything one invocation needs.
type Input struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId,omitempty"`
	GroupFolder string `json:"groupFolder"`
	ChatJID     string `json:"chatJid"`
	IsMain      bool   `json:"isMain"`
}

// Result is the outcome of one invocation.
type Result struct {
	Status       string // "ok" or "error"
	Response     *AgentResponse
	NewSessionID string
	FailureKind  string
	Err          error
}

// Snapshots supplies the read-only system state published into the
// group's working directory before launch. Implemented by the router.
type Snapshots interface {
	TasksSnapshot(ctx context.Context, folder string, isMain bool) ([]TaskSnapshot, error)
	GroupsSnapshot(ctx context.Context, folder string, isMain bool) ([]GroupSnapshot, error)
}

// CommandFunc builds the container command. Overridden in tests.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// OnStart is invoked after launch so the queue can track the process.
type OnStart func(cmd *exec.Cmd, containerName string)

// Runtime launches and supervises agent containers.
type Runtime struct {
	cfg       config.Container
	groupsDir string
	ipcDir    string
	snapshots Snapshots
	command   CommandFunc
	logger    *slog.Logger
}

// NewRuntime creates a Runtime from the container config section.
func NewRuntime(cfg config.Container, groupsDir, ipcDir string, snapshots Snapshots) *Runtime {
	return &Runtime{
		cfg:       cfg,
		groupsDir: groupsDir,
		ipcDir:    ipcDir,
		snapshots: snapshots,
		command:   exec.CommandContext,
		logger:    slog.Default().With("component", "container"),
	}
}

// SetCommandFunc overrides command construction for tests.
func (r *Runtime) SetCommandFunc(fn CommandFunc) {
	r.command = fn
}

// CheckRuntime verifies the container runtime responds. A failure here
// is fatal at startup: agents cannot run at all without it.
func (r *Runtime) CheckRuntime(ctx context.Context) error {
	cmd := r.command(ctx, r.cfg.Binary, "info")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s info: %v", ErrRuntimeUnavailable, r.cfg.Binary, err)
	}
	return nil
}

// CleanupStale removes leftover containers with our name prefix from a
// previous run. Best-effort startup hygiene.
func (r *Runtime) CleanupStale(ctx context.Context) {
	list := r.command(ctx, r.cfg.Binary, "ps", "-a", "--format", "{{.Names}}")
	var out bytes.Buffer
	list.Stdout = &out
	if err := list.Run(); err != nil {
		r.logger.Debug("listing stale containers", "error", err)
		return
	}

	var stale []string
	for _, name := range strings.Split(out.String(), "\n") {
		name = strings.TrimSpace(name)
		if name != "" && strings.HasPrefix(name, r.cfg.NamePrefix+"-") {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return
	}

	args := append([]string{"rm", "-f"}, stale...)
	if err := r.command(ctx, r.cfg.Binary, args...).Run(); err != nil {
		r.logger.Warn("removing stale containers", "error", err)
		return
	}
	r.logger.Info("cleaned up stale containers", "count", len(stale))
}

// Run executes one agent invocation for the group. The returned error
// covers pre-launch problems only; invocation failures (timeout,
// overflow, exec, protocol) are reported on the Result so callers can
// treat them uniformly as "no reply this cycle".
func (r *Runtime) Run(ctx context.Context, group *store.RegisteredGroup, input Input, onStart OnStart) (*Result, error) {
	groupDir := filepath.Join(r.groupsDir, group.Folder)
	if err := os.MkdirAll(filepath.Join(groupDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("preparing group directory: %w", err)
	}

	// The outbox is the sandbox's only channel back to the host.
	outboxDir := filepath.Join(r.ipcDir, group.Folder)
	for _, sub := range []string{"messages", "tasks"} {
		if err := os.MkdirAll(filepath.Join(outboxDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("preparing outbox directory: %w", err)
		}
	}

	if err := r.writeSnapshots(ctx, groupDir, group.Folder, input.IsMain); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation input: %w", err)
	}

	// Random suffix avoids collisions with a still-terminating prior
	// instance for the same group.
	containerName := fmt.Sprintf("%s-%s-%s", r.cfg.NamePrefix, group.Folder, uuid.New().String()[:8])

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := r.command(runCtx, r.cfg.Binary, r.buildArgs(containerName, groupDir, outboxDir, group.ContainerConfig)...)
	cmd.Stdin = bytes.NewReader(payload)

	stdout := newCapWriter(r.cfg.OutputLimit, cancel)
	stderr := newCapWriter(r.cfg.OutputLimit, cancel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Info("launching agent container",
		"group", group.Folder,
		"container", containerName,
		"session", input.SessionID != "",
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	if onStart != nil {
		onStart(cmd, containerName)
	}

	waitErr := cmd.Wait()

	switch {
	case stdout.Overflowed() || stderr.Overflowed():
		// The captured prefix is discarded: partial output must never
		// be mistaken for a complete structured response.
		r.removeContainer(containerName)
		return failure(FailOverflow, fmt.Errorf("%w: cap %d bytes", ErrOutputOverflow, r.cfg.OutputLimit)), nil

	case runCtx.Err() == context.DeadlineExceeded:
		r.removeContainer(containerName)
		return failure(FailTimeout, fmt.Errorf("%w after %s", ErrTimeout, r.cfg.Timeout)), nil

	case waitErr != nil:
		r.logger.Error("agent container exited with error",
			"group", group.Folder,
			"container", containerName,
			"error", waitErr,
			"stderr", truncateForLog(stderr.String()),
		)
		return failure(FailExec, fmt.Errorf("container exited: %w", waitErr)), nil
	}

	resp, err := ParseResponse(stdout.String())
	if err != nil {
		r.logger.Error("agent output unparsable",
			"group", group.Folder,
			"container", containerName,
			"error", err,
		)
		return failure(FailProtocol, err), nil
	}

	return &Result{
		Status:       "ok",
		Response:     resp,
		NewSessionID: resp.NewSessionID,
	}, nil
}

// buildArgs assembles the container run arguments, applying per-group
// resource overrides where present.
func (r *Runtime) buildArgs(containerName, groupDir, outboxDir string, override *store.ContainerConfig) []string {
	image := r.cfg.Image
	memory := r.cfg.Memory
	cpus := r.cfg.CPUs
	if override != nil {
		if override.Image != "" {
			image = override.Image
		}
		if override.Memory != "" {
			memory = override.Memory
		}
		if override.CPUs != "" {
			cpus = override.CPUs
		}
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", containerName,
		"-v", groupDir + ":" + workdirMount + ":rw",
		"-v", outboxDir + ":" + outboxMount + ":rw",
	}
	for _, m := range r.cfg.Mounts {
		args = append(args, "-v", m+":ro")
	}
	if memory != "" {
		args = append(args, "--memory", memory)
	}
	if cpus != "" {
		args = append(args, "--cpus", cpus)
	}
	return append(args, image)
}

// removeContainer force-removes a container that outlived its process
// handle (timeout and overflow kills leave the runtime to clean up).
func (r *Runtime) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := r.command(ctx, r.cfg.Binary, "rm", "-f", name).Run(); err != nil {
		r.logger.Debug("removing container", "container", name, "error", err)
	}
}

func failure(kind string, err error) *Result {
	return &Result{Status: "error", FailureKind: kind, Err: err}
}

func truncateForLog(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// capWriter captures output up to a limit. The first write past the
// limit marks overflow and cancels the invocation.
type capWriter struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflowed bool
	onOverflow context.CancelFunc
}

func newCapWriter(limit int64, onOverflow context.CancelFunc) *capWriter {
	return &capWriter{limit: limit, onOverflow: onOverflow}
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.overflowed {
		return len(p), nil
	}
	if int64(w.buf.Len())+int64(len(p)) > w.limit {
		w.overflowed = true
		if w.onOverflow != nil {
			w.onOverflow()
		}
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *capWriter) Overflowed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overflowed
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
