// ABOUTME: Mailbox ingest: applies host-side effects requested by sandboxed agents
// ABOUTME: The filesystem outbox is the only channel out of a sandbox; every branch re-checks ownership

package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/warrenhq/warren/internal/scheduler"
	"github.com/warrenhq/warren/internal/store"
)

// ErrUnauthorized indicates an issuer addressed state it does not own.
var ErrUnauthorized = errors.New("unauthorized mailbox request")

// errorsDir is the shared quarantine area under the ipc root.
const errorsDir = "errors"

// validFolder restricts register_group folder names to
// filesystem-safe characters.
var validFolder = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Sender delivers an authorized outbound message.
type Sender interface {
	SendMessage(ctx context.Context, jid, text string) error
}

// Groups is the registered-group view and mutation surface.
// Implemented by the router, whose cache backs mailbox authorization
// decisions and stays within one mutation of the store.
type Groups interface {
	GroupByJID(jid string) (*store.RegisteredGroup, bool)
	RegisterGroup(ctx context.Context, g *store.RegisteredGroup) error
}

// Tasks is the store slice mailbox requests mutate.
type Tasks interface {
	CreateTask(ctx context.Context, t *store.Task) error
	GetTaskByID(ctx context.Context, id string) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	DeleteTask(ctx context.Context, id string) error
}

// Config holds the ingest settings.
type Config struct {
	IPCDir        string
	MainFolder    string
	AssistantName string
	Interval      time.Duration
	Location      *time.Location
}

// Ingest scans per-group outboxes and applies authorized requests.
type Ingest struct {
	cfg    Config
	sender Sender
	groups Groups
	tasks  Tasks
	logger *slog.Logger

	// wake coalesces fsnotify events into at most one extra scan.
	wake chan struct{}
}

// New creates a mailbox Ingest.
func New(cfg Config, sender Sender, groups Groups, tasks Tasks) *Ingest {
	return &Ingest{
		cfg:    cfg,
		sender: sender,
		groups: groups,
		tasks:  tasks,
		logger: slog.Default().With("component", "mailbox"),
		wake:   make(chan struct{}, 1),
	}
}

// Run scans on a fixed tick until ctx is cancelled. A filesystem
// watcher on the outbox tree triggers immediate scans between ticks;
// the tick remains the correctness mechanism, the watcher only cuts
// latency.
func (in *Ingest) Run(ctx context.Context) {
	if err := os.MkdirAll(in.cfg.IPCDir, 0o755); err != nil {
		in.logger.Error("creating ipc directory", "error", err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		go in.forwardEvents(ctx, watcher)
	}

	in.logger.Info("mailbox ingest started", "dir", in.cfg.IPCDir, "interval", in.cfg.Interval)

	ticker := time.NewTicker(in.cfg.Interval)
	defer ticker.Stop()

	for {
		in.ScanOnce(ctx)
		if watcher != nil {
			in.refreshWatches(watcher)
		}

		select {
		case <-ctx.Done():
			in.logger.Info("mailbox ingest stopped")
			return
		case <-ticker.C:
		case <-in.wake:
		}
	}
}

// forwardEvents turns watcher events into wake signals.
func (in *Ingest) forwardEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			select {
			case in.wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			in.logger.Debug("watcher error", "error", err)
		}
	}
}

// refreshWatches keeps the watcher covering every group outbox.
// fsnotify does not recurse, and group directories appear at runtime.
func (in *Ingest) refreshWatches(watcher *fsnotify.Watcher) {
	_ = watcher.Add(in.cfg.IPCDir)
	entries, err := os.ReadDir(in.cfg.IPCDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDir {
			continue
		}
		base := filepath.Join(in.cfg.IPCDir, e.Name())
		_ = watcher.Add(filepath.Join(base, "messages"))
		_ = watcher.Add(filepath.Join(base, "tasks"))
	}
}

// ScanOnce processes every request file currently present. Each file
// ends in one of two terminal states: applied (deleted) or quarantined.
// Processing happens before deletion, so a crash between the two leaves
// the file pending for an idempotent re-scan rather than lost.
func (in *Ingest) ScanOnce(ctx context.Context) {
	entries, err := os.ReadDir(in.cfg.IPCDir)
	if err != nil {
		if !os.IsNotExist(err) {
			in.logger.Error("reading ipc directory", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == errorsDir {
			continue
		}
		sourceFolder := entry.Name()
		isMain := sourceFolder == in.cfg.MainFolder

		in.scanDir(ctx, sourceFolder, "messages", func(data []byte) error {
			return in.processMessage(ctx, data, sourceFolder, isMain)
		})
		in.scanDir(ctx, sourceFolder, "tasks", func(data []byte) error {
			return in.processTask(ctx, data, sourceFolder, isMain)
		})
	}
}

// scanDir applies process to each JSON file in one outbox subarea.
func (in *Ingest) scanDir(ctx context.Context, sourceFolder, sub string, process func(data []byte) error) {
	dir := filepath.Join(in.cfg.IPCDir, sourceFolder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			in.logger.Error("reading outbox", "folder", sourceFolder, "sub", sub, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			in.logger.Error("reading request file", "file", path, "error", err)
			continue
		}

		if err := process(data); err != nil {
			in.logger.Warn("request rejected",
				"file", entry.Name(),
				"folder", sourceFolder,
				"error", err,
			)
			in.quarantine(path, sourceFolder, entry.Name())
			continue
		}

		if err := os.Remove(path); err != nil {
			in.logger.Error("removing applied request", "file", path, "error", err)
		}
	}
}

// quarantine moves a file into the shared errors area, prefixed with
// the issuing folder to avoid collisions, so operators can inspect it
// without it being retried forever.
func (in *Ingest) quarantine(path, sourceFolder, name string) {
	dir := filepath.Join(in.cfg.IPCDir, errorsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		in.logger.Error("creating quarantine dir", "error", err)
		return
	}
	dest := filepath.Join(dir, sourceFolder+"-"+name)
	if _, err := os.Stat(dest); err == nil {
		// A repeat with the same file name must not overwrite the
		// earlier rejected request.
		dest = filepath.Join(dir, sourceFolder+"-"+uuid.NewString()+"-"+name)
	}
	if err := os.Rename(path, dest); err != nil {
		in.logger.Error("quarantining request", "file", path, "error", err)
	}
}

// messageRequest is the outbound-message file shape.
type messageRequest struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// processMessage validates and delivers one message request.
func (in *Ingest) processMessage(ctx context.Context, data []byte, sourceFolder string, isMain bool) error {
	var req messageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decoding message request: %w", err)
	}
	if req.Type != "message" || req.ChatJID == "" || req.Text == "" {
		return fmt.Errorf("malformed message request (type=%q)", req.Type)
	}

	// A non-main issuer may only address the conversation it owns.
	if !isMain {
		target, ok := in.groups.GroupByJID(req.ChatJID)
		if !ok || target.Folder != sourceFolder {
			return fmt.Errorf("%w: %s -> %s", ErrUnauthorized, sourceFolder, req.ChatJID)
		}
	}

	if err := in.sender.SendMessage(ctx, req.ChatJID, in.cfg.AssistantName+": "+req.Text); err != nil {
		// Transport failures are best-effort by design; the request
		// was authorized and consumed, so it is not quarantined.
		in.logger.Error("sending mailbox message", "jid", req.ChatJID, "error", err)
		return nil
	}

	in.logger.Info("mailbox message sent", "jid", req.ChatJID, "source", sourceFolder)
	return nil
}

// taskRequest covers all task-area request types.
type taskRequest struct {
	Type            string                 `json:"type"`
	TaskID          string                 `json:"taskId,omitempty"`
	Prompt          string                 `json:"prompt,omitempty"`
	ScheduleType    string                 `json:"schedule_type,omitempty"`
	ScheduleValue   string                 `json:"schedule_value,omitempty"`
	ContextMode     string                 `json:"context_mode,omitempty"`
	TargetJID       string                 `json:"targetJid,omitempty"`
	JID             string                 `json:"jid,omitempty"`
	Name            string                 `json:"name,omitempty"`
	Folder          string                 `json:"folder,omitempty"`
	Trigger         string                 `json:"trigger,omitempty"`
	ContainerConfig *store.ContainerConfig `json:"containerConfig,omitempty"`
}

// processTask validates and applies one task-area request.
func (in *Ingest) processTask(ctx context.Context, data []byte, sourceFolder string, isMain bool) error {
	var req taskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decoding task request: %w", err)
	}

	switch req.Type {
	case "schedule_task":
		return in.scheduleTask(ctx, &req, sourceFolder, isMain)
	case "pause_task":
		return in.setTaskStatus(ctx, req.TaskID, store.StatusPaused, sourceFolder, isMain)
	case "resume_task":
		return in.setTaskStatus(ctx, req.TaskID, store.StatusActive, sourceFolder, isMain)
	case "cancel_task":
		return in.cancelTask(ctx, req.TaskID, sourceFolder, isMain)
	case "register_group":
		return in.registerGroup(ctx, &req, sourceFolder, isMain)
	default:
		return fmt.Errorf("unknown task request type %q", req.Type)
	}
}

// scheduleTask creates a task after schedule and ownership validation.
func (in *Ingest) scheduleTask(ctx context.Context, req *taskRequest, sourceFolder string, isMain bool) error {
	if req.Prompt == "" || req.ScheduleType == "" || req.ScheduleValue == "" || req.TargetJID == "" {
		return fmt.Errorf("schedule_task missing required fields")
	}

	target, ok := in.groups.GroupByJID(req.TargetJID)
	if !ok {
		return fmt.Errorf("schedule_task target %s not registered", req.TargetJID)
	}
	if !isMain && target.Folder != sourceFolder {
		return fmt.Errorf("%w: %s may not schedule for %s", ErrUnauthorized, sourceFolder, target.Folder)
	}

	now := time.Now()
	nextRun, err := scheduler.ComputeNextRun(req.ScheduleType, req.ScheduleValue, now, in.cfg.Location)
	if err != nil {
		return err
	}

	contextMode := req.ContextMode
	if contextMode != store.ContextGroup && contextMode != store.ContextIsolated {
		contextMode = store.ContextIsolated
	}

	task := &store.Task{
		ID:            "task-" + uuid.New().String(),
		GroupFolder:   target.Folder,
		ChatJID:       req.TargetJID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   contextMode,
		Status:        store.StatusActive,
		NextRun:       nextRun,
		CreatedAt:     now,
	}
	if err := in.tasks.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	in.logger.Info("task created",
		"task", task.ID,
		"source", sourceFolder,
		"target", target.Folder,
		"schedule", task.ScheduleType,
		"context_mode", contextMode,
	)
	return nil
}

// requireTaskOwner fetches the task and enforces issuer ownership.
func (in *Ingest) requireTaskOwner(ctx context.Context, taskID, sourceFolder string, isMain bool) (*store.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("missing taskId")
	}
	task, err := in.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("looking up task %s: %w", taskID, err)
	}
	if !isMain && task.GroupFolder != sourceFolder {
		return nil, fmt.Errorf("%w: %s does not own task %s", ErrUnauthorized, sourceFolder, taskID)
	}
	return task, nil
}

func (in *Ingest) setTaskStatus(ctx context.Context, taskID, status, sourceFolder string, isMain bool) error {
	task, err := in.requireTaskOwner(ctx, taskID, sourceFolder, isMain)
	if err != nil {
		return err
	}
	if err := in.tasks.UpdateTaskStatus(ctx, task.ID, status); err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	in.logger.Info("task status changed", "task", task.ID, "status", status, "source", sourceFolder)
	return nil
}

func (in *Ingest) cancelTask(ctx context.Context, taskID, sourceFolder string, isMain bool) error {
	task, err := in.requireTaskOwner(ctx, taskID, sourceFolder, isMain)
	if err != nil {
		return err
	}
	if err := in.tasks.DeleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	in.logger.Info("task cancelled", "task", task.ID, "source", sourceFolder)
	return nil
}

// registerGroup applies a main-only register_group request.
func (in *Ingest) registerGroup(ctx context.Context, req *taskRequest, sourceFolder string, isMain bool) error {
	if !isMain {
		return fmt.Errorf("%w: register_group from %s", ErrUnauthorized, sourceFolder)
	}
	if req.JID == "" || req.Name == "" || req.Folder == "" || req.Trigger == "" {
		return fmt.Errorf("register_group missing required fields")
	}
	if !validFolder.MatchString(req.Folder) {
		return fmt.Errorf("register_group folder %q is not filesystem-safe", req.Folder)
	}

	group := &store.RegisteredGroup{
		JID:             req.JID,
		Name:            req.Name,
		Folder:          req.Folder,
		Trigger:         req.Trigger,
		AddedAt:         time.Now(),
		RequiresTrigger: true,
		ContainerConfig: req.ContainerConfig,
	}
	if err := in.groups.RegisterGroup(ctx, group); err != nil {
		return fmt.Errorf("registering group: %w", err)
	}

	in.logger.Info("group registered via mailbox", "jid", req.JID, "folder", req.Folder)
	return nil
}
