// ABOUTME: Router: owns the inbound-message poll loop, trigger checks, and agent dispatch
// ABOUTME: Composition point between adapters, the execution queue, and the container runtime

package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/warrenhq/warren/internal/config"
	"github.com/warrenhq/warren/internal/container"
	"github.com/warrenhq/warren/internal/queue"
	"github.com/warrenhq/warren/internal/store"
)

// Router state keys in the store.
const (
	stateLastTimestamp      = "last_timestamp"
	stateLastAgentTimestamp = "last_agent_timestamp"
)

// Runner is the container runtime surface the router consumes.
// Satisfied by *container.Runtime; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, group *store.RegisteredGroup, input container.Input, onStart container.OnStart) (*container.Result, error)
}

// Messenger is the outbound adapter surface.
// Satisfied by *adapter.Registry.
type Messenger interface {
	SendMessage(ctx context.Context, jid, text string) error
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// Router coordinates inbound messages, scheduled tasks, and mailbox
// mutations against one shared state cache. The cache is authoritative
// for authorization decisions and is updated in the same call that
// persists each mutation, so it never trails the store by more than an
// in-flight write.
type Router struct {
	cfg    *config.Config
	store  store.Store
	queue  *queue.Queue
	runner Runner
	out    Messenger
	logger *slog.Logger

	mu       sync.Mutex
	groups   map[string]*store.RegisteredGroup // jid -> group
	sessions map[string]string                 // folder -> session token
	// Watermarks: the global cursor tracks what the poll loop has
	// seen; the per-group cursors track what each agent has processed.
	lastTimestamp      string
	lastAgentTimestamp map[string]string

	// taskRuns holds synthetic invocations queued by the scheduler,
	// drained by the group handler so they serialize with message runs.
	taskRuns map[string][]*store.Task
}

// New creates a Router. The container runtime is constructed here so
// that the router can serve as its snapshot source.
func New(cfg *config.Config, st store.Store, q *queue.Queue, out Messenger) *Router {
	r := &Router{
		cfg:                cfg,
		store:              st,
		queue:              q,
		out:                out,
		logger:             slog.Default().With("component", "router"),
		groups:             make(map[string]*store.RegisteredGroup),
		sessions:           make(map[string]string),
		lastAgentTimestamp: make(map[string]string),
		taskRuns:           make(map[string][]*store.Task),
	}
	r.runner = container.NewRuntime(cfg.Container, cfg.Data.GroupsDir, cfg.IPCDir(), r)
	return r
}

// SetRunner overrides the container runtime for tests.
func (r *Router) SetRunner(runner Runner) {
	r.runner = runner
}

// Runtime returns the underlying container runtime when the default
// one is in use, for startup checks.
func (r *Router) Runtime() *container.Runtime {
	rt, _ := r.runner.(*container.Runtime)
	return rt
}

// LoadState populates the caches from the store. Called once at startup.
func (r *Router) LoadState(ctx context.Context) error {
	groups, err := r.store.GetAllRegisteredGroups(ctx)
	if err != nil {
		return fmt.Errorf("loading registered groups: %w", err)
	}
	sessions, err := r.store.GetAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	last, err := r.store.GetRouterState(ctx, stateLastTimestamp)
	if err != nil {
		return fmt.Errorf("loading global watermark: %w", err)
	}
	agentLast, err := r.loadAgentWatermarks(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.groups = groups
	r.sessions = sessions
	r.lastTimestamp = last
	r.lastAgentTimestamp = agentLast
	r.mu.Unlock()

	r.logger.Info("state loaded", "groups", len(groups), "sessions", len(sessions))
	return nil
}

// OnMessage receives an inbound chat message from an adapter.
// Messages are stored only for registered groups; chat metadata is
// always recorded so the main agent can discover conversations.
func (r *Router) OnMessage(ctx context.Context, jid, messageID, sender, senderName, text, timestamp string, isFromMe bool) {
	if _, registered := r.GroupByJID(jid); registered {
		err := r.store.StoreMessage(ctx, &store.Message{
			ID:         messageID,
			ChatJID:    jid,
			Sender:     sender,
			SenderName: senderName,
			Content:    text,
			Timestamp:  timestamp,
			IsFromMe:   isFromMe,
		})
		if err != nil {
			r.logger.Error("storing message", "jid", jid, "error", err)
		}
	}
	if err := r.store.StoreChatMetadata(ctx, jid, "", timestamp); err != nil {
		r.logger.Error("storing chat metadata", "jid", jid, "error", err)
	}
}

// OnChatMetadata receives conversation metadata from an adapter.
func (r *Router) OnChatMetadata(ctx context.Context, jid, timestamp, name string) {
	if err := r.store.StoreChatMetadata(ctx, jid, name, timestamp); err != nil {
		r.logger.Error("storing chat metadata", "jid", jid, "error", err)
	}
}

// Recover enqueues one check for every group with messages beyond its
// watermark. Runs before the poll loop starts so a restart picks up
// exactly where it left off without dropping or duplicating work.
func (r *Router) Recover(ctx context.Context) {
	for jid, group := range r.snapshotGroups() {
		since := r.agentWatermark(jid)
		pending, err := r.store.GetMessagesSince(ctx, jid, since, r.cfg.Assistant.Name)
		if err != nil {
			r.logger.Error("recovery scan", "jid", jid, "error", err)
			continue
		}
		if len(pending) > 0 {
			r.logger.Info("recovery: found unprocessed messages",
				"group", group.Name, "pending", len(pending))
			r.queue.Enqueue(jid)
		}
	}
}

// RunMessageLoop polls for new inbound messages until ctx is cancelled.
func (r *Router) RunMessageLoop(ctx context.Context) {
	r.logger.Info("message loop started", "interval", r.cfg.Poll.Messages)

	ticker := time.NewTicker(r.cfg.Poll.Messages)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("message loop stopped")
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce advances the global watermark and enqueues each group that
// has new messages. The handler re-reads pending messages itself, so a
// burst collapses into one run per group.
func (r *Router) pollOnce(ctx context.Context) {
	r.mu.Lock()
	jids := make([]string, 0, len(r.groups))
	for jid := range r.groups {
		jids = append(jids, jid)
	}
	since := r.lastTimestamp
	r.mu.Unlock()

	messages, newWatermark, err := r.store.GetNewMessages(ctx, jids, since, r.cfg.Assistant.Name)
	if err != nil {
		r.logger.Error("polling messages", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	r.mu.Lock()
	r.lastTimestamp = newWatermark
	r.mu.Unlock()
	r.saveWatermarks(ctx)

	seen := make(map[string]bool)
	for _, m := range messages {
		seen[m.ChatJID] = true
	}
	r.logger.Info("new messages", "count", len(messages), "groups", len(seen))
	for jid := range seen {
		r.queue.Enqueue(jid)
	}
}

// HandleGroup is the queue handler: it drains queued task invocations
// for the group, then processes pending chat messages. Both paths run
// under the queue's per-group mutual exclusion.
func (r *Router) HandleGroup(ctx context.Context, jid string) bool {
	for _, task := range r.takeTaskRuns(jid) {
		r.runTask(ctx, task)
	}
	return r.processGroupMessages(ctx, jid)
}

// processGroupMessages runs the agent over all messages past the
// group's watermark. Returns false on invocation failure, leaving the
// watermark untouched so the same messages retry next cycle.
func (r *Router) processGroupMessages(ctx context.Context, jid string) bool {
	group, ok := r.GroupByJID(jid)
	if !ok {
		return true
	}
	isMain := group.Folder == r.cfg.Assistant.MainFolder

	since := r.agentWatermark(jid)
	pending, err := r.store.GetMessagesSince(ctx, jid, since, r.cfg.Assistant.Name)
	if err != nil {
		r.logger.Error("reading pending messages", "jid", jid, "error", err)
		return false
	}
	if len(pending) == 0 {
		return true
	}

	// Non-main groups wait for their trigger phrase. The watermark is
	// not advanced, so the backlog rides along once a trigger arrives.
	if !isMain && group.RequiresTrigger && !r.hasTrigger(group, pending) {
		return true
	}

	prompt := formatPrompt(pending)
	r.logger.Info("processing messages", "group", group.Name, "count", len(pending))

	r.setTyping(ctx, jid, true)
	result := r.runAgent(ctx, group, container.Input{
		Prompt:      prompt,
		GroupFolder: group.Folder,
		ChatJID:     jid,
		IsMain:      isMain,
	}, false)
	r.setTyping(ctx, jid, false)

	if result == nil {
		return false
	}

	r.mu.Lock()
	r.lastAgentTimestamp[jid] = pending[len(pending)-1].Timestamp
	r.mu.Unlock()
	r.saveWatermarks(ctx)

	r.deliver(ctx, jid, group, result.Response)
	return true
}

// runTask executes one scheduled invocation. Isolated context mode
// bypasses the stored session and discards any new one, so the run
// leaves no trace in the group's conversation memory.
func (r *Router) runTask(ctx context.Context, task *store.Task) {
	group, ok := r.GroupByJID(task.ChatJID)
	if !ok {
		r.logger.Warn("task targets unregistered group", "task", task.ID, "jid", task.ChatJID)
		return
	}

	isolated := task.ContextMode == store.ContextIsolated
	r.logger.Info("running scheduled task", "task", task.ID, "group", group.Folder, "isolated", isolated)

	result := r.runAgent(ctx, group, container.Input{
		Prompt:      task.Prompt,
		GroupFolder: group.Folder,
		ChatJID:     task.ChatJID,
		IsMain:      group.Folder == r.cfg.Assistant.MainFolder,
	}, isolated)
	if result == nil {
		r.logger.Warn("scheduled task run failed", "task", task.ID)
		return
	}

	r.deliver(ctx, task.ChatJID, group, result.Response)
}

// runAgent performs one container invocation, wiring the process into
// the queue's tracking and applying session continuity rules.
// Returns nil on any invocation failure.
func (r *Router) runAgent(ctx context.Context, group *store.RegisteredGroup, input container.Input, isolated bool) *container.Result {
	if !isolated {
		r.mu.Lock()
		input.SessionID = r.sessions[group.Folder]
		r.mu.Unlock()
	}

	result, err := r.runner.Run(ctx, group, input, func(cmd *exec.Cmd, name string) {
		r.queue.RegisterProcess(input.ChatJID, cmd, name)
	})
	r.queue.UnregisterProcess(input.ChatJID)
	if err != nil {
		r.logger.Error("agent launch failed", "group", group.Folder, "error", err)
		return nil
	}

	if !isolated && result.NewSessionID != "" {
		r.setSession(ctx, group.Folder, result.NewSessionID)
	}

	if result.Status != "ok" {
		r.logger.Error("agent invocation failed",
			"group", group.Folder,
			"kind", result.FailureKind,
			"error", result.Err,
		)
		return nil
	}
	return result
}

// deliver sends the agent's user-facing message, if any, and logs its
// internal log line. Transport failures are fire-and-forget.
func (r *Router) deliver(ctx context.Context, jid string, group *store.RegisteredGroup, resp *container.AgentResponse) {
	if resp == nil {
		return
	}
	if resp.OutputType == container.OutputMessage && resp.UserMessage != "" {
		text := r.cfg.Assistant.Name + ": " + resp.UserMessage
		if err := r.out.SendMessage(ctx, jid, text); err != nil {
			r.logger.Error("sending reply", "jid", jid, "error", err)
		}
	}
	if resp.InternalLog != "" {
		r.logger.Info("agent log", "group", group.Name, "log", resp.InternalLog)
	}
}

// DispatchTask queues a synthetic invocation for the scheduler.
// Never blocks; the run serializes with message handling through the
// group execution queue.
func (r *Router) DispatchTask(task *store.Task) {
	r.mu.Lock()
	r.taskRuns[task.ChatJID] = append(r.taskRuns[task.ChatJID], task)
	r.mu.Unlock()
	r.queue.Enqueue(task.ChatJID)
}

func (r *Router) takeTaskRuns(jid string) []*store.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.taskRuns[jid]
	delete(r.taskRuns, jid)
	return tasks
}

// hasTrigger reports whether any pending message contains the group's
// trigger phrase (falling back to @assistant-name).
func (r *Router) hasTrigger(group *store.RegisteredGroup, messages []*store.Message) bool {
	phrase := group.Trigger
	if phrase == "" {
		phrase = "@" + r.cfg.Assistant.Name
	}
	phrase = strings.ToLower(phrase)

	for _, m := range messages {
		if strings.Contains(strings.ToLower(m.Content), phrase) {
			return true
		}
	}
	return false
}

func (r *Router) setTyping(ctx context.Context, jid string, typing bool) {
	if err := r.out.SetTyping(ctx, jid, typing); err != nil {
		r.logger.Debug("updating typing status", "jid", jid, "error", err)
	}
}

// RegisterGroup registers (or re-registers) a group: cache and store
// updated together, working directory created. The mailbox calls this
// for main-issued register_group requests.
func (r *Router) RegisterGroup(ctx context.Context, g *store.RegisteredGroup) error {
	if err := r.store.SetRegisteredGroup(ctx, g); err != nil {
		return err
	}

	r.mu.Lock()
	r.groups[g.JID] = g
	r.mu.Unlock()

	groupDir := filepath.Join(r.cfg.Data.GroupsDir, g.Folder)
	if err := os.MkdirAll(filepath.Join(groupDir, "logs"), 0o755); err != nil {
		return fmt.Errorf("creating group directory: %w", err)
	}

	r.logger.Info("group registered", "jid", g.JID, "name", g.Name, "folder", g.Folder)
	return nil
}

// GroupByJID returns the registered group for a conversation key.
func (r *Router) GroupByJID(jid string) (*store.RegisteredGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[jid]
	return g, ok
}

func (r *Router) snapshotGroups() map[string]*store.RegisteredGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*store.RegisteredGroup, len(r.groups))
	for jid, g := range r.groups {
		out[jid] = g
	}
	return out
}

func (r *Router) agentWatermark(jid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAgentTimestamp[jid]
}

// setSession updates the session cache and store together.
func (r *Router) setSession(ctx context.Context, folder, sessionID string) {
	r.mu.Lock()
	r.sessions[folder] = sessionID
	r.mu.Unlock()
	if err := r.store.SetSession(ctx, folder, sessionID); err != nil {
		r.logger.Error("persisting session", "folder", folder, "error", err)
	}
}
