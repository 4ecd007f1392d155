// ABOUTME: Per-group serialized execution queue with a global concurrency ceiling
// ABOUTME: Coalesces duplicate enqueues and tracks in-flight container processes

package queue

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler processes all pending work for one group. It returns false
// on failure; the queue logs and goes idle, leaving recovery to the
// next natural trigger.
type Handler func(ctx context.Context, groupJID string) bool

// ProcessInfo describes one in-flight container, for inspection.
type ProcessInfo struct {
	GroupJID      string
	ContainerName string
	StartedAt     time.Time
}

// process is the transient in-flight container record. Never persisted.
type process struct {
	cmd           *exec.Cmd
	containerName string
	startedAt     time.Time
}

// groupState tracks one group's scheduling state. While an entry
// exists in Queue.groups, exactly one worker goroutine owns the group.
type groupState struct {
	pending bool
}

// Queue guarantees at most one handler invocation per group at a time
// and at most maxConcurrent invocations across all groups.
type Queue struct {
	mu        sync.Mutex
	handler   Handler
	sem       *semaphore.Weighted
	groups    map[string]*groupState
	processes map[string]*process
	wg        sync.WaitGroup
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates a Queue with the given global concurrency ceiling.
func New(maxConcurrent int64) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sem:       semaphore.NewWeighted(maxConcurrent),
		groups:    make(map[string]*groupState),
		processes: make(map[string]*process),
		ctx:       ctx,
		cancel:    cancel,
		logger:    slog.Default().With("component", "queue"),
	}
}

// SetHandler installs the function invoked for each dequeued group.
// Must be called before the first Enqueue.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Enqueue schedules a run for the group. Never blocks. A group that is
// already queued or running gets its pending flag set instead of a
// duplicate unit of work; the in-flight run re-reads pending messages,
// so the flag only forces one re-check after it finishes.
func (q *Queue) Enqueue(groupJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.logger.Debug("enqueue ignored, shutting down", "group", groupJID)
		return
	}
	if q.handler == nil {
		q.logger.Warn("enqueue before handler installed", "group", groupJID)
		return
	}

	if st, ok := q.groups[groupJID]; ok {
		st.pending = true
		q.logger.Debug("enqueue coalesced", "group", groupJID)
		return
	}

	q.groups[groupJID] = &groupState{}
	q.wg.Add(1)
	go q.runGroup(groupJID)
}

// runGroup owns the group's map entry until all pending work drains.
func (q *Queue) runGroup(groupJID string) {
	defer q.wg.Done()

	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		// Shutdown while waiting for a slot; drop the unit of work.
		q.mu.Lock()
		delete(q.groups, groupJID)
		q.mu.Unlock()
		return
	}
	defer q.sem.Release(1)

	for {
		q.mu.Lock()
		if q.stopped {
			// Shutdown began while this group held no slot; never
			// start a new handler run past that point.
			delete(q.groups, groupJID)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		ok := q.invoke(groupJID)
		if !ok {
			q.logger.Warn("handler failed, group idle until next trigger", "group", groupJID)
		}

		q.mu.Lock()
		st := q.groups[groupJID]
		if st == nil || !st.pending || q.stopped {
			delete(q.groups, groupJID)
			q.mu.Unlock()
			return
		}
		st.pending = false
		q.mu.Unlock()
	}
}

// invoke runs the handler, containing panics so one bad run cannot
// take down the supervisory loop.
func (q *Queue) invoke(groupJID string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("handler panicked", "group", groupJID, "panic", r)
			ok = false
		}
	}()
	return q.handler(q.ctx, groupJID)
}

// RegisterProcess records the container behind the group's in-flight
// invocation so it can be inspected or terminated.
func (q *Queue) RegisterProcess(groupJID string, cmd *exec.Cmd, containerName string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.processes[groupJID] = &process{
		cmd:           cmd,
		containerName: containerName,
		startedAt:     time.Now(),
	}
	q.logger.Debug("process registered", "group", groupJID, "container", containerName)
}

// UnregisterProcess removes the group's in-flight record.
func (q *Queue) UnregisterProcess(groupJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processes, groupJID)
}

// ActiveProcesses returns a snapshot of in-flight containers.
func (q *Queue) ActiveProcesses() []ProcessInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(q.processes))
	for jid, p := range q.processes {
		infos = append(infos, ProcessInfo{
			GroupJID:      jid,
			ContainerName: p.containerName,
			StartedAt:     p.startedAt,
		})
	}
	return infos
}

// QueuedGroups returns the number of groups currently queued or running.
func (q *Queue) QueuedGroups() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups)
}

// Shutdown stops accepting work, asks in-flight containers to
// terminate, and waits for workers to drain. When ctx expires first,
// remaining processes are killed and ctx.Err() is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	procs := make([]*process, 0, len(q.processes))
	for _, p := range q.processes {
		procs = append(procs, p)
	}
	q.mu.Unlock()

	for _, p := range procs {
		if p.cmd.Process == nil {
			continue
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			q.logger.Debug("signaling container", "container", p.containerName, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("queue drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		q.mu.Lock()
		for _, p := range q.processes {
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
		q.mu.Unlock()
		q.logger.Warn("shutdown deadline reached, killed remaining containers")
		<-done
		return ctx.Err()
	}
}
