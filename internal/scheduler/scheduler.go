// ABOUTME: Task scheduler: fires due tasks into the group execution queue
// ABOUTME: Fixed tick; recomputes next_run immediately after dispatch

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/warrenhq/warren/internal/store"
)

// TaskSource is the store slice the scheduler consumes.
type TaskSource interface {
	GetDueTasks(ctx context.Context, now time.Time) ([]*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	UpdateTaskNextRun(ctx context.Context, id string, nextRun *time.Time) error
}

// Dispatcher enqueues a synthetic invocation for a due task.
// Implemented by the router; dispatch must not block on the agent run.
type Dispatcher interface {
	DispatchTask(task *store.Task)
}

// Scheduler polls for due tasks and feeds them into the queue.
type Scheduler struct {
	tasks      TaskSource
	dispatcher Dispatcher
	interval   time.Duration
	loc        *time.Location
	logger     *slog.Logger
}

// New creates a Scheduler.
func New(tasks TaskSource, dispatcher Dispatcher, interval time.Duration, loc *time.Location) *Scheduler {
	return &Scheduler{
		tasks:      tasks,
		dispatcher: dispatcher,
		interval:   interval,
		loc:        loc,
		logger:     slog.Default().With("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled. The first scan happens immediately
// so tasks overdue across a restart fire without waiting a full tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval, "timezone", s.loc.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick dispatches every task due at now and recomputes its schedule.
// Recomputation happens right after dispatch, not after the agent run
// finishes, so a slow agent cannot stall the schedule. Per-group
// serialization of the actual run is the queue's job.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.tasks.GetDueTasks(ctx, now)
	if err != nil {
		s.logger.Error("listing due tasks", "error", err)
		return
	}

	for _, task := range due {
		s.logger.Info("task due",
			"task", task.ID,
			"folder", task.GroupFolder,
			"schedule", task.ScheduleType,
			"context_mode", task.ContextMode,
		)

		s.dispatcher.DispatchTask(task)

		if err := s.reschedule(ctx, task, now); err != nil {
			s.logger.Error("rescheduling task", "task", task.ID, "error", err)
		}
	}
}

// reschedule computes the follow-up run. A fired "once" task is kept
// with status completed rather than deleted, so its history stays
// visible in the task snapshots.
func (s *Scheduler) reschedule(ctx context.Context, task *store.Task, now time.Time) error {
	if task.ScheduleType == store.ScheduleOnce {
		if err := s.tasks.UpdateTaskNextRun(ctx, task.ID, nil); err != nil {
			return err
		}
		return s.tasks.UpdateTaskStatus(ctx, task.ID, store.StatusCompleted)
	}

	next, err := ComputeNextRun(task.ScheduleType, task.ScheduleValue, now, s.loc)
	if err != nil {
		// The schedule was validated at creation; a failure here means
		// the stored value was corrupted. Pause rather than refire.
		s.logger.Error("stored schedule no longer parses, pausing task", "task", task.ID, "error", err)
		return s.tasks.UpdateTaskStatus(ctx, task.ID, store.StatusPaused)
	}

	return s.tasks.UpdateTaskNextRun(ctx, task.ID, next)
}
