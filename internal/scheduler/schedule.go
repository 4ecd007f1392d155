// ABOUTME: Schedule kind parsing and next-run computation
// ABOUTME: cron (robfig/cron expressions), interval (millisecond period), once (RFC3339 instant)

package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warrenhq/warren/internal/store"
)

// ErrBadSchedule indicates an invalid schedule kind or value. A task
// with a bad schedule is rejected at creation time, never created.
var ErrBadSchedule = errors.New("invalid schedule")

// ComputeNextRun returns the next run time for a schedule, evaluated
// at now. Used both at task creation and after each fire.
//
//   - cron: next occurrence of the expression in loc
//   - interval: now + period (schedule_value is milliseconds)
//   - once: the literal RFC3339 instant, even when already past (the
//     scheduler then fires it on the next tick)
func ComputeNextRun(scheduleType, scheduleValue string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("%w: cron expression %q: %v", ErrBadSchedule, scheduleValue, err)
		}
		next := sched.Next(now.In(loc))
		return &next, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("%w: interval %q must be a positive millisecond count", ErrBadSchedule, scheduleValue)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil

	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %v", ErrBadSchedule, scheduleValue, err)
		}
		return &at, nil

	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrBadSchedule, scheduleType)
	}
}
