// ABOUTME: Read-only state snapshots published into the group working directory
// ABOUTME: How a sandboxed agent, with no database access, discovers tasks and groups

package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot file names inside the group working directory.
const (
	TasksSnapshotFile  = "tasks.json"
	GroupsSnapshotFile = "groups.json"
)

// TaskSnapshot is the visible slice of a task exposed to agents.
type TaskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run,omitempty"`
}

// GroupSnapshot is one known conversation with registration status.
type GroupSnapshot struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// writeSnapshots publishes the task and group lists before launch.
func (r *Runtime) writeSnapshots(ctx context.Context, groupDir, folder string, isMain bool) error {
	tasks, err := r.snapshots.TasksSnapshot(ctx, folder, isMain)
	if err != nil {
		return fmt.Errorf("collecting tasks snapshot: %w", err)
	}
	if err := writeJSON(filepath.Join(groupDir, TasksSnapshotFile), tasks); err != nil {
		return fmt.Errorf("writing tasks snapshot: %w", err)
	}

	groups, err := r.snapshots.GroupsSnapshot(ctx, folder, isMain)
	if err != nil {
		return fmt.Errorf("collecting groups snapshot: %w", err)
	}
	if err := writeJSON(filepath.Join(groupDir, GroupsSnapshotFile), groups); err != nil {
		return fmt.Errorf("writing groups snapshot: %w", err)
	}

	return nil
}

// writeJSON writes via a temp file and rename so the agent never reads
// a half-written snapshot.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
