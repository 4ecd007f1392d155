// ABOUTME: Snapshot provider for container launches: task and group views per caller
// ABOUTME: Main sees everything; other groups see only their own slice

package router

import (
	"context"

	"github.com/warrenhq/warren/internal/container"
)

// TasksSnapshot returns the tasks visible to the launching group.
func (r *Router) TasksSnapshot(ctx context.Context, folder string, isMain bool) ([]container.TaskSnapshot, error) {
	tasks, err := r.store.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]container.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if !isMain && t.GroupFolder != folder {
			continue
		}
		snap := container.TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
		}
		if t.NextRun != nil {
			snap.NextRun = t.NextRun.UTC().Format("2006-01-02T15:04:05.000Z")
		}
		out = append(out, snap)
	}
	return out, nil
}

// GroupsSnapshot returns the conversations visible to the launching
// group. Main sees every known chat so it can discover and register
// new ones; other groups see only their own registration.
func (r *Router) GroupsSnapshot(ctx context.Context, folder string, isMain bool) ([]container.GroupSnapshot, error) {
	registered := r.snapshotGroups()

	if !isMain {
		for jid, g := range registered {
			if g.Folder == folder {
				return []container.GroupSnapshot{{
					JID:          jid,
					Name:         g.Name,
					IsRegistered: true,
				}}, nil
			}
		}
		return []container.GroupSnapshot{}, nil
	}

	chats, err := r.store.GetAllChats(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]container.GroupSnapshot, 0, len(chats))
	seen := make(map[string]bool, len(chats))
	for _, c := range chats {
		_, isReg := registered[c.JID]
		name := c.Name
		if g, ok := registered[c.JID]; ok && name == "" {
			name = g.Name
		}
		out = append(out, container.GroupSnapshot{
			JID:          c.JID,
			Name:         name,
			LastActivity: c.LastMessageTime,
			IsRegistered: isReg,
		})
		seen[c.JID] = true
	}
	// Registered groups with no chat row yet still show up.
	for jid, g := range registered {
		if !seen[jid] {
			out = append(out, container.GroupSnapshot{
				JID:          jid,
				Name:         g.Name,
				IsRegistered: true,
			})
		}
	}
	return out, nil
}
