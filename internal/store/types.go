// ABOUTME: Data models and the Store interface for warren's persistent state
// ABOUTME: Groups, sessions, tasks, messages, chats, and router state cursors

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Schedule kinds for tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes for scheduled invocations.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Task statuses. A fired "once" task is kept with StatusCompleted
// rather than deleted so the task history stays inspectable.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// RegisteredGroup is one conversation the system actively serves.
type RegisteredGroup struct {
	JID             string           `json:"jid"`
	Name            string           `json:"name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	AddedAt         time.Time        `json:"added_at"`
	RequiresTrigger bool             `json:"requires_trigger"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
}

// ContainerConfig overrides container resources for a single group.
type ContainerConfig struct {
	Image  string `json:"image,omitempty"`
	Memory string `json:"memory,omitempty"`
	CPUs   string `json:"cpus,omitempty"`
}

// Task is a deferred or recurring instruction to invoke a group's agent.
type Task struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRun       *time.Time
	CreatedAt     time.Time
}

// Message is one inbound chat message as delivered by an adapter.
// Timestamp is the adapter-supplied ISO 8601 string; watermark
// comparisons are lexicographic over the canonical UTC form.
type Message struct {
	ID         string
	ChatJID    string
	Sender     string
	SenderName string
	Content    string
	Timestamp  string
	IsFromMe   bool
}

// Chat is conversation metadata, registered or not.
type Chat struct {
	JID             string
	Name            string
	LastMessageTime string
}

// Store is the persistence contract consumed by the router, mailbox
// ingest, and scheduler. SQLiteStore implements it; tests substitute
// hand-written fakes for the narrow slices they need.
type Store interface {
	// Registered groups
	SetRegisteredGroup(ctx context.Context, g *RegisteredGroup) error
	GetAllRegisteredGroups(ctx context.Context) (map[string]*RegisteredGroup, error)

	// Sessions
	SetSession(ctx context.Context, folder, sessionID string) error
	GetAllSessions(ctx context.Context) (map[string]string, error)

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTaskByID(ctx context.Context, id string) (*Task, error)
	GetAllTasks(ctx context.Context) ([]*Task, error)
	GetDueTasks(ctx context.Context, now time.Time) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	UpdateTaskNextRun(ctx context.Context, id string, nextRun *time.Time) error
	DeleteTask(ctx context.Context, id string) error

	// Messages and chats
	StoreMessage(ctx context.Context, m *Message) error
	StoreChatMetadata(ctx context.Context, jid, name, timestamp string) error
	GetAllChats(ctx context.Context) ([]*Chat, error)
	GetMessagesSince(ctx context.Context, jid, since, excludeSender string) ([]*Message, error)
	GetNewMessages(ctx context.Context, jids []string, since, excludeSender string) ([]*Message, string, error)

	// Router state (watermark cursors)
	SetRouterState(ctx context.Context, key, value string) error
	GetRouterState(ctx context.Context, key string) (string, error)

	Close() error
}
