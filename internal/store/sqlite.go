// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides group/session/task/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS registered_groups (
			jid              TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			folder           TEXT NOT NULL UNIQUE,
			trigger_phrase   TEXT NOT NULL,
			added_at         TEXT NOT NULL,
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			container_json   TEXT
		);

		CREATE TABLE IF NOT EXISTS sessions (
			group_folder TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			group_folder   TEXT NOT NULL,
			chat_jid       TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'isolated',
			status         TEXT NOT NULL DEFAULT 'active',
			next_run       TEXT,
			created_at     TEXT NOT NULL,

			CHECK (schedule_type IN ('cron', 'interval', 'once')),
			CHECK (context_mode IN ('isolated', 'group')),
			CHECK (status IN ('active', 'paused', 'completed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run);
		CREATE INDEX IF NOT EXISTS idx_tasks_folder ON tasks(group_folder);

		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT NOT NULL,
			chat_jid    TEXT NOT NULL,
			sender      TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			content     TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			is_from_me  INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (id, chat_jid)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_jid, timestamp);

		CREATE TABLE IF NOT EXISTS chats (
			jid               TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			last_message_time TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS router_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SetRegisteredGroup inserts or replaces a registered group.
func (s *SQLiteStore) SetRegisteredGroup(ctx context.Context, g *RegisteredGroup) error {
	var containerJSON any
	if g.ContainerConfig != nil {
		data, err := json.Marshal(g.ContainerConfig)
		if err != nil {
			return fmt.Errorf("marshaling container config: %w", err)
		}
		containerJSON = string(data)
	}

	requiresTrigger := 0
	if g.RequiresTrigger {
		requiresTrigger = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO registered_groups
			(jid, name, folder, trigger_phrase, added_at, requires_trigger, container_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, g.JID, g.Name, g.Folder, g.Trigger,
		g.AddedAt.UTC().Format(time.RFC3339), requiresTrigger, containerJSON)
	if err != nil {
		return fmt.Errorf("inserting registered group: %w", err)
	}

	s.logger.Debug("registered group saved", "jid", g.JID, "folder", g.Folder)
	return nil
}

// GetAllRegisteredGroups returns all registered groups keyed by JID.
func (s *SQLiteStore) GetAllRegisteredGroups(ctx context.Context) (map[string]*RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_phrase, added_at, requires_trigger, container_json
		FROM registered_groups
	`)
	if err != nil {
		return nil, fmt.Errorf("querying registered groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]*RegisteredGroup)
	for rows.Next() {
		var g RegisteredGroup
		var addedAtStr string
		var requiresTrigger int
		var containerJSON sql.NullString

		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &addedAtStr, &requiresTrigger, &containerJSON); err != nil {
			return nil, fmt.Errorf("scanning registered group row: %w", err)
		}

		g.AddedAt, err = time.Parse(time.RFC3339, addedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing added_at: %w", err)
		}
		g.RequiresTrigger = requiresTrigger != 0

		if containerJSON.Valid && containerJSON.String != "" {
			var cc ContainerConfig
			if err := json.Unmarshal([]byte(containerJSON.String), &cc); err != nil {
				return nil, fmt.Errorf("parsing container config for %s: %w", g.JID, err)
			}
			g.ContainerConfig = &cc
		}

		groups[g.JID] = &g
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registered group rows: %w", err)
	}
	return groups, nil
}

// SetSession saves or updates the session token for a group folder.
func (s *SQLiteStore) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (group_folder, session_id, updated_at)
		VALUES (?, ?, ?)
	`, folder, sessionID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("session saved", "folder", folder)
	return nil
}

// GetAllSessions returns all session tokens keyed by group folder.
func (s *SQLiteStore) GetAllSessions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_folder, session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]string)
	for rows.Next() {
		var folder, sessionID string
		if err := rows.Scan(&folder, &sessionID); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions[folder] = sessionID
	}
	return sessions, rows.Err()
}

// CreateTask inserts a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, nullTime(t.NextRun), t.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", t.ID, "folder", t.GroupFolder, "schedule", t.ScheduleType)
	return nil
}

// GetTaskByID retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTaskByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		FROM tasks
		WHERE id = ?
	`, id)

	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// GetAllTasks returns every task ordered by creation time.
func (s *SQLiteStore) GetAllTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		FROM tasks
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetDueTasks returns active tasks whose next_run is at or before now.
func (s *SQLiteStore) GetDueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`, StatusActive, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// UpdateTaskStatus sets a task's status.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return requireRow(result)
}

// UpdateTaskNextRun sets a task's next run time; nil clears it.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTaskNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run = ? WHERE id = ?`, nullTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("updating task next_run: %w", err)
	}
	return requireRow(result)
}

// DeleteTask removes a task.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return requireRow(result)
}

// StoreMessage saves an inbound chat message. Duplicate (id, chat_jid)
// pairs are ignored so adapter redelivery is harmless.
func (s *SQLiteStore) StoreMessage(ctx context.Context, m *Message) error {
	isFromMe := 0
	if m.IsFromMe {
		isFromMe = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp, isFromMe)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// StoreChatMetadata upserts conversation metadata. An empty name keeps
// the existing one.
func (s *SQLiteStore) StoreChatMetadata(ctx context.Context, jid, name, timestamp string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time)
		VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)
	`, jid, name, timestamp)
	if err != nil {
		return fmt.Errorf("upserting chat metadata: %w", err)
	}
	return nil
}

// GetAllChats returns all known conversations ordered by most recent activity.
func (s *SQLiteStore) GetAllChats(ctx context.Context) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, last_message_time
		FROM chats
		ORDER BY last_message_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// GetMessagesSince returns messages for one chat strictly after the
// given watermark, in ascending order, excluding the assistant's own.
func (s *SQLiteStore) GetMessagesSince(ctx context.Context, jid, since, excludeSender string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_from_me = 0 AND sender_name != ?
		ORDER BY timestamp ASC
	`, jid, since, excludeSender)
	if err != nil {
		return nil, fmt.Errorf("querying messages since: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetNewMessages returns messages across the given chats after the
// global watermark, plus the highest timestamp seen (the new watermark).
// When no messages arrive the returned watermark equals the input.
func (s *SQLiteStore) GetNewMessages(ctx context.Context, jids []string, since, excludeSender string) ([]*Message, string, error) {
	if len(jids) == 0 {
		return nil, since, nil
	}

	query := `
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me
		FROM messages
		WHERE timestamp > ? AND is_from_me = 0 AND sender_name != ? AND chat_jid IN (?` +
		repeatPlaceholder(len(jids)-1) + `)
		ORDER BY timestamp ASC
	`
	args := []any{since, excludeSender}
	for _, jid := range jids {
		args = append(args, jid)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("querying new messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, "", err
	}

	newWatermark := since
	for _, m := range messages {
		if m.Timestamp > newWatermark {
			newWatermark = m.Timestamp
		}
	}
	return messages, newWatermark, nil
}

// SetRouterState saves a router state value.
func (s *SQLiteStore) SetRouterState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO router_state (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("saving router state %s: %w", key, err)
	}
	return nil
}

// GetRouterState returns a router state value, or "" when absent.
func (s *SQLiteStore) GetRouterState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying router state %s: %w", key, err)
	}
	return value, nil
}

// nullTime returns nil for a nil time, otherwise the RFC3339 string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// requireRow converts a zero-rows-affected result into ErrNotFound
func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// repeatPlaceholder returns ", ?" repeated n times for IN clauses
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var nextRun sql.NullString
	var createdAtStr string

	err := scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun, &createdAtStr)
	if err != nil {
		return nil, err
	}

	t.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if nextRun.Valid {
		parsed, err := time.Parse(time.RFC3339, nextRun.String)
		if err != nil {
			return nil, fmt.Errorf("parsing next_run: %w", err)
		}
		t.NextRun = &parsed
	}

	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var m Message
		var isFromMe int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &isFromMe); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.IsFromMe = isFromMe != 0
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
