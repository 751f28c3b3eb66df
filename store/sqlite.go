// Package store persists sessions and task results to SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is a stored session row.
type SessionRecord struct {
	ID        string
	CreatedAt time.Time
	Tasks     int
}

// TaskRecord is a stored task result row. Steps and Plan are JSON
// blobs; the engine owns their shape.
type TaskRecord struct {
	ID          string
	SessionID   string
	Description string
	Status      string
	Output      string
	Steps       string
	Plan        string

	ModelCalls   int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	CostUSD      float64

	StartedAt   time.Time
	CompletedAt time.Time
}

// Store is the persistence interface the engine writes through.
type Store interface {
	Init() error
	SaveSession(id string, createdAt time.Time) error
	SaveTask(rec TaskRecord) error
	ListSessions() ([]SessionRecord, error)
	ListTasks(sessionID string) ([]TaskRecord, error)
	GetTask(id string) (*TaskRecord, error)
	Close() error
}

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers from blocking the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Init creates the schema if it does not exist.
func (s *SQLite) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		steps TEXT,
		plan TEXT,
		model_calls INTEGER NOT NULL DEFAULT 0,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveSession inserts a session row, ignoring duplicates.
func (s *SQLite) SaveSession(id string, createdAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)",
		id, createdAt,
	)
	return err
}

// SaveTask upserts a task result row.
func (s *SQLite) SaveTask(rec TaskRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tasks
		(id, session_id, description, status, output, steps, plan,
		 model_calls, tool_calls, input_tokens, output_tokens, cost_usd,
		 started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Description, rec.Status, rec.Output, rec.Steps, rec.Plan,
		rec.ModelCalls, rec.ToolCalls, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		rec.StartedAt, rec.CompletedAt,
	)
	return err
}

// ListSessions returns all sessions, newest first, with task counts.
func (s *SQLite) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.created_at, COUNT(t.id)
		FROM sessions s LEFT JOIN tasks t ON t.session_id = s.id
		GROUP BY s.id ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.Tasks); err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// ListTasks returns the tasks of a session in start order.
func (s *SQLite) ListTasks(sessionID string) ([]TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, description, status, output, steps, plan,
		       model_calls, tool_calls, input_tokens, output_tokens, cost_usd,
		       started_at, completed_at
		FROM tasks WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *rec)
	}
	return tasks, rows.Err()
}

// GetTask returns one task by ID, or sql.ErrNoRows.
func (s *SQLite) GetTask(id string) (*TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, description, status, output, steps, plan,
		       model_calls, tool_calls, input_tokens, output_tokens, cost_usd,
		       started_at, completed_at
		FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	return scanTask(rows)
}

func scanTask(rows *sql.Rows) (*TaskRecord, error) {
	var rec TaskRecord
	var output, steps, plan sql.NullString
	err := rows.Scan(
		&rec.ID, &rec.SessionID, &rec.Description, &rec.Status, &output, &steps, &plan,
		&rec.ModelCalls, &rec.ToolCalls, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD,
		&rec.StartedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Output = output.String
	rec.Steps = steps.String
	rec.Plan = plan.String
	return &rec, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
