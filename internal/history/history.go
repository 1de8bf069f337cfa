// Package history records completed runs in SQLite for auditing and
// the debug API.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/telebridge/telebridge/internal/event"
)

// Run is one completed agent turn.
type Run struct {
	ID        string
	Engine    string
	ChatID    int64
	ThreadID  int
	Prompt    string
	Ok        bool
	Error     string
	AnswerLen int
	Resume    string
	Duration  time.Duration
	StartedAt time.Time
}

// Store manages run persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// WAL keeps the debug API readable while runs are being recorded.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			engine      TEXT NOT NULL,
			chat_id     INTEGER NOT NULL,
			thread_id   INTEGER NOT NULL DEFAULT 0,
			prompt      TEXT NOT NULL DEFAULT '',
			ok          INTEGER NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			answer_len  INTEGER NOT NULL DEFAULT 0,
			resume      TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started_at
			ON runs(started_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one completed run.
func (s *Store) Record(run Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, engine, chat_id, thread_id, prompt, ok, error,
		                   answer_len, resume, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Engine, run.ChatID, run.ThreadID, run.Prompt,
		boolToInt(run.Ok), run.Error, run.AnswerLen, run.Resume,
		run.Duration.Milliseconds(), run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Recent returns the newest runs, most recent first.
func (s *Store) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, engine, chat_id, thread_id, prompt, ok, error,
		        answer_len, resume, duration_ms, started_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var ok int
		var durationMS int64
		if err := rows.Scan(&run.ID, &run.Engine, &run.ChatID, &run.ThreadID,
			&run.Prompt, &ok, &run.Error, &run.AnswerLen, &run.Resume,
			&durationMS, &run.StartedAt); err != nil {
			return nil, err
		}
		run.Ok = ok != 0
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FromCompleted builds a Run row out of a terminal event.
func FromCompleted(id string, chatID int64, threadID int, prompt string,
	done event.Completed, startedAt time.Time, endedAt time.Time) Run {
	run := Run{
		ID:        id,
		Engine:    done.Engine,
		ChatID:    chatID,
		ThreadID:  threadID,
		Prompt:    prompt,
		Ok:        done.Ok,
		Error:     done.Err,
		AnswerLen: len(done.Answer),
		Duration:  endedAt.Sub(startedAt),
		StartedAt: startedAt,
	}
	if done.Resume != nil {
		run.Resume = done.Resume.Value
	}
	return run
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
