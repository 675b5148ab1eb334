package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure Go driver, CGO-free

	"pr-review-automation/internal/domain"
)

// ErrNotFound is returned when a session has no checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// SQLiteStore persists checkpoints to a WAL-mode SQLite database: same
// driver and migrate-on-open pattern used elsewhere in this module, with a
// schema shaped for workflow checkpoints instead of flat review records.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS checkpoints (
        checkpoint_id   TEXT PRIMARY KEY,
        session_id      TEXT NOT NULL UNIQUE,
        current_step    TEXT NOT NULL,
        completed_steps TEXT NOT NULL,
        snapshots       TEXT NOT NULL,
        last_error      TEXT NOT NULL DEFAULT '',
        retry_count     INTEGER NOT NULL DEFAULT 0,
        max_retries     INTEGER NOT NULL DEFAULT 0,
        created_at      DATETIME NOT NULL,
        updated_at      DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
    `
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, sessionID string, maxRetries int) (*domain.Checkpoint, error) {
	now := time.Now()
	c := &domain.Checkpoint{
		CheckpointID: uuid.NewString(),
		SessionID:    sessionID,
		CreatedAt:    now,
		UpdatedAt:    now,
		CurrentStep:  domain.StepIntentParsing,
		Snapshots:    make(map[domain.WorkflowStep][]byte),
		MaxRetries:   maxRetries,
	}
	if err := s.insert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) insert(ctx context.Context, c *domain.Checkpoint) error {
	completed, err := json.Marshal(c.CompletedSteps)
	if err != nil {
		return err
	}
	snapshots, err := json.Marshal(c.Snapshots)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO checkpoints (checkpoint_id, session_id, current_step, completed_steps, snapshots, last_error, retry_count, max_retries, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, c.CheckpointID, c.SessionID, string(c.CurrentStep), string(completed), string(snapshots),
		c.LastError, c.RetryCount, c.MaxRetries, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT checkpoint_id, session_id, current_step, completed_steps, snapshots, last_error, retry_count, max_retries, created_at, updated_at
        FROM checkpoints WHERE session_id = ?
    `, sessionID)
	return scanCheckpoint(row)
}

func scanCheckpoint(row *sql.Row) (*domain.Checkpoint, error) {
	var c domain.Checkpoint
	var currentStep, completedJSON, snapshotsJSON string
	if err := row.Scan(&c.CheckpointID, &c.SessionID, &currentStep, &completedJSON, &snapshotsJSON,
		&c.LastError, &c.RetryCount, &c.MaxRetries, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.CurrentStep = domain.WorkflowStep(currentStep)
	if err := json.Unmarshal([]byte(completedJSON), &c.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshotsJSON), &c.Snapshots); err != nil {
		return nil, fmt.Errorf("unmarshal snapshots: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) MarkStepComplete(ctx context.Context, sessionID string, step domain.WorkflowStep) error {
	c, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if c.IsStepComplete(step) {
		return nil
	}
	c.CompletedSteps = append(c.CompletedSteps, step)
	c.CurrentStep = step
	c.UpdatedAt = time.Now()
	return s.update(ctx, c)
}

func (s *SQLiteStore) IsStepComplete(ctx context.Context, sessionID string, step domain.WorkflowStep) (bool, error) {
	c, err := s.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return c.IsStepComplete(step), nil
}

func (s *SQLiteStore) SnapshotStep(ctx context.Context, sessionID string, step domain.WorkflowStep, snapshot []byte) error {
	c, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	c.Snapshots[step] = snapshot
	c.UpdatedAt = time.Now()
	return s.update(ctx, c)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, sessionID string, errMsg string) error {
	c, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	c.LastError = errMsg
	c.RetryCount++
	c.UpdatedAt = time.Now()
	return s.update(ctx, c)
}

func (s *SQLiteStore) update(ctx context.Context, c *domain.Checkpoint) error {
	completed, err := json.Marshal(c.CompletedSteps)
	if err != nil {
		return err
	}
	snapshots, err := json.Marshal(c.Snapshots)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        UPDATE checkpoints
        SET current_step = ?, completed_steps = ?, snapshots = ?, last_error = ?, retry_count = ?, updated_at = ?
        WHERE session_id = ?
    `, string(c.CurrentStep), string(completed), string(snapshots), c.LastError, c.RetryCount, c.UpdatedAt, c.SessionID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
