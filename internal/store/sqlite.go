package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yottalabsai/verl/internal/model"

	_ "modernc.org/sqlite"
)

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id           TEXT PRIMARY KEY,
    global_step  INTEGER NOT NULL,
    dir          TEXT NOT NULL,
    remote_url   TEXT NOT NULL DEFAULT '',
    state        TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL,
    completed_at DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createCheckpointsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateCheckpoint inserts a new checkpoint record.
func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (
			id, global_step, dir, remote_url, state,
			size_bytes, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.GlobalStep, c.Dir, c.RemoteURL, c.State,
		c.SizeBytes, c.CreatedAt, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `id, global_step, dir, remote_url, state,
	size_bytes, created_at, completed_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*model.Checkpoint, error) {
	c := &model.Checkpoint{}
	err := row.Scan(
		&c.ID, &c.GlobalStep, &c.Dir, &c.RemoteURL, &c.State,
		&c.SizeBytes, &c.CreatedAt, &c.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return c, nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	return scanCheckpoint(row)
}

// GetCheckpointByStep retrieves the most recent complete checkpoint for a
// global step.
func (s *SQLiteStore) GetCheckpointByStep(ctx context.Context, step int) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		WHERE global_step = ? AND state = ?
		ORDER BY created_at DESC LIMIT 1`,
		step, model.StateComplete)
	return scanCheckpoint(row)
}

// ListCheckpoints returns a paginated list of checkpoints ordered by
// global_step DESC, along with the total count of all records. A negative
// limit returns all rows.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, limit, offset int) ([]*model.Checkpoint, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count checkpoints: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		ORDER BY global_step DESC, created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*model.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		checkpoints = append(checkpoints, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate checkpoints: %w", err)
	}

	return checkpoints, total, nil
}

// LatestComplete retrieves the complete checkpoint with the highest global step.
func (s *SQLiteStore) LatestComplete(ctx context.Context) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		WHERE state = ? ORDER BY global_step DESC, created_at DESC LIMIT 1`,
		model.StateComplete)
	return scanCheckpoint(row)
}

// CompleteCheckpoint transitions a checkpoint from saving to complete,
// recording its size and completion time.
func (s *SQLiteStore) CompleteCheckpoint(ctx context.Context, id string, sizeBytes int64) error {
	return s.transition(ctx, id, model.StateComplete, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE checkpoints SET state = ?, size_bytes = ?, completed_at = ? WHERE id = ?",
			model.StateComplete, sizeBytes, time.Now().UTC(), id,
		)
		return err
	})
}

// UpdateCheckpointState transitions a checkpoint to state, validating the
// transition against the state machine.
func (s *SQLiteStore) UpdateCheckpointState(ctx context.Context, id, state string) error {
	return s.transition(ctx, id, state, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE checkpoints SET state = ? WHERE id = ?",
			state, id,
		)
		return err
	})
}

// transition reads the current state in a transaction, validates the move to
// target, then applies update.
func (s *SQLiteStore) transition(ctx context.Context, id, target string, update func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM checkpoints WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get checkpoint state: %w", err)
	}

	if !model.ValidTransition(current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}

	if err := update(tx); err != nil {
		return fmt.Errorf("update checkpoint state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SetRemoteURL records the remote location a checkpoint was replicated to.
func (s *SQLiteStore) SetRemoteURL(ctx context.Context, id, remoteURL string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE checkpoints SET remote_url = ? WHERE id = ?",
		remoteURL, id,
	)
	if err != nil {
		return fmt.Errorf("set remote url: %w", err)
	}
	return requireRowsAffected(result)
}

// DeleteCheckpoint removes a checkpoint record entirely. Used when
// reconciling the index against directories that no longer exist on disk.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return requireRowsAffected(result)
}

func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCheckpointStats returns aggregate statistics over the index.
func (s *SQLiteStore) GetCheckpointStats(ctx context.Context) (*CheckpointStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &CheckpointStats{CountByState: make(map[string]int)}

	rows, err := tx.QueryContext(ctx, "SELECT state, COUNT(*) FROM checkpoints GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size_bytes), 0) FROM checkpoints WHERE state = ?",
		model.StateComplete,
	).Scan(&stats.CompleteBytes)
	if err != nil {
		return nil, fmt.Errorf("sum complete bytes: %w", err)
	}

	return stats, nil
}
