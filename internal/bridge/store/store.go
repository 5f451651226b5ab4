package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CircuitState mirrors the three states a bridge remote's circuit
// breaker can be in (spec §4.14).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// failureThreshold is the number of consecutive push/pull failures
// against a remote before its circuit opens.
const failureThreshold = 5

// Cursor is a remote's sync position: the highest local message
// sequence pushed, and an opaque cursor token the remote returned on
// the last successful pull.
type Cursor struct {
	LastPushSeq    int64
	LastPullCursor string
}

// Store is the bridge's durable sync state, backed by a single SQLite
// database shared by all remotes configured for a team.
type Store struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Cursor returns a remote's sync cursor, or the zero Cursor if the
// remote has never synced.
func (s *Store) Cursor(ctx context.Context, remote string) (Cursor, error) {
	var c Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT last_push_seq, last_pull_cursor FROM remote_cursors WHERE remote_name = ?`,
		remote,
	).Scan(&c.LastPushSeq, &c.LastPullCursor)
	if err == sql.ErrNoRows {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("store: read cursor for %q: %w", remote, err)
	}
	return c, nil
}

// SetCursor upserts a remote's sync cursor.
func (s *Store) SetCursor(ctx context.Context, remote string, c Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_cursors (remote_name, last_push_seq, last_pull_cursor, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(remote_name) DO UPDATE SET
			last_push_seq = excluded.last_push_seq,
			last_pull_cursor = excluded.last_pull_cursor,
			updated_at = CURRENT_TIMESTAMP
	`, remote, c.LastPushSeq, c.LastPullCursor)
	if err != nil {
		return fmt.Errorf("store: set cursor for %q: %w", remote, err)
	}
	return nil
}

// CircuitState returns a remote's current breaker state, defaulting to
// closed for a remote with no recorded failures.
func (s *Store) CircuitState(ctx context.Context, remote string) (CircuitState, error) {
	var state int
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM circuit_breakers WHERE remote_name = ?`, remote,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return CircuitClosed, nil
	}
	if err != nil {
		return CircuitClosed, fmt.Errorf("store: read circuit state for %q: %w", remote, err)
	}
	return CircuitState(state), nil
}

// RecordFailure increments a remote's consecutive failure count and
// opens its circuit once failureThreshold is reached.
func (s *Store) RecordFailure(ctx context.Context, remote string) (CircuitState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CircuitClosed, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count, state int
	err = tx.QueryRowContext(ctx,
		`SELECT failure_count, state FROM circuit_breakers WHERE remote_name = ?`, remote,
	).Scan(&count, &state)
	if err != nil && err != sql.ErrNoRows {
		return CircuitClosed, fmt.Errorf("store: read breaker for %q: %w", remote, err)
	}
	count++
	newState := CircuitState(state)
	if count >= failureThreshold {
		newState = CircuitOpen
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO circuit_breakers (remote_name, state, failure_count, opened_at, next_retry_at)
		VALUES (?, ?, ?, CASE WHEN ? = ? THEN CURRENT_TIMESTAMP ELSE NULL END, NULL)
		ON CONFLICT(remote_name) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			opened_at = CASE WHEN excluded.state = ? THEN CURRENT_TIMESTAMP ELSE circuit_breakers.opened_at END
	`, remote, newState, count, newState, CircuitOpen, CircuitOpen)
	if err != nil {
		return CircuitClosed, fmt.Errorf("store: write breaker for %q: %w", remote, err)
	}

	if err := tx.Commit(); err != nil {
		return CircuitClosed, fmt.Errorf("store: commit breaker update for %q: %w", remote, err)
	}
	return newState, nil
}

// RecordSuccess closes a remote's circuit and resets its failure count.
func (s *Store) RecordSuccess(ctx context.Context, remote string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (remote_name, state, failure_count, opened_at, next_retry_at)
		VALUES (?, ?, 0, NULL, NULL)
		ON CONFLICT(remote_name) DO UPDATE SET
			state = ?, failure_count = 0, opened_at = NULL, next_retry_at = NULL
	`, remote, CircuitClosed, CircuitClosed)
	if err != nil {
		return fmt.Errorf("store: record success for %q: %w", remote, err)
	}
	return nil
}

// WasSynced reports whether messageID has already been synced to remote.
func (s *Store) WasSynced(ctx context.Context, remote, messageID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM synced_messages WHERE remote_name = ? AND message_id = ?`,
		remote, messageID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check synced for %q: %w", remote, err)
	}
	return true, nil
}

// MarkSynced records messageID as synced to remote, then trims the
// remote's synced-id cache down to cap entries (oldest first) so the
// table can't grow without bound.
func (s *Store) MarkSynced(ctx context.Context, remote, messageID string, cap int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO synced_messages (remote_name, message_id) VALUES (?, ?)
	`, remote, messageID)
	if err != nil {
		return fmt.Errorf("store: mark synced for %q: %w", remote, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM synced_messages WHERE remote_name = ? AND message_id NOT IN (
			SELECT message_id FROM synced_messages WHERE remote_name = ?
			ORDER BY synced_at DESC LIMIT ?
		)
	`, remote, remote, cap)
	if err != nil {
		return fmt.Errorf("store: trim synced cache for %q: %w", remote, err)
	}

	return tx.Commit()
}
