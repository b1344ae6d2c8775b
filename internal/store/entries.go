package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/matchsync/internal/outbox"
)

// ErrDuplicateID is returned when inserting an entry whose id is already
// queued or was retired earlier.
var ErrDuplicateID = errors.New("entry id already used")

// Retirement reasons recorded in retired_entries.
const (
	ReasonDelivered = "delivered"
	ReasonDiscarded = "discarded"
)

const lastSyncedAtKey = "last_synced_at"

// LoadEntries returns every queued entry in FIFO order.
// Returns an empty slice (not nil) when the outbox is empty.
func (s *Store) LoadEntries(ctx context.Context) ([]outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, payload, digest, attempts, created_at,
		       last_attempt_at, last_error, error_kind, next_attempt_at
		FROM outbox_entries
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []outbox.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// ReadEntry returns one queued entry, or outbox.ErrNotFound.
func (s *Store) ReadEntry(ctx context.Context, id string) (outbox.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, payload, digest, attempts, created_at,
		       last_attempt_at, last_error, error_kind, next_attempt_at
		FROM outbox_entries
		WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, outbox.ErrNotFound
	}
	return e, err
}

// InsertEntry persists a new entry and returns the seq SQLite assigned to it.
// The entry's Seq field is ignored.
//
// Returns ErrDuplicateID if the id is queued or retired.
func (s *Store) InsertEntry(ctx context.Context, e outbox.Entry) (int64, error) {
	payloadJSON, err := marshalPayload(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert entry: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var retired int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retired_entries WHERE id = ?`, e.ID,
	).Scan(&retired); err != nil {
		return 0, fmt.Errorf("insert entry: check retired: %w", err)
	}
	if retired > 0 {
		return 0, fmt.Errorf("insert entry %s: %w", e.ID, ErrDuplicateID)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_entries
		(id, payload, digest, attempts, created_at, last_attempt_at, last_error, error_kind, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		payloadJSON,
		e.Digest,
		e.Attempts,
		formatTime(e.CreatedAt),
		formatNullTime(e.LastAttemptAt),
		e.LastError,
		string(e.ErrorKind),
		formatNullTime(e.NextAttemptAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert entry: rows affected: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("insert entry %s: %w", e.ID, ErrDuplicateID)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert entry: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert entry: commit: %w", err)
	}
	return seq, nil
}

// UpdateEntry writes the delivery bookkeeping of an entry (attempts,
// timestamps, last error). Payload, digest and seq are immutable.
// Updating an id that is no longer queued is a no-op.
func (s *Store) UpdateEntry(ctx context.Context, e outbox.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET attempts = ?, last_attempt_at = ?, last_error = ?, error_kind = ?, next_attempt_at = ?
		WHERE id = ?
	`,
		e.Attempts,
		formatNullTime(e.LastAttemptAt),
		e.LastError,
		string(e.ErrorKind),
		formatNullTime(e.NextAttemptAt),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", e.ID, err)
	}
	return nil
}

// DeleteEntry removes a queued entry at the caller's request and retires
// its id. Deleting an id that is no longer queued is a no-op.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	return s.retire(ctx, id, ReasonDiscarded, nil)
}

// MarkDelivered removes a delivered entry, retires its id and advances
// last_synced_at to at, all in one transaction.
// Marking an id that is no longer queued still advances last_synced_at.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.retire(ctx, id, ReasonDelivered, &at)
}

func (s *Store) retire(ctx context.Context, id, reason string, syncedAt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("retire entry %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `DELETE FROM outbox_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("retire entry %s: delete: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("retire entry %s: rows affected: %w", id, err)
	}

	now := time.Now()
	if syncedAt != nil {
		now = *syncedAt
	}

	if affected > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO retired_entries (id, reason, retired_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, reason, formatTime(now)); err != nil {
			return fmt.Errorf("retire entry %s: record: %w", id, err)
		}
	}

	if syncedAt != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, lastSyncedAtKey, formatTime(*syncedAt)); err != nil {
			return fmt.Errorf("retire entry %s: last synced: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("retire entry %s: commit: %w", id, err)
	}
	return nil
}

// LastSyncedAt returns the time of the most recent successful delivery,
// or nil if nothing has been delivered yet.
func (s *Store) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, lastSyncedAtKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read last synced at: %w", err)
	}
	t, err := parseTime(value)
	if err != nil {
		return nil, fmt.Errorf("read last synced at: %w", err)
	}
	return &t, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (outbox.Entry, error) {
	var (
		e             outbox.Entry
		payloadJSON   string
		createdAt     string
		lastAttemptAt sql.NullString
		errorKind     string
		nextAttemptAt sql.NullString
	)

	if err := row.Scan(
		&e.Seq,
		&e.ID,
		&payloadJSON,
		&e.Digest,
		&e.Attempts,
		&createdAt,
		&lastAttemptAt,
		&e.LastError,
		&errorKind,
		&nextAttemptAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Entry{}, err
		}
		return outbox.Entry{}, fmt.Errorf("scan entry: %w", err)
	}

	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	e.Payload = payload
	e.ErrorKind = outbox.FailureKind(errorKind)

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return outbox.Entry{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if e.LastAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
		return outbox.Entry{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if e.NextAttemptAt, err = parseNullTime(nextAttemptAt); err != nil {
		return outbox.Entry{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	return e, nil
}
