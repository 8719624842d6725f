package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kimhsiao/courier/internal/db"
	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/models"
)

const entryColumns = `id, source_id, payload, capture_timestamp, device_id, client_version,
	state, retry_count, last_attempt_at, created_at, last_error`

// SQLiteStore is a Store backed by the queue_entries table.
type SQLiteStore struct {
	db    *db.DB
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating and migrating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	d, err := db.Open(ctx, path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open queue database", err)
	}
	return NewSQLiteStore(d, opts...), nil
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(d *db.DB, opts ...Option) *SQLiteStore {
	o := newOptions(opts)
	return &SQLiteStore{db: d, nowFn: o.nowFn}
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, e *models.QueueEntry) (bool, error) {
	if err := validateEntry(e); err != nil {
		return false, err
	}

	state := e.State
	if state == "" {
		state = models.StatePending
	}
	createdAt := s.nowFn()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.SourceID, e.Payload, e.CaptureTimestamp.UnixMilli(), e.DeviceID, e.ClientVersion,
		string(state), e.RetryCount, nullTime(e.LastAttemptAt), createdAt.UnixNano(), nullString(e.LastError),
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "insert queue entry", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "insert queue entry", err)
	}
	if n == 0 {
		return false, nil
	}

	e.State = state
	e.CreatedAt = createdAt
	return true, nil
}

// ListPending implements Store.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries ORDER BY created_at, seq`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue entries", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan queue entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue entries", err)
	}
	return entries, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get queue entry", err)
	}
	return e, nil
}

// RecordFailure implements Store.
func (s *SQLiteStore) RecordFailure(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		s.nowFn().UnixNano(), message, id,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "record delivery failure", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete queue entry", err)
	}
	return nil
}

// PendingCount implements Store.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count queue entries", err)
	}
	return n, nil
}

// OldestPendingAge implements Store.
func (s *SQLiteStore) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) {
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM queue_entries`).Scan(&oldest); err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrDatabase, "read oldest queue entry", err)
	}
	if !oldest.Valid {
		return 0, false, nil
	}
	return s.nowFn().Sub(time.Unix(0, oldest.Int64)), true, nil
}

// EvictOlderThan implements Store.
func (s *SQLiteStore) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.nowFn().Add(-maxAge).UnixNano()

	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "evict queue entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "evict queue entries", err)
	}
	return int(n), nil
}

// RecoverFromCrash implements Store.
func (s *SQLiteStore) RecoverFromCrash(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = ? WHERE state <> ?`,
		string(models.StatePending), string(models.StatePending),
	)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "recover queue entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "recover queue entries", err)
	}
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(r rowScanner) (*models.QueueEntry, error) {
	var (
		e             models.QueueEntry
		state         string
		captured      int64
		created       int64
		lastAttemptAt sql.NullInt64
		lastError     sql.NullString
	)
	err := r.Scan(
		&e.ID, &e.SourceID, &e.Payload, &captured, &e.DeviceID, &e.ClientVersion,
		&state, &e.RetryCount, &lastAttemptAt, &created, &lastError,
	)
	if err != nil {
		return nil, err
	}

	e.State = models.EntryState(state)
	e.CaptureTimestamp = time.UnixMilli(captured)
	e.CreatedAt = time.Unix(0, created)
	if lastAttemptAt.Valid {
		t := time.Unix(0, lastAttemptAt.Int64)
		e.LastAttemptAt = &t
	}
	if lastError.Valid {
		msg := lastError.String
		e.LastError = &msg
	}
	return &e, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
