// Package queue provides the durable store of events awaiting delivery.
//
// Entries are keyed by their client-generated id. A store never invents ids,
// never reorders entries, and only forgets an entry when it is deleted after
// delivery or evicted for age.
package queue

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/models"
)

// Store is a crash-safe table of pending events.
//
// Every method is an individually atomic operation and implementations are
// safe for concurrent use. Failures are returned as *errors.AppError values
// with code DATABASE_ERROR and mean the operation did not take effect.
type Store interface {
	// Insert durably persists e. It returns false, without error, if an
	// entry with the same id already exists. CreatedAt is assigned by the
	// store and written back to e when the entry is newly inserted.
	Insert(ctx context.Context, e *models.QueueEntry) (bool, error)

	// ListPending returns all entries, oldest CreatedAt first.
	ListPending(ctx context.Context) ([]*models.QueueEntry, error)

	// Get returns the entry with the given id, or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*models.QueueEntry, error)

	// RecordFailure increments the retry count and records the attempt time
	// and message. It is a no-op if the id is absent.
	RecordFailure(ctx context.Context, id, message string) error

	// Delete removes the entry. It is a no-op if the id is absent.
	Delete(ctx context.Context, id string) error

	// PendingCount returns the number of stored entries.
	PendingCount(ctx context.Context) (int, error)

	// OldestPendingAge returns the age of the oldest entry; ok is false when
	// the store is empty.
	OldestPendingAge(ctx context.Context) (age time.Duration, ok bool, err error)

	// EvictOlderThan deletes every entry created more than maxAge ago,
	// whatever its retry history, and returns how many were removed.
	EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error)

	// RecoverFromCrash returns entries left in a transient state by a
	// previous process to the pending state.
	RecoverFromCrash(ctx context.Context) (int, error)

	// Close releases the underlying database.
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	nowFn func() time.Time
	log   *logging.Logger
}

// WithNowFunc sets the clock used for CreatedAt, attempt times and ages.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.nowFn = now
		}
	}
}

// WithLogger sets the logger used to report records the store skips.
func WithLogger(log *logging.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func newOptions(opts []Option) options {
	o := options{nowFn: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Get()
	}
	o.log = o.log.Named("queue")
	return o
}

func validateEntry(e *models.QueueEntry) error {
	if e == nil {
		return apperrors.New(apperrors.ErrInvalid, "entry is nil")
	}
	if e.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entry id is empty")
	}
	return nil
}

func notFound(id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "queue entry %s not found", id)
}
