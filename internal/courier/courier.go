// Package courier is the entry point for capturing events and delivering
// them, at least once, to the ingestion endpoint.
//
// Events are written to a durable queue before Enqueue returns and are
// removed only after the endpoint acknowledges them, or when they exceed the
// retention period. Delivery happens on a single background worker.
package courier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/courier/internal/delivery"
	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/identity"
	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/models"
	"github.com/kimhsiao/courier/internal/queue"
	"github.com/kimhsiao/courier/internal/uuid"
)

// DefaultRetention is how long an undelivered event is kept.
const DefaultRetention = 7 * 24 * time.Hour

// Options configures a Courier.
type Options struct {
	// Store is the durable queue. The Courier closes it on Shutdown.
	Store queue.Store

	Sender      delivery.Sender
	Identity    identity.Provider
	Environment Environment
	Logger      *logging.Logger

	// Pacing is the minimum gap between attempts; see delivery.Config.
	Pacing time.Duration

	// Backoff overrides the delay after retryable failures.
	Backoff backoff.Strategy

	// DrainInterval triggers a drain periodically. Zero disables it.
	DrainInterval time.Duration

	// Retention is the age past which entries are evicted on startup. Zero
	// means DefaultRetention.
	Retention time.Duration

	// NewID generates event ids. Nil means random UUID v4.
	NewID uuid.Generator
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	PendingCount int `json:"pending_count"`

	// OldestPendingAgeSeconds is nil when the queue is empty.
	OldestPendingAgeSeconds *int64 `json:"oldest_pending_age_seconds"`
}

// breakerReporter is implemented by senders guarded by a circuit breaker.
type breakerReporter interface {
	BreakerState() string
}

// Courier accepts events and delivers them in the background.
type Courier struct {
	store  queue.Store
	sender delivery.Sender
	proc   *delivery.Processor
	env    Environment
	newID  uuid.Generator
	log    *logging.Logger

	cancel   context.CancelFunc
	group    *errgroup.Group
	closed   atomic.Bool
	shutdown sync.Once
	errShut  error
}

// New recovers entries left by a previous process, evicts expired ones,
// starts the delivery worker and triggers a first drain.
func New(ctx context.Context, opts Options) (*Courier, error) {
	if opts.Store == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "courier: store is required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Get()
	}
	log = log.Named("courier")

	proc, err := delivery.NewProcessor(delivery.Config{
		Store:    opts.Store,
		Sender:   opts.Sender,
		Identity: opts.Identity,
		Logger:   log,
		Pacing:   opts.Pacing,
		Backoff:  opts.Backoff,
	})
	if err != nil {
		return nil, err
	}

	recovered, err := opts.Store.RecoverFromCrash(ctx)
	if err != nil {
		return nil, err
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	evicted, err := opts.Store.EvictOlderThan(ctx, retention)
	if err != nil {
		return nil, err
	}
	if evicted > 0 {
		log.Warn("Evicted undelivered events past retention",
			zap.Int("count", evicted),
			zap.Duration("retention", retention))
	}

	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewRandom
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)

	c := &Courier{
		store:  opts.Store,
		sender: opts.Sender,
		proc:   proc,
		env:    opts.Environment,
		newID:  newID,
		log:    log,
		cancel: cancel,
		group:  group,
	}

	group.Go(func() error {
		return proc.Run(runCtx)
	})
	if opts.DrainInterval > 0 {
		group.Go(func() error {
			return c.tick(runCtx, opts.DrainInterval)
		})
	}

	log.Info("Courier started",
		zap.Int("recovered", recovered),
		zap.Int("evicted", evicted),
		zap.String("device_id", opts.Environment.DeviceID),
		zap.String("client_version", opts.Environment.ClientVersion))

	c.TriggerDrain()
	return c, nil
}

// Enqueue durably stores an event and requests a drain. It returns the
// generated event id once the event is persisted.
func (c *Courier) Enqueue(ctx context.Context, sourceID, payload string, capturedAt time.Time) (string, error) {
	if c.closed.Load() {
		return "", apperrors.New(apperrors.ErrShutdown, "courier is shut down")
	}

	id, err := c.newID()
	if err == nil {
		err = uuid.Validate(id)
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "generate event id", err)
	}

	e := &models.QueueEntry{
		ID:               models.UUID(id),
		SourceID:         sourceID,
		Payload:          payload,
		CaptureTimestamp: capturedAt,
		DeviceID:         c.env.DeviceID,
		ClientVersion:    c.env.ClientVersion,
		State:            models.StatePending,
	}

	inserted, err := c.store.Insert(ctx, e)
	if err != nil {
		c.log.Error("Failed to enqueue event", err, zap.String("source_id", sourceID))
		return "", err
	}
	if !inserted {
		c.log.Warn("Event id already queued", zap.String("id", id), zap.String("source_id", sourceID))
	}

	c.TriggerDrain()
	return id, nil
}

// TriggerDrain requests a drain pass; false means one is already running.
func (c *Courier) TriggerDrain() bool {
	if c.closed.Load() {
		return false
	}
	return c.proc.TriggerDrain()
}

// Stats returns the current queue depth and the age of its oldest entry.
func (c *Courier) Stats(ctx context.Context) (Stats, error) {
	n, err := c.store.PendingCount(ctx)
	if err != nil {
		return Stats{}, err
	}

	age, ok, err := c.store.OldestPendingAge(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{PendingCount: n}
	if ok {
		secs := int64(age / time.Second)
		if secs < 0 {
			secs = 0
		}
		s.OldestPendingAgeSeconds = &secs
	}
	return s, nil
}

// Counts returns the delivery attempt counters.
func (c *Courier) Counts() delivery.Counts {
	return c.proc.Counts()
}

// Draining reports whether a drain pass is requested or running.
func (c *Courier) Draining() bool {
	return c.proc.Draining()
}

// BreakerState returns the sender's circuit breaker state, or "" if the
// sender has no breaker.
func (c *Courier) BreakerState() string {
	if b, ok := c.sender.(breakerReporter); ok {
		return b.BreakerState()
	}
	return ""
}

// Entry returns a queued event for diagnosis.
func (c *Courier) Entry(ctx context.Context, id string) (*models.QueueEntry, error) {
	return c.store.Get(ctx, id)
}

// Shutdown stops the worker and closes the store. Queued events remain
// persisted for the next process. If ctx ends before the worker stops,
// ctx's error is returned and the store is closed once the worker exits.
func (c *Courier) Shutdown(ctx context.Context) error {
	c.shutdown.Do(func() {
		c.closed.Store(true)
		c.cancel()

		done := make(chan error, 1)
		go func() { done <- c.group.Wait() }()

		var err error
		select {
		case werr := <-done:
			if werr != nil && !errors.Is(werr, context.Canceled) {
				err = werr
			}
			err = multierr.Append(err, c.store.Close())
		case <-ctx.Done():
			err = ctx.Err()
			// The worker may still be recording an outcome.
			go func() {
				<-done
				if cerr := c.store.Close(); cerr != nil {
					c.log.Error("Failed to close queue store", cerr)
				}
			}()
		}

		if err != nil {
			c.log.Error("Courier shutdown incomplete", err)
		} else {
			c.log.Info("Courier stopped")
		}
		c.errShut = err
	})
	return c.errShut
}

func (c *Courier) tick(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.proc.TriggerDrain()
		}
	}
}
