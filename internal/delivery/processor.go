// Package delivery drains the durable queue to the ingestion endpoint.
//
// A Processor owns one worker goroutine. Triggers are coalesced by a
// single-flight flag: while a drain pass is in progress further triggers are
// no-ops, and the pass itself re-reads the queue so entries enqueued
// mid-pass are still attempted.
package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/identity"
	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/models"
	"github.com/kimhsiao/courier/internal/queue"
)

// DefaultPacing is the minimum gap between two network attempts.
const DefaultPacing = 200 * time.Millisecond

// Config holds the collaborators and tuning of a Processor.
type Config struct {
	Store    queue.Store
	Sender   Sender
	Identity identity.Provider
	Logger   *logging.Logger

	// Pacing is the minimum gap between attempts. Negative disables pacing;
	// zero means DefaultPacing.
	Pacing time.Duration

	// Backoff is the delay after a retryable failure. Nil means
	// DefaultBackoff.
	Backoff backoff.Strategy
}

// Counts is a snapshot of attempt counters.
type Counts struct {
	Success          uint64
	Duplicate        uint64
	Retry            uint64
	PermanentFailure uint64

	// Passes is the number of completed drain passes.
	Passes uint64
}

// Processor delivers queued entries one at a time, oldest first.
type Processor struct {
	store    queue.Store
	sender   Sender
	identity identity.Provider
	log      *logging.Logger
	limiter  *rate.Limiter
	backoff  backoff.Strategy

	draining atomic.Bool
	wake     chan struct{}

	outcomes [PermanentFailure + 1]atomic.Uint64
	passes   atomic.Uint64
}

// NewProcessor returns a processor. Run must be called for it to do work.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "delivery: store is required")
	}
	if cfg.Sender == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "delivery: sender is required")
	}
	if cfg.Identity == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "delivery: identity provider is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Get()
	}

	limit := rate.Inf
	switch {
	case cfg.Pacing == 0:
		limit = rate.Every(DefaultPacing)
	case cfg.Pacing > 0:
		limit = rate.Every(cfg.Pacing)
	}

	strategy := cfg.Backoff
	if strategy == nil {
		strategy = DefaultBackoff
	}

	return &Processor{
		store:    cfg.Store,
		sender:   cfg.Sender,
		identity: cfg.Identity,
		log:      log.Named("delivery"),
		limiter:  rate.NewLimiter(limit, 1),
		backoff:  strategy,
		wake:     make(chan struct{}, 1),
	}, nil
}

// TriggerDrain requests a drain pass. It returns false, doing nothing, if a
// pass is already requested or in progress. It never blocks.
func (p *Processor) TriggerDrain() bool {
	if !p.draining.CompareAndSwap(false, true) {
		return false
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Draining reports whether a pass is requested or in progress.
func (p *Processor) Draining() bool {
	return p.draining.Load()
}

// Counts returns the attempt counters.
func (p *Processor) Counts() Counts {
	return Counts{
		Success:          p.outcomes[Success].Load(),
		Duplicate:        p.outcomes[Duplicate].Load(),
		Retry:            p.outcomes[Retry].Load(),
		PermanentFailure: p.outcomes[PermanentFailure].Load(),
		Passes:           p.passes.Load(),
	}
}

// Run performs drain passes as they are triggered until ctx is canceled.
// It always returns a non-nil error.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.drain(ctx)
		}
	}
}

func (p *Processor) drain(ctx context.Context) {
	attempted, err := p.pass(ctx)
	p.passes.Add(1)
	p.draining.Store(false)

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		// Not re-triggered: the next enqueue or periodic trigger retries.
		p.log.Error("Failed to list pending entries", err)
		return
	}

	// An entry enqueued between the pass's last read and the flag being
	// cleared had its trigger ignored. Entries this pass already attempted
	// are left for the next trigger.
	entries, err := p.store.ListPending(ctx)
	if err != nil {
		p.log.Error("Failed to list pending entries", err)
		return
	}
	for _, e := range entries {
		if _, ok := attempted[e.ID]; !ok {
			p.TriggerDrain()
			return
		}
	}
}

// pass attempts every pending entry at most once and returns the ids it
// attempted. A non-nil error means the queue could not be read or ctx was
// canceled.
func (p *Processor) pass(ctx context.Context) (map[models.UUID]struct{}, error) {
	attempted := map[models.UUID]struct{}{}
	failed := 0

	for {
		entries, err := p.store.ListPending(ctx)
		if err != nil {
			return attempted, err
		}

		progressed := false
		for _, e := range entries {
			if _, ok := attempted[e.ID]; ok {
				continue
			}
			attempted[e.ID] = struct{}{}
			progressed = true

			outcome, err := p.attempt(ctx, e)
			if err != nil {
				return attempted, err
			}
			if !outcome.Delivered() {
				failed++
			}
		}

		if !progressed {
			p.log.Debug("Drain pass complete",
				zap.Int("attempted", len(attempted)),
				zap.Int("failed", failed))
			return attempted, nil
		}
	}
}

// attempt delivers e once. A non-nil error means ctx was canceled; if that
// happened before the outcome was known the store is left untouched.
func (p *Processor) attempt(ctx context.Context, e *models.QueueEntry) (Outcome, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	res := p.deliver(ctx, e)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Once the outcome is known it is recorded even if shutdown begins now.
	mctx := context.WithoutCancel(ctx)

	p.outcomes[res.Outcome].Add(1)
	log := p.log.With(
		zap.String("id", e.ID.String()),
		zap.String("source_id", e.SourceID),
		zap.Stringer("outcome", res.Outcome),
	)

	if res.Outcome.Delivered() {
		if err := p.store.Delete(mctx, e.ID.String()); err != nil {
			log.Error("Failed to delete delivered entry", err)
		} else {
			log.Debug("Delivered entry")
		}
		return res.Outcome, nil
	}

	if err := p.store.RecordFailure(mctx, e.ID.String(), res.Message()); err != nil {
		log.Error("Failed to record delivery failure", err)
	}

	if res.Outcome == PermanentFailure {
		log.ErrorWithCode("Entry cannot be delivered", string(res.Code()), res.Err,
			zap.Int("retry_count", e.RetryCount+1))
		return res.Outcome, nil
	}

	delay := p.backoff(res.Err, uint(max(e.RetryCount, 0)))
	log.Warn("Delivery failed, backing off",
		zap.String("code", string(res.Code())),
		zap.Int("retry_count", e.RetryCount+1),
		zap.Duration("delay", delay),
		zap.Error(res.Err))

	if err := linger.Sleep(ctx, delay); err != nil {
		return res.Outcome, err
	}
	return res.Outcome, nil
}

func (p *Processor) deliver(ctx context.Context, e *models.QueueEntry) Result {
	token, err := p.identity.Token(ctx)
	if err != nil {
		return ClassifyToken(err, identity.IsUnauthenticated(err))
	}

	resp, err := p.sender.Send(ctx, token, NewRequest(e))
	if err != nil {
		return ClassifyTransport(err)
	}
	return Classify(resp.StatusCode, resp.Body)
}
