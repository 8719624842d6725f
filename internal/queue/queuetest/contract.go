// Package queuetest provides a behavioral test suite shared by every
// queue.Store implementation.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/models"
	"github.com/kimhsiao/courier/internal/queue"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// OpenFunc opens the store persisted in dir. Opening the same dir twice
// (after Close) must yield the same data.
type OpenFunc func(t *testing.T, dir string, opts ...queue.Option) queue.Store

// Entry builds a pending entry with deterministic fields derived from id.
func Entry(id string) *models.QueueEntry {
	return &models.QueueEntry{
		ID:               models.UUID(id),
		SourceID:         "source-" + id,
		Payload:          `{"id":"` + id + `"}`,
		CaptureTimestamp: time.Unix(1700000000, 123000000),
		DeviceID:         "device-1",
		ClientVersion:    "1.2.3",
	}
}

// Run executes the store contract against open.
func Run(t *testing.T, open OpenFunc) {
	start := time.Unix(1710000000, 0)

	setup := func(t *testing.T) (queue.Store, *Clock, string) {
		t.Helper()
		dir := t.TempDir()
		clock := NewClock(start)
		s := open(t, dir, queue.WithNowFunc(clock.Now))
		t.Cleanup(func() { s.Close() })
		return s, clock, dir
	}

	ctx := context.Background()

	t.Run("insert persists every field", func(t *testing.T) {
		s, clock, _ := setup(t)

		e := Entry("a")
		inserted, err := s.Insert(ctx, e)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.True(t, e.CreatedAt.Equal(clock.Now()))
		assert.Equal(t, models.StatePending, e.State)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, e.SourceID, got.SourceID)
		assert.Equal(t, e.Payload, got.Payload)
		assert.Equal(t, e.DeviceID, got.DeviceID)
		assert.Equal(t, e.ClientVersion, got.ClientVersion)
		assert.True(t, e.CaptureTimestamp.Equal(got.CaptureTimestamp))
		assert.True(t, clock.Now().Equal(got.CreatedAt))
		assert.Equal(t, models.StatePending, got.State)
		assert.Zero(t, got.RetryCount)
		assert.Nil(t, got.LastAttemptAt)
		assert.Nil(t, got.LastError)
	})

	t.Run("capture times keep their value across the whole time range", func(t *testing.T) {
		s, _, _ := setup(t)

		times := map[string]time.Time{
			"zero":   {},
			"future": time.Date(2300, time.January, 1, 0, 0, 0, 0, time.UTC),
			"past":   time.Date(1600, time.June, 15, 12, 30, 0, 250000000, time.UTC),
		}
		for id, ts := range times {
			e := Entry(id)
			e.CaptureTimestamp = ts
			_, err := s.Insert(ctx, e)
			require.NoError(t, err)
		}

		for id, ts := range times {
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, ts.Equal(got.CaptureTimestamp), "%s: got %s", id, got.CaptureTimestamp)
		}
	})

	t.Run("duplicate id is ignored", func(t *testing.T) {
		s, _, _ := setup(t)

		_, err := s.Insert(ctx, Entry("a"))
		require.NoError(t, err)

		dup := Entry("a")
		dup.Payload = `{"changed":true}`
		inserted, err := s.Insert(ctx, dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, `{"id":"a"}`, got.Payload)

		n, err := s.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("insert rejects entries without an id", func(t *testing.T) {
		s, _, _ := setup(t)

		_, err := s.Insert(ctx, Entry(""))
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

		_, err = s.Insert(ctx, nil)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	})

	t.Run("list is ordered by creation time", func(t *testing.T) {
		s, clock, _ := setup(t)

		for _, id := range []string{"c", "a", "b"} {
			_, err := s.Insert(ctx, Entry(id))
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}

		assert.Equal(t, []string{"c", "a", "b"}, ids(t, s))
	})

	t.Run("entries created at the same instant keep insertion order", func(t *testing.T) {
		s, _, _ := setup(t)

		want := []string{"z", "y", "x", "w"}
		for _, id := range want {
			_, err := s.Insert(ctx, Entry(id))
			require.NoError(t, err)
		}

		assert.Equal(t, want, ids(t, s))
	})

	t.Run("returned entries are copies", func(t *testing.T) {
		s, _, _ := setup(t)

		_, err := s.Insert(ctx, Entry("a"))
		require.NoError(t, err)

		list, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		list[0].Payload = "mutated"
		list[0].RetryCount = 99

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, `{"id":"a"}`, got.Payload)
		assert.Zero(t, got.RetryCount)
	})

	t.Run("get reports missing entries", func(t *testing.T) {
		s, _, _ := setup(t)

		_, err := s.Get(ctx, "missing")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("record failure updates retry metadata", func(t *testing.T) {
		s, clock, _ := setup(t)

		_, err := s.Insert(ctx, Entry("a"))
		require.NoError(t, err)

		clock.Advance(time.Second)
		require.NoError(t, s.RecordFailure(ctx, "a", "first"))
		clock.Advance(time.Second)
		require.NoError(t, s.RecordFailure(ctx, "a", "second"))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, got.RetryCount)
		require.NotNil(t, got.LastAttemptAt)
		assert.True(t, clock.Now().Equal(*got.LastAttemptAt))
		require.NotNil(t, got.LastError)
		assert.Equal(t, "second", *got.LastError)
		assert.Equal(t, models.StatePending, got.State)
	})

	t.Run("record failure and delete ignore unknown ids", func(t *testing.T) {
		s, _, _ := setup(t)

		assert.NoError(t, s.RecordFailure(ctx, "missing", "boom"))
		assert.NoError(t, s.Delete(ctx, "missing"))

		n, err := s.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete removes the entry", func(t *testing.T) {
		s, _, _ := setup(t)

		for _, id := range []string{"a", "b"} {
			_, err := s.Insert(ctx, Entry(id))
			require.NoError(t, err)
		}
		require.NoError(t, s.Delete(ctx, "a"))

		assert.Equal(t, []string{"b"}, ids(t, s))

		// A deleted id may be enqueued again.
		inserted, err := s.Insert(ctx, Entry("a"))
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("count and oldest age", func(t *testing.T) {
		s, clock, _ := setup(t)

		n, err := s.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, ok, err := s.OldestPendingAge(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Insert(ctx, Entry("a"))
		require.NoError(t, err)
		clock.Advance(10 * time.Second)
		_, err = s.Insert(ctx, Entry("b"))
		require.NoError(t, err)
		clock.Advance(5 * time.Second)

		n, err = s.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		age, ok, err := s.OldestPendingAge(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 15*time.Second, age)
	})

	t.Run("eviction removes old entries regardless of retries", func(t *testing.T) {
		s, clock, _ := setup(t)

		_, err := s.Insert(ctx, Entry("old"))
		require.NoError(t, err)
		require.NoError(t, s.RecordFailure(ctx, "old", "boom"))

		clock.Advance(2 * 24 * time.Hour)
		_, err = s.Insert(ctx, Entry("young"))
		require.NoError(t, err)

		clock.Advance(6 * 24 * time.Hour)

		n, err := s.EvictOlderThan(ctx, 7*24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"young"}, ids(t, s))

		n, err = s.EvictOlderThan(ctx, 7*24*time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("recover from crash resets transient states", func(t *testing.T) {
		s, _, _ := setup(t)

		stuck := Entry("stuck")
		stuck.State = models.StateInFlight
		_, err := s.Insert(ctx, stuck)
		require.NoError(t, err)
		_, err = s.Insert(ctx, Entry("fine"))
		require.NoError(t, err)

		n, err := s.RecoverFromCrash(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.Get(ctx, "stuck")
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, got.State)

		n, err = s.RecoverFromCrash(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("entries survive reopen", func(t *testing.T) {
		s, clock, dir := setup(t)

		for _, id := range []string{"a", "b", "c"} {
			_, err := s.Insert(ctx, Entry(id))
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}
		require.NoError(t, s.RecordFailure(ctx, "b", "boom"))
		require.NoError(t, s.Delete(ctx, "c"))
		require.NoError(t, s.Close())

		reopened := open(t, dir, queue.WithNowFunc(clock.Now))
		defer reopened.Close()

		assert.Equal(t, []string{"a", "b"}, ids(t, reopened))

		got, err := reopened.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("concurrent inserts are all stored", func(t *testing.T) {
		s, _, _ := setup(t)

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Insert(ctx, Entry(fmt.Sprintf("e-%02d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		count, err := s.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, n, count)
	})

	t.Run("cancelled context is rejected", func(t *testing.T) {
		s, _, _ := setup(t)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := s.Insert(cctx, Entry("a"))
		assert.Error(t, err)

		n, err := s.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func ids(t *testing.T, s queue.Store) []string {
	t.Helper()

	list, err := s.ListPending(context.Background())
	require.NoError(t, err)

	result := []string{}
	for _, e := range list {
		result = append(result, e.ID.String())
	}
	return result
}
