package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/models"
)

var (
	// entriesBucketKey is the bucket that holds every entry.
	//
	// The keys are entry ids. The values are boltRecord values marshaled
	// with msgpack.
	entriesBucketKey = []byte("entries")

	// orderBucketKey is the bucket that indexes entries by creation time.
	//
	// The keys are the big-endian creation time in Unix nanoseconds followed
	// by the big-endian insertion sequence, so a cursor walks entries oldest
	// first and entries created in the same nanosecond keep insertion order.
	// The values are entry ids.
	orderBucketKey = []byte("order")
)

// boltRecord is the persisted form of an entry.
type boltRecord struct {
	Entry    models.QueueEntry `msgpack:"entry"`
	OrderKey []byte            `msgpack:"order_key"`
}

// BoltStore is a Store backed by a BoltDB file.
//
// A record that cannot be decoded is skipped by ListPending and
// RecoverFromCrash so it cannot hold up the rest of the queue. It stays
// counted until it is evicted for age.
type BoltStore struct {
	db    *bbolt.DB
	nowFn func() time.Time
	log   *logging.Logger
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (creating if needed) the BoltDB file at path. The file is
// locked for the lifetime of the store.
func OpenBolt(ctx context.Context, path string, opts ...Option) (*BoltStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "create data directory", err)
	}

	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < timeout {
			timeout = d
		}
	}

	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open queue database", err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucketKey); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(orderBucketKey)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "create queue buckets", err)
	}

	o := newOptions(opts)
	return &BoltStore{db: bdb, nowFn: o.nowFn, log: o.log}, nil
}

// Insert implements Store.
func (s *BoltStore) Insert(ctx context.Context, e *models.QueueEntry) (bool, error) {
	if err := validateEntry(e); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	rec := boltRecord{Entry: *e}
	if rec.Entry.State == "" {
		rec.Entry.State = models.StatePending
	}
	rec.Entry.CreatedAt = s.nowFn()

	inserted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, order := buckets(tx)
		if entries.Get([]byte(e.ID)) != nil {
			return nil
		}

		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		rec.OrderKey = orderKey(rec.Entry.CreatedAt, seq)

		if err := putRecord(entries, &rec); err != nil {
			return err
		}
		if err := order.Put(rec.OrderKey, []byte(e.ID)); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "insert queue entry", err)
	}

	if inserted {
		e.State = rec.Entry.State
		e.CreatedAt = rec.Entry.CreatedAt
	}
	return inserted, nil
}

// ListPending implements Store.
func (s *BoltStore) ListPending(ctx context.Context) ([]*models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []*models.QueueEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries, order := buckets(tx)
		c := order.Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			rec, err := getRecord(entries, id)
			if err != nil {
				s.skip(id, err)
				continue
			}
			if rec != nil {
				result = append(result, &rec.Entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue entries", err)
	}
	return result, nil
}

// Get implements Store.
func (s *BoltStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *boltRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries, _ := buckets(tx)
		var err error
		rec, err = getRecord(entries, []byte(id))
		return err
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get queue entry", err)
	}
	if rec == nil {
		return nil, notFound(id)
	}
	return &rec.Entry, nil
}

// RecordFailure implements Store.
func (s *BoltStore) RecordFailure(ctx context.Context, id, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.nowFn()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, _ := buckets(tx)
		rec, err := getRecord(entries, []byte(id))
		if err != nil || rec == nil {
			return err
		}

		rec.Entry.RetryCount++
		rec.Entry.LastAttemptAt = &now
		rec.Entry.LastError = &message
		return putRecord(entries, rec)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "record delivery failure", err)
	}
	return nil
}

// Delete implements Store.
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, order := buckets(tx)
		rec, err := getRecord(entries, []byte(id))
		if err != nil || rec == nil {
			return err
		}
		if err := order.Delete(rec.OrderKey); err != nil {
			return err
		}
		return entries.Delete([]byte(id))
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete queue entry", err)
	}
	return nil
}

// PendingCount implements Store.
func (s *BoltStore) PendingCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, order := buckets(tx)
		n = order.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count queue entries", err)
	}
	return n, nil
}

// OldestPendingAge implements Store.
func (s *BoltStore) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	var (
		oldest time.Time
		ok     bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, order := buckets(tx)
		if k, _ := order.Cursor().First(); k != nil {
			oldest, ok = orderKeyTime(k), true
		}
		return nil
	})
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrDatabase, "read oldest queue entry", err)
	}
	if !ok {
		return 0, false, nil
	}
	return s.nowFn().Sub(oldest), true, nil
}

// EvictOlderThan implements Store.
func (s *BoltStore) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Any key below the cutoff prefix was created before the cutoff.
	limit := orderKey(s.nowFn().Add(-maxAge), 0)

	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, order := buckets(tx)

		var keys, ids [][]byte
		c := order.Cursor()
		for k, id := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, id = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			ids = append(ids, append([]byte(nil), id...))
		}

		for i := range keys {
			if err := order.Delete(keys[i]); err != nil {
				return err
			}
			if err := entries.Delete(ids[i]); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "evict queue entries", err)
	}
	return n, nil
}

// RecoverFromCrash implements Store.
func (s *BoltStore) RecoverFromCrash(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, _ := buckets(tx)

		var stale []*boltRecord
		err := entries.ForEach(func(id, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				s.skip(id, err)
				return nil
			}
			if rec.Entry.State != models.StatePending {
				stale = append(stale, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, rec := range stale {
			rec.Entry.State = models.StatePending
			if err := putRecord(entries, rec); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "recover queue entries", err)
	}
	return n, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) skip(id []byte, err error) {
	s.log.Error("Skipping undecodable queue entry", err, zap.ByteString("id", id))
}

func buckets(tx *bbolt.Tx) (entries, order *bbolt.Bucket) {
	return tx.Bucket(entriesBucketKey), tx.Bucket(orderBucketKey)
}

func getRecord(entries *bbolt.Bucket, id []byte) (*boltRecord, error) {
	v := entries.Get(id)
	if v == nil {
		return nil, nil
	}
	return decodeRecord(v)
}

func decodeRecord(v []byte) (*boltRecord, error) {
	var rec boltRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func putRecord(entries *bbolt.Bucket, rec *boltRecord) error {
	v, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return entries.Put([]byte(rec.Entry.ID), v)
}

func orderKey(createdAt time.Time, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(createdAt.UnixNano()))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func orderKeyTime(k []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
}
