// Package models provides data model definitions for courier.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntryState is the storage state of a queue entry.
type EntryState string

const (
	// StatePending is the only state written by the delivery processor.
	StatePending EntryState = "pending"

	// StateInFlight marks an entry claimed by an attempt that never
	// finished. It is normalized back to pending on startup.
	StateInFlight EntryState = "in_flight"
)

// QueueEntry is one captured event awaiting delivery.
//
// ID is the idempotency key both locally and at the ingestion endpoint.
// CreatedAt is assigned by the store on insert and defines FIFO order.
type QueueEntry struct {
	ID               UUID       `db:"id" json:"id" msgpack:"id"`
	SourceID         string     `db:"source_id" json:"source_id" msgpack:"source_id"`
	Payload          string     `db:"payload" json:"payload" msgpack:"payload"`
	CaptureTimestamp time.Time  `db:"capture_timestamp" json:"capture_timestamp" msgpack:"capture_timestamp"`
	DeviceID         string     `db:"device_id" json:"device_id" msgpack:"device_id"`
	ClientVersion    string     `db:"client_version" json:"client_version" msgpack:"client_version"`
	State            EntryState `db:"state" json:"state" msgpack:"state"`
	RetryCount       int        `db:"retry_count" json:"retry_count" msgpack:"retry_count"`
	LastAttemptAt    *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty" msgpack:"last_attempt_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at" msgpack:"created_at"`
	LastError        *string    `db:"last_error" json:"last_error,omitempty" msgpack:"last_error,omitempty"`
}
