package models

import (
	"encoding/json"
	"time"
)

// Entry is the envelope persisted for every cached value. Its JSON form is
// {"value": ..., "timestamp": <unix ms>, "ttl": <ms>|null}.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	TTL       *int64          `json:"ttl"`
}

// NewEntry creates a new Entry stored at storedAt. A negative ttl means the
// entry never expires.
func NewEntry(value []byte, storedAt time.Time, ttl time.Duration) *Entry {
	entry := &Entry{
		Value:     value,
		Timestamp: storedAt.UnixMilli(),
	}
	if ttl >= 0 {
		ms := ttl.Milliseconds()
		entry.TTL = &ms
	}
	return entry
}

// StoredAt returns the write time of the entry.
func (e *Entry) StoredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Lifetime returns the entry's ttl and whether one is set.
func (e *Entry) Lifetime() (time.Duration, bool) {
	if e.TTL == nil {
		return 0, false
	}
	return time.Duration(*e.TTL) * time.Millisecond, true
}

// Valid reports whether the entry carries a value. Entries decoded from data
// without one are corrupted.
func (e *Entry) Valid() bool {
	return e != nil && len(e.Value) > 0
}

// IsExpired reports whether the entry is expired at now. A zero timestamp is
// the Unix epoch, not a missing one.
func (e *Entry) IsExpired(now time.Time) bool {
	if e == nil {
		return true
	}
	if e.TTL == nil {
		return false
	}
	return now.UnixMilli()-e.Timestamp > *e.TTL
}
