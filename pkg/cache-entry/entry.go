// Package cacheentry holds the stored representation of a cached response
// and the rules deciding whether it is still fresh.
package cacheentry

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one cached response. Entries are replaced wholesale, the only
// in-place change is rewinding Updated on soft invalidation.
type Entry struct {
	// Body, compressed if Gzip is set.
	Output []byte `msgpack:"output"`
	// Raw `Name: value` header lines in replay order.
	Headers []string `msgpack:"headers"`
	Status  int      `msgpack:"status"`
	Gzip    bool     `msgpack:"gzip"`
	// Unix timestamp of the last (re)generation.
	Updated int64 `msgpack:"updated"`

	CustomTTL   *int64            `msgpack:"custom_ttl,omitempty"`
	CustomGrace *int64            `msgpack:"custom_grace,omitempty"`
	Debug       map[string]string `msgpack:"debug,omitempty"`
}

// New creates an entry stamped with now.
func New(status int, headers []string, output []byte, now time.Time) Entry {
	return Entry{
		Output:  output,
		Headers: headers,
		Status:  status,
		Updated: now.Unix(),
	}
}

// ToStorage serializes the entry for the `data` field of its hash record.
// Absent optional fields are left out of the payload.
func (e Entry) ToStorage() ([]byte, error) {
	return msgpack.Marshal(e)
}

// FromStorage parses a payload written by ToStorage.
func FromStorage(b []byte) (Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("Malformed cache entry: %w", err)
	}
	if e.Status == 0 {
		return e, fmt.Errorf("Malformed cache entry: missing status")
	}
	return e, nil
}

// Int64 returns a pointer to v, for the optional entry fields.
func Int64(v int64) *int64 {
	return &v
}
