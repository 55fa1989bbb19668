// Package eventstore is the append-only, partitioned event table and the
// key-value tables that share its change feed.
//
// Every mutation (append, put, delete, TTL reap) appends a Change in the
// same transaction, so stream consumers see writes in commit order. Stream
// consumers keep their reading position in the store through checkpoints.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

// Sentinel errors for table operations.
var (
	// ErrWriteConflict indicates an append whose sort key does not exceed the
	// last sort key of its partition.
	ErrWriteConflict = errors.New("write conflict: sort key not greater than partition head")

	// ErrNotFound indicates a missing item.
	ErrNotFound = errors.New("item not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("event store closed")
)

// Item is one row of a table. Event records are items whose SK is an
// encoded sort key (see SortKey).
type Item struct {
	PK        string          `json:"pk"`
	SK        string          `json:"sk"`
	Type      string          `json:"type,omitempty"`
	Lookup    string          `json:"lookup,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt,omitzero"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Expired reports whether the item's TTL has passed at now.
func (it Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Op is the kind of a change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpModify Op = "MODIFY"
	OpRemove Op = "REMOVE"
)

// Cause says who made a change.
type Cause string

const (
	CauseWrite Cause = "WRITE"
	CauseTTL   Cause = "TTL"
)

// Change is one entry of a table's mutation feed.
type Change struct {
	Seq      int64     `json:"seq"`
	Op       Op        `json:"op"`
	Cause    Cause     `json:"cause"`
	PK       string    `json:"pk"`
	SK       string    `json:"sk"`
	NewImage *Item     `json:"newImage,omitempty"`
	OldImage *Item     `json:"oldImage,omitempty"`
	At       time.Time `json:"at"`
}

// Image returns the new image, or the old one for removals.
func (c Change) Image() *Item {
	if c.NewImage != nil {
		return c.NewImage
	}
	return c.OldImage
}

// Range bounds a sort-key query. Both bounds are inclusive; zero is open.
type Range struct {
	From int64
	To   int64
}

// Contains reports whether sk lies within the range.
func (r Range) Contains(sk int64) bool {
	if r.From != 0 && sk < r.From {
		return false
	}
	if r.To != 0 && sk > r.To {
		return false
	}
	return true
}

// Table is the event store contract. Implementations must be safe for
// concurrent use.
type Table interface {
	// Append writes an event record. Returns ErrWriteConflict if rec.SK is not
	// strictly greater than every sort key already in rec.PK.
	Append(ctx context.Context, rec event.Record) error

	// QueryByEntity returns the records of pk within r in ascending sort-key
	// order. Calling again with From = last.SK+1 resumes the scan.
	QueryByEntity(ctx context.Context, pk string, r Range) ([]event.Record, error)

	// QueryByLookup returns records whose lookup key equals lookup, optionally
	// restricted to eventTypes, in ascending sort-key order.
	QueryByLookup(ctx context.Context, lookup string, eventTypes ...string) ([]event.Record, error)

	// Put inserts or replaces an item.
	Put(ctx context.Context, item Item) error

	// Get returns an item or ErrNotFound.
	Get(ctx context.Context, pk, sk string) (Item, error)

	// Delete removes an item. Deleting a missing item is a no-op.
	Delete(ctx context.Context, pk, sk string) error

	// Reap removes every item expired at now, emitting TTL removals.
	Reap(ctx context.Context, now time.Time) (int, error)

	// Changes returns up to limit changes with Seq > afterSeq, in order.
	Changes(ctx context.Context, afterSeq int64, limit int) ([]Change, error)

	// LoadCheckpoint returns the last saved sequence of consumer, or 0.
	LoadCheckpoint(ctx context.Context, consumer string) (int64, error)

	// SaveCheckpoint records consumer's reading position.
	SaveCheckpoint(ctx context.Context, consumer string, seq int64) error
}

// sortKeyWidth fits any non-negative int64 so encoded keys order lexically.
const sortKeyWidth = 19

// SortKey encodes a numeric sort key as a fixed-width string.
func SortKey(sk int64) string {
	return fmt.Sprintf("%0*d", sortKeyWidth, sk)
}

// ParseSortKey decodes a key produced by SortKey.
func ParseSortKey(s string) (int64, error) {
	if len(s) != sortKeyWidth {
		return 0, fmt.Errorf("sort key %q: want %d digits", s, sortKeyWidth)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sort key %q: %w", s, err)
	}
	return n, nil
}

// ItemFromRecord converts an event record to its stored form.
func ItemFromRecord(rec event.Record) Item {
	return Item{
		PK:        rec.PK,
		SK:        SortKey(rec.SK),
		Type:      rec.EventType,
		Lookup:    rec.Lookup,
		Data:      rec.Payload,
		ExpiresAt: rec.ExpiresAt,
		UpdatedAt: rec.CreatedAt,
	}
}

// RecordFromItem converts a stored item back to an event record. ok is false
// for items that were not written by Append.
func RecordFromItem(it Item) (event.Record, bool) {
	sk, err := ParseSortKey(it.SK)
	if err != nil || sk < 0 {
		return event.Record{}, false
	}
	return event.Record{
		PK:        it.PK,
		SK:        sk,
		EventType: it.Type,
		Lookup:    it.Lookup,
		Payload:   it.Data,
		ExpiresAt: it.ExpiresAt,
		CreatedAt: it.UpdatedAt,
	}, true
}

func validateRecord(rec event.Record) error {
	if rec.PK == "" {
		return fmt.Errorf("append: empty partition key")
	}
	if rec.SK <= 0 {
		return fmt.Errorf("append %s: sort key must be positive, got %d", rec.PK, rec.SK)
	}
	if rec.EventType == "" {
		return fmt.Errorf("append %s: empty event type", rec.PK)
	}
	return nil
}

func validateItem(it Item) error {
	if it.PK == "" || it.SK == "" {
		return fmt.Errorf("put: partition and sort key required (pk=%q sk=%q)", it.PK, it.SK)
	}
	return nil
}

func typeFilter(eventTypes []string) func(string) bool {
	if len(eventTypes) == 0 {
		return func(string) bool { return true }
	}
	allowed := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		allowed[t] = struct{}{}
	}
	return func(t string) bool {
		_, ok := allowed[t]
		return ok
	}
}
