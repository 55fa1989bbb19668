package eventstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

// MemoryTable is an in-memory table for tests and single-process use.
// Data is lost when the process exits.
type MemoryTable struct {
	mu          sync.RWMutex
	partitions  map[string]map[string]Item // pk -> sk -> item
	changes     []Change
	seq         int64
	checkpoints map[string]int64
	now         func() time.Time
}

// NewMemoryTable creates an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		partitions:  make(map[string]map[string]Item),
		checkpoints: make(map[string]int64),
		now:         time.Now,
	}
}

// Append implements Table.
func (m *MemoryTable) Append(ctx context.Context, rec event.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	item := ItemFromRecord(rec)

	m.mu.Lock()
	defer m.mu.Unlock()

	for sk := range m.partitions[rec.PK] {
		if sk >= item.SK {
			return ErrWriteConflict
		}
	}
	m.store(item)
	m.record(Change{Op: OpInsert, Cause: CauseWrite, PK: item.PK, SK: item.SK, NewImage: cloneItem(&item)})
	return nil
}

// QueryByEntity implements Table.
func (m *MemoryTable) QueryByEntity(ctx context.Context, pk string, r Range) ([]event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []event.Record
	for _, it := range m.partitions[pk] {
		rec, ok := RecordFromItem(it)
		if !ok || !r.Contains(rec.SK) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// QueryByLookup implements Table.
func (m *MemoryTable) QueryByLookup(ctx context.Context, lookup string, eventTypes ...string) ([]event.Record, error) {
	keep := typeFilter(eventTypes)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []event.Record
	for _, part := range m.partitions {
		for _, it := range part {
			if it.Lookup != lookup || !keep(it.Type) {
				continue
			}
			if rec, ok := RecordFromItem(it); ok {
				out = append(out, rec)
			}
		}
	}
	sortRecords(out)
	return out, nil
}

// Put implements Table.
func (m *MemoryTable) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := Change{Op: OpInsert, Cause: CauseWrite, PK: item.PK, SK: item.SK, NewImage: cloneItem(&item)}
	if old, ok := m.partitions[item.PK][item.SK]; ok {
		c.Op = OpModify
		c.OldImage = cloneItem(&old)
	}
	m.store(item)
	m.record(c)
	return nil
}

// Get implements Table.
func (m *MemoryTable) Get(ctx context.Context, pk, sk string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.partitions[pk][sk]
	if !ok {
		return Item{}, ErrNotFound
	}
	return *cloneItem(&it), nil
}

// Delete implements Table.
func (m *MemoryTable) Delete(ctx context.Context, pk, sk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(pk, sk, CauseWrite)
	return nil
}

// Reap implements Table.
func (m *MemoryTable) Reap(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Item
	for _, part := range m.partitions {
		for _, it := range part {
			if it.Expired(now) {
				expired = append(expired, it)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].PK != expired[j].PK {
			return expired[i].PK < expired[j].PK
		}
		return expired[i].SK < expired[j].SK
	})
	for _, it := range expired {
		m.remove(it.PK, it.SK, CauseTTL)
	}
	return len(expired), nil
}

// Changes implements Table.
func (m *MemoryTable) Changes(ctx context.Context, afterSeq int64, limit int) ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// changes[i].Seq == i+1
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(m.changes) {
		return nil, nil
	}
	end := len(m.changes)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Change, end-start)
	copy(out, m.changes[start:end])
	return out, nil
}

// LoadCheckpoint implements Table.
func (m *MemoryTable) LoadCheckpoint(ctx context.Context, consumer string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[consumer], nil
}

// SaveCheckpoint implements Table.
func (m *MemoryTable) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[consumer] = seq
	return nil
}

// store and record must be called with mu held.
func (m *MemoryTable) store(it Item) {
	part := m.partitions[it.PK]
	if part == nil {
		part = make(map[string]Item)
		m.partitions[it.PK] = part
	}
	it.Data = bytes.Clone(it.Data)
	part[it.SK] = it
}

func (m *MemoryTable) record(c Change) {
	m.seq++
	c.Seq = m.seq
	c.At = m.now().UTC()
	m.changes = append(m.changes, c)
}

func (m *MemoryTable) remove(pk, sk string, cause Cause) {
	old, ok := m.partitions[pk][sk]
	if !ok {
		return
	}
	delete(m.partitions[pk], sk)
	if len(m.partitions[pk]) == 0 {
		delete(m.partitions, pk)
	}
	m.record(Change{Op: OpRemove, Cause: cause, PK: pk, SK: sk, OldImage: cloneItem(&old)})
}

func cloneItem(it *Item) *Item {
	c := *it
	c.Data = bytes.Clone(it.Data)
	return &c
}

func sortRecords(recs []event.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].SK != recs[j].SK {
			return recs[i].SK < recs[j].SK
		}
		return recs[i].PK < recs[j].PK
	})
}

var _ Table = (*MemoryTable)(nil)
