package queue

import (
	"bytes"
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Queue for tests and single-instance use.
type MemoryQueue struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	visible  []Message
	inflight map[string]*lease // message ID -> lease
	notify   chan struct{}     // closed and replaced on every send
}

type lease struct {
	msg      Message
	receipt  string
	deadline time.Time
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(cfg Config) (*MemoryQueue, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &MemoryQueue{
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]*lease),
		notify:   make(chan struct{}),
	}, nil
}

// Name implements Queue.
func (q *MemoryQueue) Name() string { return q.cfg.Name }

// Send implements Queue.
func (q *MemoryQueue) Send(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg = cloneMessage(msg)
	msg.EnqueuedAt = q.now().UTC()

	q.mu.Lock()
	q.visible = append(q.visible, msg)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
	return nil
}

// Receive implements Queue.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if _, err := q.RequeueExpired(ctx, q.now()); err != nil {
			return nil, err
		}

		q.mu.Lock()
		out := q.leaseLocked(max)
		notify := q.notify
		q.mu.Unlock()

		if len(out) > 0 || wait <= 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.receiveNow(max), nil
		case <-notify:
		case <-time.After(q.cfg.PollInterval):
			// Leases may have expired.
		}
	}
}

func (q *MemoryQueue) receiveNow(max int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.leaseLocked(max)
}

// leaseLocked must be called with mu held.
func (q *MemoryQueue) leaseLocked(max int) []Delivery {
	n := min(max, len(q.visible))
	if n == 0 {
		return nil
	}
	now := q.now()
	out := make([]Delivery, 0, n)
	for _, msg := range q.visible[:n] {
		msg.Attempts++
		l := &lease{msg: msg, receipt: uuid.NewString(), deadline: now.Add(q.cfg.Visibility)}
		q.inflight[msg.ID] = l
		out = append(out, Delivery{Message: cloneMessage(msg), Receipt: l.receipt, Deadline: l.deadline})
	}
	q.visible = q.visible[n:]
	return out
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.inflight[d.Message.ID]
	if !ok || l.receipt != d.Receipt {
		return ErrStaleReceipt
	}
	delete(q.inflight, d.Message.ID)
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(ctx context.Context, d Delivery, reason string) error {
	q.mu.Lock()
	l, ok := q.inflight[d.Message.ID]
	if !ok || l.receipt != d.Receipt {
		q.mu.Unlock()
		return ErrStaleReceipt
	}
	delete(q.inflight, d.Message.ID)
	q.mu.Unlock()

	return q.release(ctx, l.msg, reason)
}

// Release implements Queue.
func (q *MemoryQueue) Release(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.inflight[d.Message.ID]
	if !ok || l.receipt != d.Receipt {
		return ErrStaleReceipt
	}
	delete(q.inflight, d.Message.ID)
	msg := l.msg
	if msg.Attempts > 0 {
		msg.Attempts--
	}
	q.visible = append([]Message{msg}, q.visible...)
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// RequeueExpired implements Queue.
func (q *MemoryQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	var expired []Message
	for id, l := range q.inflight {
		if !l.deadline.After(now) {
			expired = append(expired, l.msg)
			delete(q.inflight, id)
		}
	}
	q.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].EnqueuedAt.Before(expired[j].EnqueuedAt) })
	for _, msg := range expired {
		if err := q.release(ctx, msg, expiredReason); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// release makes msg visible again or dead-letters it.
func (q *MemoryQueue) release(ctx context.Context, msg Message, reason string) error {
	if msg.Attempts >= q.cfg.MaxAttempts {
		dl := deadLetterFor(q.cfg.Name, msg, reason, q.now())
		if err := q.cfg.DeadLetters.Put(ctx, dl); err != nil {
			// Keep the message live rather than lose it.
			q.requeue(msg)
			return err
		}
		q.cfg.reportDeadLetter(ctx, dl)
		return nil
	}
	q.requeue(msg)
	return nil
}

func (q *MemoryQueue) requeue(msg Message) {
	q.mu.Lock()
	q.visible = append(q.visible, msg)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// Len implements Queue.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visible) + len(q.inflight), nil
}

// MemoryDeadLetters is an in-memory DeadLetters store.
type MemoryDeadLetters struct {
	retention time.Duration

	mu    sync.RWMutex
	items map[string]DeadLetter
}

// NewMemoryDeadLetters creates a store keeping entries for retention
// (DefaultRetention when <= 0).
func NewMemoryDeadLetters(retention time.Duration) *MemoryDeadLetters {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryDeadLetters{retention: retention, items: make(map[string]DeadLetter)}
}

// Put implements DeadLetters.
func (m *MemoryDeadLetters) Put(ctx context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.Message = cloneMessage(dl.Message)
	m.items[dl.Message.ID] = dl
	return nil
}

// List implements DeadLetters.
func (m *MemoryDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeadLetter, 0, len(m.items))
	for _, dl := range m.items {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeadLetteredAt.Equal(out[j].DeadLetteredAt) {
			return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt)
		}
		return out[i].Message.ID < out[j].Message.ID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Get implements DeadLetters.
func (m *MemoryDeadLetters) Get(ctx context.Context, id string) (DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dl, ok := m.items[id]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	return dl, nil
}

// Delete implements DeadLetters.
func (m *MemoryDeadLetters) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// Count implements DeadLetters.
func (m *MemoryDeadLetters) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// Purge implements DeadLetters.
func (m *MemoryDeadLetters) Purge(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.retention)
	n := 0
	for id, dl := range m.items {
		if dl.DeadLetteredAt.Before(cutoff) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

// Redrive implements DeadLetters.
func (m *MemoryDeadLetters) Redrive(ctx context.Context, id string, q Queue) error {
	return redrive(ctx, m, id, q)
}

func cloneMessage(m Message) Message {
	m.Body = bytes.Clone(m.Body)
	m.Attributes = maps.Clone(m.Attributes)
	return m
}

var (
	_ Queue       = (*MemoryQueue)(nil)
	_ DeadLetters = (*MemoryDeadLetters)(nil)
)
