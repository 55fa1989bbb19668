package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries when a watched key changes.
const maxTxRetries = 10

// RedisQueue is a Queue backed by Redis. Every state transition is a single
// MULTI/EXEC transaction guarded by WATCH, so concurrent workers in any
// number of processes never lease the same message twice.
//
// Keys (prefix orderstream:queue:<name>):
//
//	:msgs     hash  id -> message JSON
//	:ready    list  visible message ids, FIFO
//	:inflight zset  id -> lease deadline (unix ms)
//	:receipt:<id>   current receipt of a leased message
type RedisQueue struct {
	client redis.UniversalClient
	cfg    Config
	keys   queueKeys
	now    func() time.Time
}

type queueKeys struct {
	msgs, ready, inflight, receiptPrefix string
}

func (k queueKeys) receipt(id string) string { return k.receiptPrefix + id }

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client redis.UniversalClient, cfg Config) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis queue requires a client")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	prefix := "orderstream:queue:" + cfg.Name
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		keys: queueKeys{
			msgs:          prefix + ":msgs",
			ready:         prefix + ":ready",
			inflight:      prefix + ":inflight",
			receiptPrefix: prefix + ":receipt:",
		},
		now: time.Now,
	}, nil
}

// Name implements Queue.
func (q *RedisQueue) Name() string { return q.cfg.Name }

// Send implements Queue.
func (q *RedisQueue) Send(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.EnqueuedAt = q.now().UTC()
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	if _, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keys.msgs, msg.ID, raw)
		p.RPush(ctx, q.keys.ready, msg.ID)
		return nil
	}); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.ID, q.cfg.Name, err)
	}
	return nil
}

// Receive implements Queue.
func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		if _, err := q.RequeueExpired(ctx, q.now()); err != nil {
			return nil, err
		}

		var out []Delivery
		for len(out) < max {
			d, ok, err := q.leaseOne(ctx)
			if err != nil {
				return out, err
			}
			if !ok {
				break
			}
			out = append(out, d)
		}
		if len(out) > 0 || !time.Now().Before(deadline) {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(q.cfg.PollInterval, time.Until(deadline))):
		}
	}
}

func (q *RedisQueue) leaseOne(ctx context.Context) (Delivery, bool, error) {
	for range maxTxRetries {
		var (
			d   Delivery
			got bool
		)
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			id, err := tx.LIndex(ctx, q.keys.ready, 0).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("peek ready: %w", err)
			}

			msg, err := q.load(ctx, tx, id)
			if err != nil {
				return err
			}
			msg.Attempts++
			raw, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode message %s: %w", id, err)
			}
			receipt := uuid.NewString()
			until := q.now().Add(q.cfg.Visibility)

			if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LPop(ctx, q.keys.ready)
				p.HSet(ctx, q.keys.msgs, id, raw)
				p.ZAdd(ctx, q.keys.inflight, redis.Z{Score: float64(until.UnixMilli()), Member: id})
				p.Set(ctx, q.keys.receipt(id), receipt, 0)
				return nil
			}); err != nil {
				return err
			}
			d = Delivery{Message: msg, Receipt: receipt, Deadline: until}
			got = true
			return nil
		}, q.keys.ready)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Delivery{}, false, fmt.Errorf("lease from %s: %w", q.cfg.Name, err)
		}
		return d, got, nil
	}
	// Contended; the caller polls again.
	return Delivery{}, false, nil
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.withRetry(func() error {
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			if err := q.checkReceipt(ctx, tx, d.Message.ID, d.Receipt); err != nil {
				return err
			}
			_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.ZRem(ctx, q.keys.inflight, d.Message.ID)
				p.Del(ctx, q.keys.receipt(d.Message.ID))
				p.HDel(ctx, q.keys.msgs, d.Message.ID)
				return nil
			})
			return err
		}, q.keys.receipt(d.Message.ID))
	})
}

// Nack implements Queue.
func (q *RedisQueue) Nack(ctx context.Context, d Delivery, reason string) error {
	return q.withRetry(func() error {
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			if err := q.checkReceipt(ctx, tx, d.Message.ID, d.Receipt); err != nil {
				return err
			}
			return q.release(ctx, tx, d.Message.ID, reason)
		}, q.keys.receipt(d.Message.ID))
	})
}

// Release implements Queue.
func (q *RedisQueue) Release(ctx context.Context, d Delivery) error {
	id := d.Message.ID
	return q.withRetry(func() error {
		return q.client.Watch(ctx, func(tx *redis.Tx) error {
			if err := q.checkReceipt(ctx, tx, id, d.Receipt); err != nil {
				return err
			}
			msg, err := q.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if msg.Attempts > 0 {
				msg.Attempts--
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode message %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, q.keys.msgs, id, raw)
				p.ZRem(ctx, q.keys.inflight, id)
				p.Del(ctx, q.keys.receipt(id))
				p.LPush(ctx, q.keys.ready, id)
				return nil
			})
			return err
		}, q.keys.receipt(id))
	})
}

// RequeueExpired implements Queue.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.keys.inflight, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	n := 0
	for _, id := range ids {
		released := false
		err := q.withRetry(func() error {
			return q.client.Watch(ctx, func(tx *redis.Tx) error {
				score, err := tx.ZScore(ctx, q.keys.inflight, id).Result()
				if errors.Is(err, redis.Nil) {
					return nil // settled meanwhile
				}
				if err != nil {
					return err
				}
				if int64(score) > now.UnixMilli() {
					return nil // re-leased meanwhile
				}
				if err := q.release(ctx, tx, id, expiredReason); err != nil {
					return err
				}
				released = true
				return nil
			}, q.keys.receipt(id))
		})
		if err != nil {
			return n, err
		}
		if released {
			n++
		}
	}
	return n, nil
}

// release makes a leased message visible again or dead-letters it. It runs
// inside a WATCH callback.
func (q *RedisQueue) release(ctx context.Context, tx *redis.Tx, id, reason string) error {
	msg, err := q.load(ctx, tx, id)
	if err != nil {
		return err
	}

	if msg.Attempts < q.cfg.MaxAttempts {
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, q.keys.inflight, id)
			p.Del(ctx, q.keys.receipt(id))
			p.RPush(ctx, q.keys.ready, id)
			return nil
		})
		return err
	}

	dl := deadLetterFor(q.cfg.Name, msg, reason, q.now())
	local, sameStore := q.cfg.DeadLetters.(*RedisDeadLetters)
	if !sameStore {
		// Foreign store: write it first so a failure leaves the message live.
		if err := q.cfg.DeadLetters.Put(ctx, dl); err != nil {
			return fmt.Errorf("dead-letter %s: %w", id, err)
		}
	}
	if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.inflight, id)
		p.Del(ctx, q.keys.receipt(id))
		p.HDel(ctx, q.keys.msgs, id)
		if sameStore {
			return local.put(ctx, p, dl)
		}
		return nil
	}); err != nil {
		return err
	}
	q.cfg.reportDeadLetter(ctx, dl)
	return nil
}

func (q *RedisQueue) checkReceipt(ctx context.Context, tx *redis.Tx, id, receipt string) error {
	cur, err := tx.Get(ctx, q.keys.receipt(id)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && cur != receipt) {
		return ErrStaleReceipt
	}
	return err
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (q *RedisQueue) load(ctx context.Context, c hashGetter, id string) (Message, error) {
	raw, err := c.HGet(ctx, q.keys.msgs, id).Bytes()
	if err != nil {
		return Message{}, fmt.Errorf("load message %s: %w", id, err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, nil
}

func (q *RedisQueue) withRetry(fn func() error) error {
	var err error
	for range maxTxRetries {
		err = fn()
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("queue %s: %w", q.cfg.Name, err)
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	var ready *redis.IntCmd
	var inflight *redis.IntCmd
	if _, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.keys.ready)
		inflight = p.ZCard(ctx, q.keys.inflight)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(ready.Val() + inflight.Val()), nil
}

// RedisDeadLetters is a DeadLetters store backed by Redis.
//
// Keys (prefix orderstream:dlq:<name>):
//
//	:items hash id -> dead letter JSON
//	:index zset id -> dead-lettered time (unix ms)
type RedisDeadLetters struct {
	client    redis.UniversalClient
	retention time.Duration
	items     string
	index     string
}

// NewRedisDeadLetters creates a store named name on client.
func NewRedisDeadLetters(client redis.UniversalClient, name string, retention time.Duration) *RedisDeadLetters {
	if retention <= 0 {
		retention = DefaultRetention
	}
	prefix := "orderstream:dlq:" + name
	return &RedisDeadLetters{
		client:    client,
		retention: retention,
		items:     prefix + ":items",
		index:     prefix + ":index",
	}
}

// Put implements DeadLetters.
func (r *RedisDeadLetters) Put(ctx context.Context, dl DeadLetter) error {
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return r.put(ctx, p, dl)
	}); err != nil {
		return fmt.Errorf("put dead letter %s: %w", dl.Message.ID, err)
	}
	return nil
}

func (r *RedisDeadLetters) put(ctx context.Context, p redis.Pipeliner, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.Message.ID, err)
	}
	p.HSet(ctx, r.items, dl.Message.ID, raw)
	p.ZAdd(ctx, r.index, redis.Z{Score: float64(dl.DeadLetteredAt.UnixMilli()), Member: dl.Message.ID})
	return nil
}

// List implements DeadLetters.
func (r *RedisDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRange(ctx, r.index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.client.HMGet(ctx, r.items, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", ids[i], err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Get implements DeadLetters.
func (r *RedisDeadLetters) Get(ctx context.Context, id string) (DeadLetter, error) {
	raw, err := r.client.HGet(ctx, r.items, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	var dl DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return dl, nil
}

// Delete implements DeadLetters.
func (r *RedisDeadLetters) Delete(ctx context.Context, id string) error {
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.items, id)
		p.ZRem(ctx, r.index, id)
		return nil
	}); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	return nil
}

// Count implements DeadLetters.
func (r *RedisDeadLetters) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.index).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(n), nil
}

// Purge implements DeadLetters.
func (r *RedisDeadLetters) Purge(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.retention).UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, r.index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan dead letters: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.items, ids...)
		p.ZRem(ctx, r.index, members...)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return len(ids), nil
}

// Redrive implements DeadLetters.
func (r *RedisDeadLetters) Redrive(ctx context.Context, id string, q Queue) error {
	return redrive(ctx, r, id, q)
}

var (
	_ Queue       = (*RedisQueue)(nil)
	_ DeadLetters = (*RedisDeadLetters)(nil)
)
