package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// ErrUnreachable reports that the instance owning a connection did not
// answer. The connection may still be live and must not be pruned.
var ErrUnreachable = errors.New("owning instance unreachable")

// RelayConfig configures a Relay.
type RelayConfig struct {
	Client   redis.UniversalClient
	Registry Registry

	// Local writes to the sockets this instance owns.
	Local Transport

	// Instance names this process. Hubs stamp it on the connections they
	// accept.
	Instance string

	// Prefix namespaces the relay channels. Default: "orderstream:push"
	Prefix string

	Logger *slog.Logger
}

// relayRequest is published to the owning instance's channel.
type relayRequest struct {
	Op       string    `json:"op"`
	ID       string    `json:"id"`
	Data     []byte    `json:"data,omitempty"`
	Deadline time.Time `json:"deadline"`
	Reply    string    `json:"reply"`
}

// relayReply is the owner's answer.
type relayReply struct {
	Gone  bool   `json:"gone,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	opSend  = "send"
	opClose = "close"
)

// Relay is a Transport for instances that share a Redis registry. Sends to
// connections owned by this instance go to Local; the rest are published
// to the owner's channel and answered by the owner's Relay. A connection
// is reported gone only when its owner says so or no owner is listening.
type Relay struct {
	cfg    RelayConfig
	logger *slog.Logger

	startOnce sync.Once
	done      chan struct{}
}

// NewRelay returns a relay. Start must run before remote instances can
// reach this one.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	switch {
	case cfg.Client == nil:
		return nil, errors.New("push relay requires a redis client")
	case cfg.Registry == nil:
		return nil, errors.New("push relay requires a registry")
	case cfg.Local == nil:
		return nil, errors.New("push relay requires a local transport")
	case cfg.Instance == "":
		return nil, errors.New("push relay requires an instance name")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "orderstream:push"
	}
	return &Relay{
		cfg:    cfg,
		logger: observability.Component(cfg.Logger, "relay").With(slog.String("instance", cfg.Instance)),
		done:   make(chan struct{}),
	}, nil
}

func (r *Relay) channel(instance string) string {
	return r.cfg.Prefix + ":" + instance
}

// Start subscribes to this instance's channel and serves remote requests
// until ctx ends. It returns once the subscription is active.
func (r *Relay) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		sub := r.cfg.Client.Subscribe(ctx, r.channel(r.cfg.Instance))
		if _, err = sub.Receive(ctx); err != nil {
			_ = sub.Close()
			err = fmt.Errorf("subscribe %s: %w", r.channel(r.cfg.Instance), err)
			close(r.done)
			return
		}
		go r.serve(ctx, sub)
	})
	return err
}

// Done is closed once the relay stops serving.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) serve(ctx context.Context, sub *redis.PubSub) {
	defer close(r.done)
	defer sub.Close()
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var req relayRequest
			if err := json.Unmarshal([]byte(m.Payload), &req); err != nil {
				r.logger.Warn("bad relay request", slog.String("error", err.Error()))
				continue
			}
			go r.answer(ctx, req)
		}
	}
}

// answer performs req on a local socket and replies. A failed write closes
// the socket and removes the registration before reporting it gone.
func (r *Relay) answer(ctx context.Context, req relayRequest) {
	actx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	var reply relayReply
	switch req.Op {
	case opSend:
		if err := r.cfg.Local.Send(actx, req.ID, req.Data); err != nil {
			reply.Gone = true
			reply.Error = err.Error()
			if !errors.Is(err, ErrGone) {
				_ = r.cfg.Local.Close(context.WithoutCancel(ctx), req.ID)
			}
			if rerr := r.cfg.Registry.Remove(context.WithoutCancel(ctx), req.ID); rerr != nil {
				r.logger.Warn("remove stale connection", slog.String("channel_id", req.ID), slog.String("error", rerr.Error()))
			}
		}
	case opClose:
		if err := r.cfg.Local.Close(actx, req.ID); err != nil {
			reply.Error = err.Error()
		}
	default:
		reply.Error = "unknown op " + req.Op
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := r.cfg.Client.Publish(context.WithoutCancel(ctx), req.Reply, data).Err(); err != nil {
		r.logger.Warn("relay reply failed", slog.String("channel_id", req.ID), slog.String("error", err.Error()))
	}
}

// owner returns the instance holding id's socket, or "" when it is this
// instance or unknown.
func (r *Relay) owner(ctx context.Context, id string) (string, error) {
	c, err := r.cfg.Registry.Get(ctx, id)
	if errors.Is(err, ErrUnknownConnection) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if c.Instance == r.cfg.Instance {
		return "", nil
	}
	return c.Instance, nil
}

// Send implements Transport.
func (r *Relay) Send(ctx context.Context, id string, data []byte) error {
	owner, err := r.owner(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if owner == "" {
		return r.cfg.Local.Send(ctx, id, data)
	}
	return r.request(ctx, owner, relayRequest{Op: opSend, ID: id, Data: data})
}

// Close implements Transport.
func (r *Relay) Close(ctx context.Context, id string) error {
	owner, err := r.owner(ctx, id)
	if err != nil {
		return err
	}
	if owner == "" {
		return r.cfg.Local.Close(ctx, id)
	}
	return r.request(ctx, owner, relayRequest{Op: opClose, ID: id})
}

func (r *Relay) request(ctx context.Context, owner string, req relayRequest) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultSendTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	req.Deadline = deadline
	req.Reply = r.cfg.Prefix + ":reply:" + uuid.NewString()

	sub := r.cfg.Client.Subscribe(ctx, req.Reply)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, owner, err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	listeners, err := r.cfg.Client.Publish(ctx, r.channel(owner), data).Result()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, owner, err)
	}
	if listeners == 0 {
		// The owning instance is gone and took its sockets with it.
		return fmt.Errorf("%w: %s: instance %s is not running", ErrGone, req.ID, owner)
	}

	select {
	case m, ok := <-sub.Channel():
		if !ok {
			return fmt.Errorf("%w: %s: reply channel closed", ErrUnreachable, owner)
		}
		var reply relayReply
		if err := json.Unmarshal([]byte(m.Payload), &reply); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnreachable, owner, err)
		}
		switch {
		case reply.Gone:
			return fmt.Errorf("%w: %s: %s", ErrGone, req.ID, reply.Error)
		case reply.Error != "":
			return fmt.Errorf("%s on %s: %s", req.Op, owner, reply.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, owner, ctx.Err())
	}
}

var _ Transport = (*Relay)(nil)
