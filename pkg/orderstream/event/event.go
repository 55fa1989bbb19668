// Package event defines the lifecycle messages that flow through the
// orderstream pipeline: the attribute-tagged Message published on topics and
// carried by queues, and the Envelope payload consumers decode.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttrEventType is the attribute subscriptions filter on.
const AttrEventType = "eventType"

// Lifecycle event types.
const (
	OrderCreated   = "ORDER_CREATED"
	OrderDeleted   = "ORDER_DELETED"
	InvoiceCreated = "INVOICE_CREATED"
	InvoiceTimeout = "INVOICE_TIMEOUT"
)

// Message is an immutable, attribute-tagged message. Attributes are routing
// metadata; Body is the serialized Envelope.
type Message struct {
	ID          string            `json:"id"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Body        json.RawMessage   `json:"body"`
	PublishedAt time.Time         `json:"published_at"`
}

// Attribute returns the named attribute or "".
func (m Message) Attribute(name string) string {
	return m.Attributes[name]
}

// EventType returns the eventType attribute.
func (m Message) EventType() string {
	return m.Attributes[AttrEventType]
}

// Envelope is the message body: the event type plus its JSON payload.
type Envelope struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no data", e.EventType)
	}
	return json.Unmarshal(e.Data, v)
}

// Option configures message creation.
type Option func(*messageConfig)

type messageConfig struct {
	id         string
	timestamp  time.Time
	attributes map[string]string
}

// WithMessageID sets a specific message ID (default: auto-generated UUID).
func WithMessageID(id string) Option {
	return func(cfg *messageConfig) {
		cfg.id = id
	}
}

// WithTimestamp sets a specific publish time (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(cfg *messageConfig) {
		cfg.timestamp = t
	}
}

// WithAttribute adds a routing attribute besides eventType.
func WithAttribute(name, value string) Option {
	return func(cfg *messageConfig) {
		cfg.attributes[name] = value
	}
}

// New builds a message whose body is an Envelope around payload and whose
// eventType attribute is set to eventType.
func New(eventType string, payload any, opts ...Option) (Message, error) {
	cfg := &messageConfig{
		id:         uuid.NewString(),
		timestamp:  time.Now().UTC(),
		attributes: map[string]string{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	body, err := json.Marshal(Envelope{EventType: eventType, Data: data})
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}

	cfg.attributes[AttrEventType] = eventType
	return Message{
		ID:          cfg.id,
		Attributes:  cfg.attributes,
		Body:        body,
		PublishedAt: cfg.timestamp,
	}, nil
}

// Open decodes the message body into its Envelope.
func Open(m Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("message %s: decode envelope: %w", m.ID, err)
	}
	return env, nil
}
