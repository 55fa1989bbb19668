// Package kafkabridge mirrors topic messages to a Kafka topic so systems
// outside the process can follow the order lifecycle.
package kafkabridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a writer for topic on the comma-separated brokers.
// Messages with the same key land on the same partition.
func NewWriter(brokersCSV, topic string) (*kafka.Writer, error) {
	brokers := SplitBrokers(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("kafka bridge requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka bridge requires a topic")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}, nil
}

// SplitBrokers parses a comma-separated broker list.
func SplitBrokers(csv string) []string {
	var out []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Sink is a pubsub consumer writing each message to Kafka.
type Sink struct {
	w       Writer
	timeout time.Duration
	logger  *slog.Logger
}

// NewSink returns a sink. Writes are bounded by timeout (default 3s).
func NewSink(w Writer, timeout time.Duration, logger *slog.Logger) *Sink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Sink{w: w, timeout: timeout, logger: observability.Component(logger, "kafka_bridge")}
}

// Consume implements pubsub.Consumer.
func (s *Sink) Consume(ctx context.Context, msg event.Message) error {
	km := Message(msg)
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.w.WriteMessages(wctx, km); err != nil {
		return &oerrors.TransientDeliveryFailure{Target: "kafka", Err: err}
	}
	s.logger.Debug("message mirrored",
		slog.String("message_id", msg.ID),
		slog.String("event_type", msg.EventType()),
		slog.String("key", string(km.Key)),
	)
	return nil
}

// Close closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}

// Message converts msg to a Kafka message. The key is the entity the event
// belongs to, so one entity's events stay ordered on one partition.
// Attributes become headers, plus a messageId header.
func Message(msg event.Message) kafka.Message {
	names := make([]string, 0, len(msg.Attributes))
	for name := range msg.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]kafka.Header, 0, len(names)+1)
	headers = append(headers, kafka.Header{Key: "messageId", Value: []byte(msg.ID)})
	for _, name := range names {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(msg.Attributes[name])})
	}

	return kafka.Message{
		Key:     []byte(entityKey(msg)),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.PublishedAt,
	}
}

func entityKey(msg event.Message) string {
	env, err := event.Open(msg)
	if err == nil && len(env.Data) > 0 {
		var ids struct {
			OrderID       string `json:"orderId"`
			InvoiceNumber string `json:"invoiceNumber"`
			TransactionID string `json:"transactionId"`
		}
		if json.Unmarshal(env.Data, &ids) == nil {
			switch {
			case ids.OrderID != "":
				return event.OrderKey(ids.OrderID)
			case ids.InvoiceNumber != "":
				return event.InvoiceKey(ids.InvoiceNumber)
			case ids.TransactionID != "":
				return event.TransactionKey(ids.TransactionID)
			}
		}
	}
	return msg.ID
}
