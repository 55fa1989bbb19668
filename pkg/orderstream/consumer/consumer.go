// Package consumer holds the subscribers of the order topic: the audit
// recorder that writes lifecycle events to the event store, the billing
// consumer, and the queued email notifier.
package consumer

import (
	"fmt"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

// decodeOrderEvent opens msg and decodes its order payload. Malformed
// messages are categorized as poison so subscriptions do not retry them.
func decodeOrderEvent(msg event.Message) (event.Envelope, event.OrderEvent, error) {
	env, err := event.Open(msg)
	if err != nil {
		return event.Envelope{}, event.OrderEvent{}, oerrors.NewCategorized(err, oerrors.CategoryPoison, "decode order event")
	}
	if env.EventType == "" {
		env.EventType = msg.EventType()
	}
	var oe event.OrderEvent
	if err := env.Decode(&oe); err != nil {
		return env, event.OrderEvent{}, oerrors.NewCategorized(
			fmt.Errorf("message %s: %w", msg.ID, err), oerrors.CategoryPoison, "decode order event")
	}
	if oe.OrderID == "" || oe.Email == "" {
		return env, oe, oerrors.NewCategorized(
			fmt.Errorf("message %s: order event without orderId or email", msg.ID), oerrors.CategoryPoison, "decode order event")
	}
	return env, oe, nil
}
