// Package queue moves opaque messages between processes. Every broker
// delivers at least once: a message that is not acknowledged comes back.
package queue

import "context"

type (
	// Delivery is one received message.
	Delivery interface {
		Body() []byte
		// Ack removes the message from the queue.
		Ack(ctx context.Context) error
	}

	// Handler processes a delivery. Returning without acking leaves the
	// message to be delivered again.
	Handler func(ctx context.Context, d Delivery)

	Broker interface {
		Publish(ctx context.Context, queue string, body []byte) error
		// Consume calls h for messages of the queue until ctx is done.
		Consume(ctx context.Context, queue string, h Handler) error
	}
)
