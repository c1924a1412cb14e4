package messagepipeline

import (
	"context"

	"github.com/illmade-knight/mqtt2coap/pkg/types"
)

// ====================================================================================
// This file defines the contracts between the dispatcher and the components on
// either side of it: the broker connection that produces events, and the sinks
// that receive flattened readings.
// ====================================================================================

// --- Inbound: EventSource ---

// EventSource is a broker connection seen as a stream of events (MQTT, NATS, Pub/Sub).
type EventSource interface {
	// Events returns the channel the dispatcher polls. It is closed when the source stops.
	Events() <-chan types.Event
	// Start connects and subscribes. An error here is fatal for the bridge.
	Start(ctx context.Context) error
	// Stop unsubscribes, disconnects and closes the Events channel.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the source has completely shut down.
	Done() <-chan struct{}
}

// --- Outbound: Sink ---

// Sink receives one measurement at a time. Deliver is called concurrently from
// independent goroutines; an error affects only that one measurement.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Deliver hands over a single measurement. Implementations must respect ctx.
	Deliver(ctx context.Context, m types.Measurement) error
}

// RespondingSink is a Sink whose endpoint answers every delivery. The
// dispatcher calls DeliverWithResponse instead of Deliver and records the
// answer in the DeliveryOutcome.
type RespondingSink interface {
	Sink
	DeliverWithResponse(ctx context.Context, m types.Measurement) (string, error)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, m types.Measurement) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Deliver(ctx context.Context, m types.Measurement) error {
	return s.Fn(ctx, m)
}

// OutcomeHook observes every delivery outcome. It must not block.
type OutcomeHook func(outcome types.DeliveryOutcome)
