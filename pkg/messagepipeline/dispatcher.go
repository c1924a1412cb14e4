package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/mqtt2coap/pkg/measurement"
	"github.com/illmade-knight/mqtt2coap/pkg/metrics"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// DispatcherConfig holds the optional collaborators of a Dispatcher.
type DispatcherConfig struct {
	Metrics   *metrics.BridgeMetrics
	OnOutcome OutcomeHook
}

// Dispatcher polls an EventSource and turns every published message into
// independent deliveries, one goroutine per reading and sink. The polling loop
// never waits for a delivery, and a failed delivery never affects its siblings.
type Dispatcher struct {
	source    EventSource
	sinks     []Sink
	flattener *measurement.Flattener
	metrics   *metrics.BridgeMetrics
	onOutcome OutcomeHook
	logger    zerolog.Logger

	loopWg     sync.WaitGroup
	deliveryWg sync.WaitGroup
	cancelLoop context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	seq        uint64
}

// NewDispatcher creates a Dispatcher. At least one sink is required.
func NewDispatcher(
	cfg DispatcherConfig,
	source EventSource,
	sinks []Sink,
	logger zerolog.Logger,
) (*Dispatcher, error) {
	if source == nil {
		return nil, errors.New("event source cannot be nil")
	}
	if len(sinks) == 0 {
		return nil, errors.New("at least one sink is required")
	}
	for i, s := range sinks {
		if s == nil {
			return nil, fmt.Errorf("sink %d is nil", i)
		}
	}

	m := cfg.Metrics
	return &Dispatcher{
		source: source,
		sinks:  sinks,
		flattener: measurement.NewFlattener(logger, func(_, _ string) {
			m.ObserveSkippedField()
		}),
		metrics:   m,
		onOutcome: cfg.OnOutcome,
		logger:    logger.With().Str("service", "Dispatcher").Logger(),
		done:      make(chan struct{}),
	}, nil
}

// Start starts the event source and the polling loop. A source that cannot
// connect or subscribe makes Start fail; nothing is left running in that case.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info().Int("sink_count", len(d.sinks)).Msg("Starting dispatcher...")

	loopCtx, cancel := context.WithCancel(ctx)
	if err := d.source.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event source: %w", err)
	}
	d.cancelLoop = cancel
	d.logger.Info().Msg("Event source started.")

	d.loopWg.Add(1)
	go d.poll(loopCtx)
	return nil
}

// Done is closed when the polling loop has exited, either because Stop was
// called or because the source closed its event stream.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stop stops the source, then waits for the polling loop and every in-flight
// delivery to finish, or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var stopErr error
	d.stopOnce.Do(func() {
		d.logger.Info().Msg("Stopping dispatcher...")
		if err := d.source.Stop(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Error during event source stop, continuing shutdown.")
		}
		if d.cancelLoop != nil {
			d.cancelLoop()
		}

		allDone := make(chan struct{})
		go func() {
			d.loopWg.Wait()
			d.deliveryWg.Wait()
			close(allDone)
		}()

		select {
		case <-allDone:
			d.logger.Info().Msg("All in-flight deliveries completed.")
		case <-ctx.Done():
			d.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for in-flight deliveries to finish.")
			stopErr = ctx.Err()
		}
	})
	return stopErr
}

// poll is the single event loop.
func (d *Dispatcher) poll(ctx context.Context) {
	defer d.loopWg.Done()
	defer close(d.done)

	// Deliveries outlive the loop's cancellation; each is bounded by its sink's own timeout.
	deliveryCtx := context.WithoutCancel(ctx)
	events := d.source.Events()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Dispatcher loop shutting down due to context cancellation.")
			return
		case ev, ok := <-events:
			if !ok {
				d.logger.Info().Msg("Event stream closed, dispatcher loop exiting.")
				return
			}
			d.seq++
			d.handleEvent(deliveryCtx, d.seq, ev)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, seq uint64, ev types.Event) {
	d.metrics.ObserveEvent(ev.Kind.String())
	d.logger.Trace().Uint64("event_seq", seq).Str("kind", ev.Kind.String()).Str("topic", ev.Topic).Str("detail", ev.Detail).Msg("Broker event.")

	switch ev.Kind {
	case types.EventPingResp:
		// keep-alive traffic, intentionally silent
	case types.EventPublish:
		d.handlePublish(ctx, seq, ev)
	case types.EventError:
		d.logger.Error().Err(ev.Err).Uint64("event_seq", seq).Str("detail", ev.Detail).Msg("Broker event error, continuing.")
	case types.EventConnectionLost:
		d.logger.Error().Err(ev.Err).Uint64("event_seq", seq).Msg("Broker connection lost, waiting for reconnect.")
	case types.EventConnected, types.EventSubscribed:
		d.logger.Info().Uint64("event_seq", seq).Str("kind", ev.Kind.String()).Str("detail", ev.Detail).Msg("Broker state changed.")
	default:
		d.logger.Debug().Uint64("event_seq", seq).Str("kind", ev.Kind.String()).Str("detail", ev.Detail).Msg("Notification ignored.")
	}
}

func (d *Dispatcher) handlePublish(ctx context.Context, seq uint64, ev types.Event) {
	d.logger.Info().
		Uint64("event_seq", seq).
		Str("topic", ev.Topic).
		Str("msg_id", ev.MessageID).
		Bool("duplicate", ev.Duplicate).
		Int("payload_size", len(ev.Payload)).
		Msg("Publish received.")

	namespace := measurement.NormalizeTopic(ev.Topic)
	d.logger.Debug().Uint64("event_seq", seq).Str("namespace", namespace).Bytes("payload", ev.Payload).Msg("Payload.")

	readings := d.flattener.Flatten(namespace, ev.Payload)
	d.metrics.ObserveReadings(len(readings))
	if len(readings) == 0 {
		d.logger.Debug().Uint64("event_seq", seq).Str("namespace", namespace).Msg("No readings in payload, nothing to deliver.")
		return
	}

	for _, r := range readings {
		m := types.NewMeasurement(r, ev)
		for _, sink := range d.sinks {
			d.deliveryWg.Add(1)
			go d.deliver(ctx, seq, sink, r, m)
		}
	}
}

// deliver runs one delivery and reports its outcome. It never propagates a failure.
func (d *Dispatcher) deliver(ctx context.Context, seq uint64, sink Sink, r types.Reading, m types.Measurement) {
	defer d.deliveryWg.Done()

	finished := d.metrics.DeliveryStarted(sink.Name())
	start := time.Now()
	var (
		response string
		err      error
	)
	if rs, ok := sink.(RespondingSink); ok {
		response, err = rs.DeliverWithResponse(ctx, m)
	} else {
		err = sink.Deliver(ctx, m)
	}
	finished(err)

	outcome := types.DeliveryOutcome{
		Reading:  r,
		Sink:     sink.Name(),
		Response: response,
		Err:      err,
		Latency:  time.Since(start),
	}
	if err != nil {
		d.logger.Error().Err(err).Uint64("event_seq", seq).Str("sink", outcome.Sink).Str("key", r.Key).Msg("Delivery failed.")
	} else {
		d.logger.Debug().Uint64("event_seq", seq).Str("sink", outcome.Sink).Str("key", r.Key).Dur("latency", outcome.Latency).Msg("Delivery succeeded.")
	}
	if d.onOutcome != nil {
		d.onOutcome(outcome)
	}
}
