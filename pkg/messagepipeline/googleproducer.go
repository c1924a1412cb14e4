package messagepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// GooglePubsubProducerConfig holds configuration for the Pub/Sub mirror sink.
type GooglePubsubProducerConfig struct {
	ProjectID                  string
	TopicID                    string
	BatchSize                  int           // Corresponds to Pub/Sub's CountThreshold.
	BatchDelay                 time.Duration // Corresponds to Pub/Sub's DelayThreshold.
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewGooglePubsubProducerDefaults provides a config with sensible defaults.
func NewGooglePubsubProducerDefaults() *GooglePubsubProducerConfig {
	cfg := &GooglePubsubProducerConfig{
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
	// The following logic allows for overriding defaults via environment variables.
	if bs := os.Getenv("PUBSUB_PRODUCER_BATCH_SIZE"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil {
			cfg.BatchSize = val
		}
	}
	if bd := os.Getenv("PUBSUB_PRODUCER_BATCH_DELAY"); bd != "" {
		if val, err := time.ParseDuration(bd); err == nil {
			cfg.BatchDelay = val
		}
	}
	if ct := os.Getenv("PUBSUB_PRODUCER_CONFIRMATION_TIMEOUT"); ct != "" {
		if val, err := time.ParseDuration(ct); err == nil {
			cfg.PublishConfirmationTimeout = val
		}
	}
	return cfg
}

// PubsubMirrorSink republishes every measurement as a JSON message, so other
// consumers can follow the same stream the ingestion endpoint receives.
type PubsubMirrorSink struct {
	topic               *pubsub.Topic
	logger              zerolog.Logger
	confirmationTimeout time.Duration
}

// NewPubsubMirrorSink validates the topic's existence before returning a functional sink.
func NewPubsubMirrorSink(
	ctx context.Context,
	cfg *GooglePubsubProducerConfig,
	client *pubsub.Client,
	logger zerolog.Logger,
) (*PubsubMirrorSink, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for mirror sink")
	}

	topic := client.Topic(cfg.TopicID)
	// Configure Google Pub/Sub's built-in batching via PublishSettings.
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.Timeout = 10 * time.Second

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Msg("PubsubMirrorSink initialized successfully.")
	return &PubsubMirrorSink{
		topic:               topic,
		logger:              logger.With().Str("component", "PubsubMirrorSink").Str("topic_id", cfg.TopicID).Logger(),
		confirmationTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

func (p *PubsubMirrorSink) Name() string { return "pubsub_mirror" }

// Deliver publishes m and waits for the server to confirm it.
func (p *PubsubMirrorSink) Deliver(ctx context.Context, m types.Measurement) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal measurement %s: %w", m.Key, err)
	}

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"key":       m.Key,
			"namespace": m.Namespace,
			"field":     m.Field,
		},
	})

	getCtx, cancel := context.WithTimeout(ctx, p.confirmationTimeout)
	defer cancel()
	msgID, err := res.Get(getCtx)
	if err != nil {
		return fmt.Errorf("failed to publish measurement %s: %w", m.Key, err)
	}
	p.logger.Debug().Str("key", m.Key).Str("pubsub_msg_id", msgID).Msg("Measurement mirrored.")
	return nil
}

// Stop flushes all outstanding messages, respecting the provided context's timeout.
func (p *PubsubMirrorSink) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Flushing remaining messages and stopping Pub/Sub topic...")
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		p.logger.Info().Msg("Pub/Sub topic stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}
