package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// --- Google Cloud Pub/Sub EventSource Implementation ---

// DefaultTopicAttribute is the attribute upstream MQTT ingestion stores the device topic in.
const DefaultTopicAttribute = "mqtt_topic"

type GooglePubsubSourceConfig struct {
	ProjectID              string
	SubscriptionID         string
	CredentialsFile        string // Optional
	MaxOutstandingMessages int
	NumGoroutines          int
	// TopicAttribute names the message attribute holding the device topic.
	// Messages without it use the subscription ID as their topic.
	TopicAttribute string
}

// LoadDefaultGooglePubsubSourceConfig GooglePubsubSource will always need a sub
func LoadDefaultGooglePubsubSourceConfig(subID string) *GooglePubsubSourceConfig {
	return &GooglePubsubSourceConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
		TopicAttribute:         DefaultTopicAttribute,
	}
}

// GooglePubsubSource reads device messages from a Pub/Sub subscription. A
// message is acknowledged once the dispatcher has taken it.
type GooglePubsubSource struct {
	subscription       *pubsub.Subscription
	subscriptionID     string
	topicAttribute     string
	logger             zerolog.Logger
	outputChan         chan types.Event
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	doneChan           chan struct{}
}

// NewGooglePubsubSource verifies the subscription exists and prepares the source.
func NewGooglePubsubSource(ctx context.Context, cfg *GooglePubsubSourceConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubSource, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for source")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	if cfg.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}
	topicAttr := cfg.TopicAttribute
	if topicAttr == "" {
		topicAttr = DefaultTopicAttribute
	}
	bufferSize := cfg.MaxOutstandingMessages
	if bufferSize <= 0 {
		bufferSize = 100
	}

	return &GooglePubsubSource{
		subscription:   sub,
		subscriptionID: cfg.SubscriptionID,
		topicAttribute: topicAttr,
		logger:         logger.With().Str("component", "GooglePubsubSource").Str("subscription_id", cfg.SubscriptionID).Logger(),
		outputChan:     make(chan types.Event, bufferSize),
		doneChan:       make(chan struct{}),
	}, nil
}

func (c *GooglePubsubSource) Events() <-chan types.Event { return c.outputChan }

// Start launches the Receive loop in the background.
func (c *GooglePubsubSource) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting Pub/Sub message consumption...")
	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancelSubscription = cancel

	c.outputChan <- types.Event{Kind: types.EventSubscribed, Detail: c.subscriptionID, ReceivedAt: time.Now().UTC()}

	go func() {
		defer close(c.doneChan)
		defer close(c.outputChan)
		defer c.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")

		err := c.subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			select {
			case c.outputChan <- c.toEvent(msg):
				msg.Ack()
			case <-receiveCtx.Done():
				msg.Nack()
				c.logger.Warn().Str("msg_id", msg.ID).Msg("Source stopping, Nacking message due to receive context done.")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
			select {
			case c.outputChan <- types.Event{Kind: types.EventConnectionLost, Err: err, ReceivedAt: time.Now().UTC()}:
			default:
			}
		}
	}()
	return nil
}

// GetMessageConverterForTest exposes the message-to-event conversion for unit testing.
func (c *GooglePubsubSource) GetMessageConverterForTest() func(msg *pubsub.Message) types.Event {
	return c.toEvent
}

func (c *GooglePubsubSource) toEvent(msg *pubsub.Message) types.Event {
	payloadCopy := make([]byte, len(msg.Data))
	copy(payloadCopy, msg.Data)

	topic := msg.Attributes[c.topicAttribute]
	if topic == "" {
		topic = c.subscriptionID
	}
	received := msg.PublishTime.UTC()
	if msg.PublishTime.IsZero() {
		received = time.Now().UTC()
	}
	return types.Event{
		Kind:       types.EventPublish,
		Topic:      topic,
		Payload:    payloadCopy,
		MessageID:  msg.ID,
		Duplicate:  msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > 1,
		ReceivedAt: received,
	}
}

// Stop cancels the Receive loop and waits for it to exit, respecting ctx.
func (c *GooglePubsubSource) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub source...")
		if c.cancelSubscription == nil {
			close(c.outputChan)
			close(c.doneChan)
			return
		}
		c.cancelSubscription()
		select {
		case <-c.doneChan:
			c.logger.Info().Msg("Pub/Sub Receive goroutine confirmed stopped.")
		case <-ctx.Done():
			c.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
			stopErr = ctx.Err()
		}
	})
	return stopErr
}

func (c *GooglePubsubSource) Done() <-chan struct{} { return c.doneChan }
