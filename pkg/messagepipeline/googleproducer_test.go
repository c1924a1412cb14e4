package messagepipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/mqtt2coap/pkg/messagepipeline"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
//  Test Helpers for Pub/Sub
// =============================================================================

func sanitizedTestName(t *testing.T) string {
	name := t.Name()
	reg := regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	sanitized := reg.ReplaceAllString(name, "-")
	sanitized = regexp.MustCompile(`^-+|-+$`).ReplaceAllString(sanitized, "")
	if len(sanitized) > 20 {
		sanitized = sanitized[:20]
	}
	return sanitized
}

// setupTestPubsub creates a mock Pub/Sub server, client, topic, and subscription for testing.
func setupTestPubsub(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Topic, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	opts := []option.ClientOption{option.WithGRPCConn(conn)}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)

	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client, topic, sub
}

func uniqueIDs(t *testing.T) (projectID, topicID, subID string) {
	uniqueSuffix := fmt.Sprintf("%s-%d", sanitizedTestName(t), time.Now().UnixNano())
	return "proj-" + uniqueSuffix, "topic-" + uniqueSuffix, "sub-" + uniqueSuffix
}

// =============================================================================
//  Test Cases for PubsubMirrorSink
// =============================================================================

func TestPubsubMirrorSink_DeliverAndStop(t *testing.T) {
	// --- Arrange ---
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	projectID, topicID, subID := uniqueIDs(t)
	pubsubClient, _, subscription := setupTestPubsub(t, projectID, topicID, subID)

	producerConfig := messagepipeline.NewGooglePubsubProducerDefaults()
	producerConfig.TopicID = topicID

	sink, err := messagepipeline.NewPubsubMirrorSink(testCtx, producerConfig, pubsubClient, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "pubsub_mirror", sink.Name())

	// --- Act ---
	m := types.Measurement{
		Key:        "sensor1/temperature",
		Namespace:  "sensor1",
		Field:      "temperature",
		Value:      21.5,
		Topic:      "zigbee2mqtt/sensor1",
		MessageID:  "7",
		ObservedAt: time.Now().UTC().Truncate(time.Second),
	}
	err = sink.Deliver(testCtx, m)
	require.NoError(t, err)

	// --- Assert ---
	var mu sync.Mutex
	var receivedMsg *pubsub.Message

	receiveCtx, receiveCancel := context.WithCancel(testCtx)
	t.Cleanup(receiveCancel)

	go func() {
		err := subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			mu.Lock()
			receivedMsg = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Receive error")
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return receivedMsg != nil
	}, 5*time.Second, 50*time.Millisecond, "Did not receive message from subscription")

	mu.Lock()
	defer mu.Unlock()
	var received types.Measurement
	require.NoError(t, json.Unmarshal(receivedMsg.Data, &received))
	assert.Equal(t, m.Key, received.Key)
	assert.Equal(t, m.Value, received.Value)
	assert.WithinDuration(t, m.ObservedAt, received.ObservedAt, time.Second)
	assert.Equal(t, "sensor1/temperature", receivedMsg.Attributes["key"])
	assert.Equal(t, "sensor1", receivedMsg.Attributes["namespace"])
	assert.Equal(t, "temperature", receivedMsg.Attributes["field"])

	// --- Act & Assert: Stop ---
	stopCtx, stopCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, sink.Stop(stopCtx))
}

func TestPubsubMirrorSink_MissingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	projectID, topicID, subID := uniqueIDs(t)
	client, _, _ := setupTestPubsub(t, projectID, topicID, subID)

	cfg := messagepipeline.NewGooglePubsubProducerDefaults()
	cfg.TopicID = "does-not-exist"

	_, err := messagepipeline.NewPubsubMirrorSink(ctx, cfg, client, zerolog.Nop())
	require.Error(t, err)

	_, err = messagepipeline.NewPubsubMirrorSink(ctx, cfg, nil, zerolog.Nop())
	require.Error(t, err)
}
