package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/mqtt2coap/pkg/delivery"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePoster records bodies and answers with a configurable function.
type fakePoster struct {
	mu       sync.Mutex
	bodies   []string
	postFunc func(ctx context.Context, body []byte) (*delivery.Response, error)
	closed   bool
}

func (f *fakePoster) Post(ctx context.Context, body []byte) (*delivery.Response, error) {
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	fn := f.postFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, body)
	}
	return &delivery.Response{Code: "2.04 Changed"}, nil
}

func (f *fakePoster) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePoster) Bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func newTestClient(t *testing.T, poster delivery.Poster, timeout time.Duration) *delivery.Client {
	t.Helper()
	client, err := delivery.NewClient(delivery.Config{URL: "coap://localhost/store_data", Timeout: timeout}, poster, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestFormatPayload(t *testing.T) {
	testCases := []struct {
		key   string
		value float64
		want  string
	}{
		{key: "sensor1/temperature", value: 21.5, want: "sensor1/temperature 21.50"},
		{key: "sensor1/battery", value: 87, want: "sensor1/battery 87.00"},
		{key: "lamp/state", value: 1, want: "lamp/state 1.00"},
		{key: "x/y", value: 0.005, want: "x/y 0.01"},
		{key: "x/y", value: -3.14159, want: "x/y -3.14"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, delivery.FormatPayload(tc.key, tc.value))
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := delivery.NewClient(delivery.Config{URL: "", Timeout: time.Second}, &fakePoster{}, zerolog.Nop())
	require.Error(t, err)

	_, err = delivery.NewClient(delivery.Config{URL: "coap://localhost/x", Timeout: 0}, &fakePoster{}, zerolog.Nop())
	require.Error(t, err)

	_, err = delivery.NewClient(delivery.Config{URL: "ftp://localhost/x", Timeout: time.Second}, nil, zerolog.Nop())
	require.Error(t, err, "unsupported scheme should be rejected when no poster is injected")
}

func TestClient_Send(t *testing.T) {
	t.Run("Success returns the endpoint response", func(t *testing.T) {
		poster := &fakePoster{}
		client := newTestClient(t, poster, time.Second)

		res, err := client.Send(context.Background(), "sensor1/temperature", 21.5)

		require.NoError(t, err)
		assert.Equal(t, "2.04 Changed", res.Code)
		assert.Equal(t, []string{"sensor1/temperature 21.50"}, poster.Bodies())
	})

	t.Run("Transport error is wrapped", func(t *testing.T) {
		transportErr := errors.New("connection refused")
		poster := &fakePoster{postFunc: func(ctx context.Context, body []byte) (*delivery.Response, error) {
			return nil, transportErr
		}}
		client := newTestClient(t, poster, time.Second)

		res, err := client.Send(context.Background(), "k/v", 1)

		require.Error(t, err)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, delivery.ErrDeliveryFailed)
		assert.ErrorIs(t, err, transportErr)
	})

	t.Run("Timeout bounds a hanging endpoint", func(t *testing.T) {
		poster := &fakePoster{postFunc: func(ctx context.Context, body []byte) (*delivery.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		client := newTestClient(t, poster, 50*time.Millisecond)

		start := time.Now()
		_, err := client.Send(context.Background(), "k/v", 1)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("Rejection is a failure", func(t *testing.T) {
		poster := &fakePoster{postFunc: func(ctx context.Context, body []byte) (*delivery.Response, error) {
			return &delivery.Response{Code: "4.04 NotFound"}, delivery.ErrRejected
		}}
		client := newTestClient(t, poster, time.Second)

		_, err := client.Send(context.Background(), "k/v", 1)

		assert.ErrorIs(t, err, delivery.ErrRejected)
		assert.ErrorIs(t, err, delivery.ErrDeliveryFailed)
	})
}

func TestClient_DeliverAndClose(t *testing.T) {
	poster := &fakePoster{}
	client := newTestClient(t, poster, time.Second)

	m := types.NewMeasurement(types.NewReading("lamp", "state", 1), types.NewPublishEvent("z/lamp", nil, "1"))
	require.NoError(t, client.Deliver(context.Background(), m))
	assert.Equal(t, []string{"lamp/state 1.00"}, poster.Bodies())
	assert.Equal(t, "delivery", client.Name())

	require.NoError(t, client.Close())
	assert.True(t, poster.closed)
}

func TestClient_DeliverWithResponse(t *testing.T) {
	poster := &fakePoster{}
	client := newTestClient(t, poster, time.Second)
	m := types.NewMeasurement(types.NewReading("lamp", "state", 1), types.NewPublishEvent("z/lamp", nil, "1"))

	response, err := client.DeliverWithResponse(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, `2.04 Changed ""`, response)

	poster.postFunc = func(context.Context, []byte) (*delivery.Response, error) {
		return nil, errors.New("unreachable")
	}
	response, err = client.DeliverWithResponse(context.Background(), m)
	require.Error(t, err)
	assert.ErrorIs(t, err, delivery.ErrDeliveryFailed)
	assert.Empty(t, response)
}
