package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrDeliveryFailed wraps every error returned by Client.Send.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrRejected marks a delivery the endpoint answered with an error status.
	ErrRejected = errors.New("endpoint rejected request")
)

// DefaultTimeout bounds a single outbound request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Config holds the downstream endpoint settings.
type Config struct {
	// URL of the ingestion endpoint, e.g. "coap://localhost/store_data".
	URL string `yaml:"coap_url"`
	// Timeout bounds each individual request.
	Timeout time.Duration `yaml:"delivery_timeout"`
}

// Response is what the endpoint answered.
type Response struct {
	Code string
	Body []byte
}

func (r *Response) String() string {
	return fmt.Sprintf("%s %q", r.Code, r.Body)
}

// Poster performs one request-response exchange carrying body to the endpoint.
// The context carries the per-request deadline.
type Poster interface {
	Post(ctx context.Context, body []byte) (*Response, error)
	Close() error
}

// Client sends individual key/value readings to the ingestion endpoint.
// It is safe for concurrent use.
type Client struct {
	url     string
	timeout time.Duration
	poster  Poster
	logger  zerolog.Logger
}

// NewClient creates a Client. If poster is nil one is chosen from the URL scheme.
func NewClient(cfg Config, poster Poster, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("delivery URL is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("delivery timeout must be positive, got %v", cfg.Timeout)
	}
	if poster == nil {
		var err error
		poster, err = NewPoster(cfg.URL, logger)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		poster:  poster,
		logger:  logger.With().Str("component", "DeliveryClient").Str("url", cfg.URL).Logger(),
	}, nil
}

// FormatPayload renders the request body: the key, a space, and the value with
// exactly two decimals.
func FormatPayload(key string, value float64) string {
	return fmt.Sprintf("%s %.2f", key, value)
}

// Send posts one key/value pair and waits at most the configured timeout.
// A failed delivery is reported as an error wrapping ErrDeliveryFailed.
func (c *Client) Send(ctx context.Context, key string, value float64) (*Response, error) {
	payload := FormatPayload(key, value)
	c.logger.Info().Str("payload", payload).Msg("POST <-- reading")

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.poster.Post(sendCtx, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, key, err)
	}
	c.logger.Info().Str("key", key).Str("code", res.Code).Bytes("body", res.Body).Msg("Delivery response received.")
	return res, nil
}

// Name identifies the client as a sink.
func (c *Client) Name() string {
	return "delivery"
}

// Deliver satisfies the dispatcher's sink contract.
func (c *Client) Deliver(ctx context.Context, m types.Measurement) error {
	_, err := c.Send(ctx, m.Key, m.Value)
	return err
}

// DeliverWithResponse delivers m and returns the endpoint's answer, so the
// dispatcher can record it.
func (c *Client) DeliverWithResponse(ctx context.Context, m types.Measurement) (string, error) {
	res, err := c.Send(ctx, m.Key, m.Value)
	if res == nil {
		return "", err
	}
	return res.String(), err
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.poster.Close()
}
