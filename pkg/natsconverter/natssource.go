// Package natsconverter adapts a NATS connection to the event source contract
// used by the dispatcher. MQTT-style subscription filters are translated to
// NATS subjects, and subjects are translated back to slash topics on receipt.
package natsconverter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NatsSourceConfig holds the connection and subscription settings for a NatsSource.
type NatsSourceConfig struct {
	URL string
	// Filters are MQTT-style subscription filters, e.g. "zigbee2mqtt/+".
	Filters        []string
	ClientName     string
	Username       string
	Password       string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	EventQueueSize int
}

// NewNatsSourceDefaults returns a config with the reconnect behaviour used in production.
func NewNatsSourceDefaults(url string, filters []string) *NatsSourceConfig {
	return &NatsSourceConfig{
		URL:            url,
		Filters:        filters,
		ClientName:     "mqtt2coap-" + uuid.NewString()[:8],
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		EventQueueSize: 64,
	}
}

// SubjectForFilter converts an MQTT filter to a NATS subject.
func SubjectForFilter(filter string) string {
	parts := strings.Split(filter, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// TopicForSubject converts a NATS subject back to a slash-separated topic.
func TopicForSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// NatsSource implements the messagepipeline.EventSource interface for NATS core subjects.
type NatsSource struct {
	cfg        *NatsSourceConfig
	logger     zerolog.Logger
	conn       *nats.Conn
	subs       []*nats.Subscription
	outputChan chan types.Event
	doneChan   chan struct{}
	stopChan   chan struct{}
	stopOnce   sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewNatsSource validates cfg and prepares the source. It does not connect until Start.
func NewNatsSource(cfg *NatsSourceConfig, logger zerolog.Logger) (*NatsSource, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("NATS URL is required")
	}
	if len(cfg.Filters) == 0 {
		return nil, errors.New("at least one NATS subscription filter is required")
	}
	queueSize := cfg.EventQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &NatsSource{
		cfg:        cfg,
		logger:     logger.With().Str("component", "NatsSource").Str("url", cfg.URL).Logger(),
		outputChan: make(chan types.Event, queueSize),
		doneChan:   make(chan struct{}),
		stopChan:   make(chan struct{}),
	}, nil
}

func (s *NatsSource) Events() <-chan types.Event { return s.outputChan }

func (s *NatsSource) Done() <-chan struct{} { return s.doneChan }

// Start connects and subscribes to every filter. Failing either is returned.
func (s *NatsSource) Start(ctx context.Context) error {
	s.logger.Info().Msg("Connecting to NATS...")
	conn, err := nats.Connect(s.cfg.URL, s.connectionOptions()...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.cfg.URL, err)
	}
	s.conn = conn

	subjects := make([]string, 0, len(s.cfg.Filters))
	for _, f := range s.cfg.Filters {
		subject := SubjectForFilter(f)
		sub, err := conn.Subscribe(subject, s.handleMsg)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		subjects = append(subjects, subject)
	}

	flushTimeout := s.cfg.ConnectTimeout
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := conn.FlushWithContext(flushCtx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to confirm NATS subscriptions: %w", err)
	}

	s.logger.Info().Strs("subjects", subjects).Msg("Subscribed to NATS subjects.")
	s.emit(types.Event{Kind: types.EventSubscribed, Detail: strings.Join(subjects, ","), ReceivedAt: time.Now().UTC()})
	return nil
}

// Stop unsubscribes, closes the connection and the event channel.
func (s *NatsSource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping NatsSource...")
		close(s.stopChan)
		for _, sub := range s.subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				s.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe.")
			}
		}
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Lock()
		s.closed = true
		close(s.outputChan)
		s.mu.Unlock()
		close(s.doneChan)
		s.logger.Info().Msg("NatsSource stopped.")
	})
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (s *NatsSource) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// GetMessageHandlerForTest returns the internal message handler for unit testing.
func (s *NatsSource) GetMessageHandlerForTest() nats.MsgHandler {
	return s.handleMsg
}

func (s *NatsSource) handleMsg(msg *nats.Msg) {
	payloadCopy := make([]byte, len(msg.Data))
	copy(payloadCopy, msg.Data)

	ev := types.NewPublishEvent(TopicForSubject(msg.Subject), payloadCopy, msg.Header.Get(nats.MsgIdHdr))
	if !s.emit(ev) {
		s.logger.Warn().Str("subject", msg.Subject).Msg("Source is shutting down, dropping NATS message.")
	}
}

func (s *NatsSource) emit(ev types.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.outputChan <- ev:
		return true
	case <-s.stopChan:
		return false
	}
}

func (s *NatsSource) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Error().Err(err).Msg("NATS connection lost.")
			s.emit(types.Event{Kind: types.EventConnectionLost, Err: err, ReceivedAt: time.Now().UTC()})
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("server", c.ConnectedUrl()).Msg("NATS reconnected.")
			s.emit(types.Event{Kind: types.EventConnected, Detail: c.ConnectedUrl(), ReceivedAt: time.Now().UTC()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			detail := ""
			if sub != nil {
				detail = sub.Subject
			}
			s.logger.Error().Err(err).Str("subject", detail).Msg("NATS async error.")
			s.emit(types.Event{Kind: types.EventError, Err: err, Detail: detail, ReceivedAt: time.Now().UTC()})
		}),
	}
	if s.cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(s.cfg.ConnectTimeout))
	}
	if s.cfg.ClientName != "" {
		opts = append(opts, nats.Name(s.cfg.ClientName))
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}
	return opts
}
