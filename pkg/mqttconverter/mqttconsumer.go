package mqttconverter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// subackFailure is the SUBACK return code for a rejected filter.
const subackFailure = 0x80

// MqttSource implements the messagepipeline.EventSource interface for an MQTT broker.
type MqttSource struct {
	pahoClient mqtt.Client
	logger     zerolog.Logger
	mqttCfg    *MQTTClientConfig
	outputChan chan types.Event
	doneChan   chan struct{}
	stopChan   chan struct{}
	stopOnce   sync.Once
	subscribed atomic.Bool

	// mu guards outputChan against a send racing its close.
	mu     sync.RWMutex
	closed bool
}

// NewMqttSource creates a new MqttSource with a Paho client built from cfg.
// It does not connect until Start is called.
func NewMqttSource(cfg *MQTTClientConfig, logger zerolog.Logger) (*MqttSource, error) {
	s, err := newMqttSource(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts, err := s.createMqttOptions()
	if err != nil {
		return nil, err
	}
	s.pahoClient = mqtt.NewClient(opts)
	return s, nil
}

// NewMqttSourceWithClient creates an MqttSource around an existing client.
// The client's options must route messages to GetMessageHandlerForTest or
// equivalent; it is used by tests with a mock client.
func NewMqttSourceWithClient(client mqtt.Client, cfg *MQTTClientConfig, logger zerolog.Logger) (*MqttSource, error) {
	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	s, err := newMqttSource(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.pahoClient = client
	return s, nil
}

func newMqttSource(cfg *MQTTClientConfig, logger zerolog.Logger) (*MqttSource, error) {
	if cfg == nil || cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one MQTT subscription filter is required")
	}
	queueSize := cfg.EventQueueSize
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	return &MqttSource{
		logger:     logger.With().Str("component", "MqttSource").Str("broker", cfg.BrokerURL).Logger(),
		mqttCfg:    cfg,
		outputChan: make(chan types.Event, queueSize),
		doneChan:   make(chan struct{}),
		stopChan:   make(chan struct{}),
	}, nil
}

// Events returns the read-only channel of broker events.
func (c *MqttSource) Events() <-chan types.Event {
	return c.outputChan
}

// Start connects to the broker and subscribes to every configured filter.
// Either failing is returned to the caller; reconnects after that are handled
// by the Paho client, which re-subscribes on each new connection.
func (c *MqttSource) Start(ctx context.Context) error {
	c.logger.Info().Msg("Attempting to connect to MQTT broker...")
	token := c.pahoClient.Connect()
	if err := c.waitToken(ctx, token, c.mqttCfg.ConnectTimeout); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.mqttCfg.BrokerURL, err)
	}
	c.logger.Info().Msg("Initial connection to MQTT broker successful.")

	if err := c.subscribe(ctx); err != nil {
		return err
	}
	c.subscribed.Store(true)
	return nil
}

// Stop unsubscribes, disconnects and closes the event channel.
func (c *MqttSource) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MqttSource...")
		close(c.stopChan)
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			token := c.pahoClient.Unsubscribe(c.mqttCfg.Topics...)
			if token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Strs("topics", c.mqttCfg.Topics).Msg("Failed to unsubscribe from MQTT topics.")
			}
			c.pahoClient.Disconnect(500) // 500ms grace period
			c.logger.Info().Msg("Paho MQTT client disconnected.")
		}

		c.mu.Lock()
		c.closed = true
		close(c.outputChan)
		c.mu.Unlock()
		close(c.doneChan)
		c.logger.Info().Msg("MqttSource stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the source has fully stopped.
func (c *MqttSource) Done() <-chan struct{} {
	return c.doneChan
}

// IsConnected returns the connection status of the underlying Paho client.
// This is useful for integration tests to wait until the source is ready.
func (c *MqttSource) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// GetMessageHandlerForTest returns the internal message handler for unit testing.
func (c *MqttSource) GetMessageHandlerForTest() mqtt.MessageHandler {
	return c.handleIncomingMessage
}

// GetConnectionLostHandlerForTest returns the internal connection-lost handler for unit testing.
func (c *MqttSource) GetConnectionLostHandlerForTest() mqtt.ConnectionLostHandler {
	return c.handleConnectionLost
}

// GetOnConnectHandlerForTest returns the internal on-connect handler for unit testing.
func (c *MqttSource) GetOnConnectHandlerForTest() mqtt.OnConnectHandler {
	return c.handleConnect
}

func (c *MqttSource) subscribe(ctx context.Context) error {
	filters := make(map[string]byte, len(c.mqttCfg.Topics))
	for _, t := range c.mqttCfg.Topics {
		filters[t] = c.mqttCfg.QoS
	}
	token := c.pahoClient.SubscribeMultiple(filters, c.handleIncomingMessage)
	if err := c.waitToken(ctx, token, c.mqttCfg.ConnectTimeout); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", c.mqttCfg.Topics, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subackFailure {
				return fmt.Errorf("broker rejected subscription to %s", topic)
			}
		}
	}
	c.logger.Info().Strs("topics", c.mqttCfg.Topics).Int("qos", int(c.mqttCfg.QoS)).Msg("Successfully subscribed to MQTT topics.")
	c.emit(types.Event{Kind: types.EventSubscribed, Detail: strings.Join(c.mqttCfg.Topics, ","), ReceivedAt: time.Now().UTC()})
	return nil
}

// waitToken waits for a Paho token, bounded by timeout and ctx.
func (c *MqttSource) waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit hands an event to the dispatcher. It blocks while the queue is full
// and gives up once the source is stopping.
func (c *MqttSource) emit(ev types.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.outputChan <- ev:
		return true
	case <-c.stopChan:
		return false
	}
}

// handleIncomingMessage is the callback that converts MQTT messages to publish events.
func (c *MqttSource) handleIncomingMessage(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Trace().Str("topic", msg.Topic()).Uint16("msg_id", msg.MessageID()).Msg("Received MQTT message")
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	ev := types.NewPublishEvent(msg.Topic(), payloadCopy, strconv.Itoa(int(msg.MessageID())))
	ev.Duplicate = msg.Duplicate()
	// For QoS > 0 the ack is handled at the protocol level by the Paho client.
	if !c.emit(ev) {
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Source is shutting down, dropping MQTT message.")
	}
}

func (c *MqttSource) handleConnect(_ mqtt.Client) {
	c.logger.Info().Msg("Paho client connected to MQTT broker.")
	c.emit(types.Event{Kind: types.EventConnected, Detail: c.mqttCfg.BrokerURL, ReceivedAt: time.Now().UTC()})
	// The initial subscription is made by Start; later connections are reconnects.
	if !c.subscribed.Load() {
		return
	}
	go func() {
		if err := c.subscribe(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("Failed to re-subscribe after reconnect.")
			c.emit(types.Event{Kind: types.EventError, Err: err, Detail: "resubscribe", ReceivedAt: time.Now().UTC()})
		}
	}()
}

func (c *MqttSource) handleConnectionLost(_ mqtt.Client, err error) {
	c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	c.emit(types.Event{Kind: types.EventConnectionLost, Err: err, ReceivedAt: time.Now().UTC()})
}

// createMqttOptions assembles the Paho client options from the config.
func (c *MqttSource) createMqttOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.mqttCfg.BrokerURL)
	opts.SetClientID(c.mqttCfg.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(c.mqttCfg.Username)
	opts.SetPassword(c.mqttCfg.Password)
	opts.SetKeepAlive(c.mqttCfg.KeepAlive)
	opts.SetConnectTimeout(c.mqttCfg.ConnectTimeout)
	opts.SetCleanSession(c.mqttCfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	if c.mqttCfg.ReconnectWaitMax > 0 {
		opts.SetMaxReconnectInterval(c.mqttCfg.ReconnectWaitMax)
	}
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(c.handleIncomingMessage)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Warn().Msg("Reconnecting to MQTT broker...")
	})

	lower := strings.ToLower(c.mqttCfg.BrokerURL)
	if strings.HasPrefix(lower, "tls://") || strings.HasPrefix(lower, "ssl://") {
		tlsConfig, err := newTLSConfig(c.mqttCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		c.logger.Info().Msg("TLS configured for MQTT client.")
	}
	return opts, nil
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
