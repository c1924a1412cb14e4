package mqttconverter

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// MQTTClientConfig holds all necessary configuration for the Paho MQTT client.
// It defines connection parameters, security settings, and the subscription filters for the source.
type MQTTClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string
	// Topics are the subscription filters, already prefixed. Every filter is
	// subscribed with the same QoS.
	Topics []string
	// QoS is the fixed subscription quality of service.
	QoS byte
	// ClientIDPrefix is a prefix for the MQTT client ID. A unique suffix is
	// automatically added to ensure client uniqueness, which is required by most brokers.
	ClientIDPrefix string
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// KeepAlive is the interval at which the client sends keep-alive pings to the broker.
	KeepAlive time.Duration
	// ConnectTimeout is the timeout for the initial connection attempt.
	ConnectTimeout time.Duration
	// ReconnectWaitMax is the maximum time to wait before attempting to reconnect.
	ReconnectWaitMax time.Duration
	// CleanSession asks the broker not to keep session state between connections.
	CleanSession bool
	// CACertFile is an optional path to a CA certificate file for verifying the broker's certificate.
	CACertFile string
	// ClientCertFile is an optional path to a client certificate file for mTLS authentication.
	ClientCertFile string
	// ClientKeyFile is an optional path to a client key file for mTLS authentication.
	ClientKeyFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
	// EventQueueSize is the buffer between the Paho callbacks and the dispatcher.
	EventQueueSize int
}

// Env constants for setting Mqtt settings
const (
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
	MqttEventQueueSize        = "MQTT_EVENT_QUEUE_SIZE"
)

// Defaults used by LoadMQTTClientConfigFromEnv.
const (
	DefaultKeepAlive      = 25 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultQoS            = 1
	DefaultEventQueueSize = 64
)

// LoadMQTTClientConfigFromEnv loads MQTT operational configuration from environment variables.
// It populates settings like timeouts and keep-alive intervals with sensible defaults if
// the environment variables are not set.
// Note: BrokerURL and Topics are not loaded from the environment and must be configured programmatically.
func LoadMQTTClientConfigFromEnv() *MQTTClientConfig {
	cfg := &MQTTClientConfig{
		QoS:              DefaultQoS,
		KeepAlive:        DefaultKeepAlive,
		ConnectTimeout:   DefaultConnectTimeout,
		ReconnectWaitMax: 120 * time.Second,
		CleanSession:     true,
		ClientIDPrefix:   "mqtt2coap-",
		EventQueueSize:   DefaultEventQueueSize,
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}

	// Parse durations if set in env, otherwise use defaults
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		s, err := time.ParseDuration(ka + "s")
		if err == nil {
			cfg.KeepAlive = s
		} else {
			log.Warn().Err(err).Msg("mqttconverter: error parsing keepAlive seconds, using default")
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		s, err := time.ParseDuration(ct + "s")
		if err == nil {
			cfg.ConnectTimeout = s
		} else {
			log.Warn().Err(err).Msg("mqttconverter: error parsing connect timeout seconds, using default")
		}
	}
	if qs := os.Getenv(MqttEventQueueSize); qs != "" {
		n, err := strconv.Atoi(qs)
		if err == nil && n > 0 {
			cfg.EventQueueSize = n
		} else {
			log.Warn().Str("value", qs).Msg("mqttconverter: invalid event queue size, using default")
		}
	}

	return cfg
}

// BrokerURL builds the Paho broker address for host and port.
func BrokerURL(host string, port int, useTLS bool) string {
	scheme := "tcp"
	if useTLS {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}
