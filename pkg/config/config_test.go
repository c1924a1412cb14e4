package config_test

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/mqtt2coap/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(nil, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, config.SourceMQTT, cfg.Source)
	assert.Equal(t, "localhost", cfg.MQTTHost)
	assert.Equal(t, 1883, cfg.MQTTPort)
	assert.Equal(t, []string{"test123"}, cfg.Filters())
	assert.Equal(t, "coap://localhost/store_data", cfg.CoAPURL)
	assert.Equal(t, 30*time.Second, cfg.DeliveryTimeout)
	assert.Equal(t, 64, cfg.EventQueueSize)
	assert.Equal(t, ":8080", cfg.HTTPPort)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, level)
}

func TestLoad_Precedence(t *testing.T) {
	// Arrange: every layer sets mqtt_host, lower layers set one field each.
	path := writeConfigFile(t, `
mqtt_host: from-file
mqtt_port: 2883
topic_prefix: "site/"
topics: [a, b]
delivery_timeout: 5s
`)
	env := envFrom(map[string]string{
		"MQTT2COAP_MQTT_HOST":        "from-env",
		"MQTT2COAP_MQTT_PORT":        "3883",
		"MQTT2COAP_HTTP_PORT":        ":9090",
		"MQTT2COAP_MQTT_TLS":         "true",
		"MQTT2COAP_REDIS_TTL":        "1h",
		"MQTT2COAP_EVENT_QUEUE_SIZE": "8",
	})
	args := []string{"--config", path, "--mqtt-host", "from-flag"}

	// Act
	cfg, err := config.Load(args, env)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.MQTTHost, "flag beats env and file")
	assert.Equal(t, 3883, cfg.MQTTPort, "env beats file")
	assert.Equal(t, 5*time.Second, cfg.DeliveryTimeout, "file beats defaults")
	assert.Equal(t, []string{"site/a", "site/b"}, cfg.Filters())
	assert.Equal(t, ":9090", cfg.HTTPPort)
	assert.True(t, cfg.MQTTTLS)
	assert.Equal(t, time.Hour, cfg.RedisTTL)
	assert.Equal(t, 8, cfg.EventQueueSize)
}

func TestLoad_DefaultFlagValuesDoNotOverride(t *testing.T) {
	env := envFrom(map[string]string{"MQTT2COAP_MQTT_HOST": "from-env"})

	cfg, err := config.Load([]string{"--mqtt-port", "1884"}, env)

	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MQTTHost)
	assert.Equal(t, 1884, cfg.MQTTPort)
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	path := writeConfigFile(t, "coap_url: http://ingest.local/store_data\n")

	cfg, err := config.Load(nil, envFrom(map[string]string{config.ConfigFileEnv: path}))

	require.NoError(t, err)
	assert.Equal(t, "http://ingest.local/store_data", cfg.CoAPURL)
}

func TestLoad_TopicsFlag(t *testing.T) {
	cfg, err := config.Load([]string{"--topics", " x , ,y", "--topic-prefix", "p/"}, envFrom(nil))

	require.NoError(t, err)
	assert.Equal(t, []string{"p/x", "p/y"}, cfg.Filters())
}

func TestLoad_VerbosityFlags(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		want zerolog.Level
	}{
		{name: "default", args: nil, want: zerolog.ErrorLevel},
		{name: "short verbose", args: []string{"-v"}, want: zerolog.InfoLevel},
		{name: "long debug", args: []string{"--debug"}, want: zerolog.DebugLevel},
		{name: "trace wins", args: []string{"-v", "-t"}, want: zerolog.TraceLevel},
		{name: "log level", args: []string{"--log-level", "warn"}, want: zerolog.WarnLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Load(tc.args, envFrom(nil))
			require.NoError(t, err)
			level, err := cfg.Level()
			require.NoError(t, err)
			assert.Equal(t, tc.want, level)
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "no topics", args: []string{"--topics", " , "}},
		{name: "zero timeout", args: []string{"--delivery-timeout", "0s"}},
		{name: "bad scheme", args: []string{"--coap-url", "ftp://host/x"}},
		{name: "unknown source", args: []string{"--source", "kafka"}},
		{name: "unknown backend", args: []string{"--readings-backend", "memcached"}},
		{name: "pubsub without project", args: []string{"--source", "pubsub", "--pubsub-subscription", "s"}},
		{name: "gcs without project", args: []string{"--gcs-bucket", "b"}},
		{name: "half bigquery", args: []string{"--project-id", "p", "--bigquery-dataset", "d"}},
		{name: "bad log level", args: []string{"--log-level", "loud"}},
		{name: "unknown flag", args: []string{"--nope"}},
		{name: "bad env value", env: map[string]string{"MQTT2COAP_MQTT_PORT": "abc"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(tc.args, envFrom(tc.env))
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestLoad_Help(t *testing.T) {
	_, err := config.Load([]string{"-h"}, envFrom(nil))
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := config.Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}, envFrom(nil))
	require.Error(t, err)
}

func TestConfig_Redacted(t *testing.T) {
	cfg := config.Default()
	cfg.MQTTPassword = "hunter2"

	red := cfg.Redacted()

	assert.Equal(t, "****", red.MQTTPassword)
	assert.Empty(t, red.RedisPassword, "empty secrets stay empty")
	assert.Equal(t, "hunter2", cfg.MQTTPassword, "receiver is untouched")
}

func TestConfig_UsesGoogleCloud(t *testing.T) {
	cfg := config.Default()
	assert.False(t, cfg.UsesGoogleCloud())
	cfg.ReadingsBackend = config.BackendFirestore
	assert.True(t, cfg.UsesGoogleCloud())
}
