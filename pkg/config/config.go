// Package config loads the bridge configuration from defaults, an optional
// YAML file, MQTT2COAP_* environment variables and command-line flags, in
// that order of precedence (flags win).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/mqtt2coap/pkg/delivery"
	"github.com/illmade-knight/mqtt2coap/pkg/measurement"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the upper-cased YAML name of each field.
const EnvPrefix = "MQTT2COAP_"

// ConfigFileEnv names the config file when --config is not given.
const ConfigFileEnv = EnvPrefix + "CONFIG"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Supported values for Source and ReadingsBackend.
const (
	SourceMQTT   = "mqtt"
	SourceNATS   = "nats"
	SourcePubsub = "pubsub"

	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendNone      = "none"
)

// Config is the complete runtime configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" usage:"log level when no verbosity flag is set (trace, debug, info, warn, error)"`
	LogFormat string `yaml:"log_format" usage:"log output format: json or console"`
	Verbose   bool   `yaml:"verbose" usage:"log at info level"`
	Debug     bool   `yaml:"debug" usage:"log at debug level"`
	Trace     bool   `yaml:"trace" usage:"log at trace level"`

	Source string `yaml:"source" usage:"message source: mqtt, nats or pubsub"`

	MQTTHost     string `yaml:"mqtt_host" usage:"MQTT broker host"`
	MQTTPort     int    `yaml:"mqtt_port" usage:"MQTT broker port"`
	MQTTUsername string `yaml:"mqtt_username" usage:"MQTT username"`
	MQTTPassword string `yaml:"mqtt_password" usage:"MQTT password" secret:"true"`
	MQTTTLS      bool   `yaml:"mqtt_tls" usage:"connect to the MQTT broker over TLS"`
	MQTTCAFile   string `yaml:"mqtt_ca_file" usage:"CA certificate for the MQTT broker"`
	MQTTCertFile string `yaml:"mqtt_cert_file" usage:"client certificate for MQTT"`
	MQTTKeyFile  string `yaml:"mqtt_key_file" usage:"client key for MQTT"`

	TopicPrefix string   `yaml:"topic_prefix" usage:"prefix prepended to every topic"`
	Topics      []string `yaml:"topics" usage:"comma-separated topics to subscribe to"`

	CoAPURL         string        `yaml:"coap_url" usage:"ingestion endpoint (coap://, http:// or https://)"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" usage:"timeout of a single delivery"`
	EventQueueSize  int           `yaml:"event_queue_size" usage:"buffered broker events"`

	NATSURL string `yaml:"nats_url" usage:"NATS server URL"`

	ProjectID          string `yaml:"project_id" usage:"Google Cloud project"`
	CredentialsFile    string `yaml:"credentials_file" usage:"Google Cloud credentials file"`
	PubsubSubscription string `yaml:"pubsub_subscription" usage:"Pub/Sub subscription to read from"`
	MirrorTopic        string `yaml:"mirror_topic" usage:"Pub/Sub topic to mirror measurements to"`

	BigQueryDataset      string        `yaml:"bigquery_dataset" usage:"BigQuery dataset for the measurement archive"`
	BigQueryTable        string        `yaml:"bigquery_table" usage:"BigQuery table for the measurement archive"`
	GCSBucket            string        `yaml:"gcs_bucket" usage:"GCS bucket for the cold archive"`
	GCSPrefix            string        `yaml:"gcs_prefix" usage:"object prefix inside the GCS bucket"`
	ArchiveBatchSize     int           `yaml:"archive_batch_size" usage:"measurements per archive batch"`
	ArchiveFlushInterval time.Duration `yaml:"archive_flush_interval" usage:"maximum age of an archive batch"`

	ReadingsBackend     string        `yaml:"readings_backend" usage:"latest-reading store: memory, redis, firestore or none"`
	ReadingsCacheSize   int           `yaml:"readings_cache_size" usage:"entries kept by the memory store"`
	RedisAddr           string        `yaml:"redis_addr" usage:"Redis address"`
	RedisPassword       string        `yaml:"redis_password" usage:"Redis password" secret:"true"`
	RedisDB             int           `yaml:"redis_db" usage:"Redis database"`
	RedisTTL            time.Duration `yaml:"redis_ttl" usage:"expiry of stored readings in Redis"`
	FirestoreCollection string        `yaml:"firestore_collection" usage:"Firestore collection for readings"`

	HTTPPort string `yaml:"http_port" usage:"address of the health/metrics server, empty disables it"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel:             "error",
		LogFormat:            "json",
		Source:               SourceMQTT,
		MQTTHost:             "localhost",
		MQTTPort:             1883,
		Topics:               []string{"test123"},
		CoAPURL:              "coap://localhost/store_data",
		DeliveryTimeout:      delivery.DefaultTimeout,
		EventQueueSize:       64,
		NATSURL:              "nats://localhost:4222",
		ArchiveBatchSize:     500,
		ArchiveFlushInterval: time.Minute,
		ReadingsBackend:      BackendMemory,
		ReadingsCacheSize:    10000,
		RedisAddr:            "localhost:6379",
		RedisTTL:             24 * time.Hour,
		FirestoreCollection:  "latest-readings",
		HTTPPort:             ":8080",
	}
}

// Load builds the configuration from args (without the program name) and the
// environment seen through getenv. The result is validated.
func Load(args []string, getenv func(string) string) (*Config, error) {
	flagValues := Default()
	fs := flag.NewFlagSet("mqtt2coap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a YAML config file")
	fields := bindFlags(fs, flagValues)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stderr)
			fs.PrintDefaults()
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path = getenv(ConfigFileEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	// Only flags given on the command line override the layers below.
	dst := reflect.ValueOf(cfg).Elem()
	src := reflect.ValueOf(flagValues).Elem()
	fs.Visit(func(f *flag.Flag) {
		if idx, ok := fields[f.Name]; ok {
			dst.Field(idx).Set(src.Field(idx))
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if len(c.Filters()) == 0 {
		return fmt.Errorf("%w: no topics to subscribe to", ErrInvalidConfig)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("%w: delivery_timeout must be positive, got %v", ErrInvalidConfig, c.DeliveryTimeout)
	}
	if !delivery.SupportedScheme(c.CoAPURL) {
		return fmt.Errorf("%w: unsupported coap_url %q", ErrInvalidConfig, c.CoAPURL)
	}
	if c.EventQueueSize < 0 {
		return fmt.Errorf("%w: event_queue_size cannot be negative", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalidConfig, c.LogFormat)
	}

	switch c.Source {
	case SourceMQTT:
		if c.MQTTHost == "" || c.MQTTPort <= 0 || c.MQTTPort > 65535 {
			return fmt.Errorf("%w: mqtt_host and a valid mqtt_port are required", ErrInvalidConfig)
		}
	case SourceNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("%w: nats_url is required for the nats source", ErrInvalidConfig)
		}
	case SourcePubsub:
		if c.PubsubSubscription == "" {
			return fmt.Errorf("%w: pubsub_subscription is required for the pubsub source", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, c.Source)
	}

	switch c.ReadingsBackend {
	case BackendMemory:
		if c.ReadingsCacheSize <= 0 {
			return fmt.Errorf("%w: readings_cache_size must be positive", ErrInvalidConfig)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr is required for the redis backend", ErrInvalidConfig)
		}
	case BackendFirestore, BackendNone:
	default:
		return fmt.Errorf("%w: unknown readings_backend %q", ErrInvalidConfig, c.ReadingsBackend)
	}

	if (c.BigQueryDataset == "") != (c.BigQueryTable == "") {
		return fmt.Errorf("%w: bigquery_dataset and bigquery_table must be set together", ErrInvalidConfig)
	}
	if (c.BigQueryDataset != "" || c.GCSBucket != "") && (c.ArchiveBatchSize <= 0 || c.ArchiveFlushInterval <= 0) {
		return fmt.Errorf("%w: archive batch size and flush interval must be positive", ErrInvalidConfig)
	}
	if c.UsesGoogleCloud() && c.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required when a Google Cloud component is enabled", ErrInvalidConfig)
	}
	return nil
}

// Filters returns the subscription filters: every topic joined with the prefix.
func (c *Config) Filters() []string {
	return measurement.SubscriptionFilters(c.TopicPrefix, strings.Join(c.Topics, ","))
}

// UsesGoogleCloud reports whether any Google Cloud component is enabled.
func (c *Config) UsesGoogleCloud() bool {
	return c.Source == SourcePubsub ||
		c.MirrorTopic != "" ||
		c.BigQueryDataset != "" ||
		c.GCSBucket != "" ||
		c.ReadingsBackend == BackendFirestore
}

// Level resolves the log level. The verbosity flags take precedence over
// log_level, the most verbose one winning.
func (c *Config) Level() (zerolog.Level, error) {
	switch {
	case c.Trace:
		return zerolog.TraceLevel, nil
	case c.Debug:
		return zerolog.DebugLevel, nil
	case c.Verbose:
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return level, nil
}

// NewLogger sets the global log level and returns the root logger writing to out.
func (c *Config) NewLogger(out io.Writer) zerolog.Logger {
	level, err := c.Level()
	if err != nil {
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Redacted returns a copy with secrets masked, suitable for logging.
func (c *Config) Redacted() Config {
	out := *c
	v := reflect.ValueOf(&out).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("secret") == "true" && v.Field(i).String() != "" {
			v.Field(i).SetString("****")
		}
	}
	return out
}

// EnvName is the environment variable that sets the field with the given YAML name.
func EnvName(yamlName string) string {
	return EnvPrefix + strings.ToUpper(yamlName)
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	return name
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := yamlName(t.Field(i))
		if name == "" || name == "-" {
			continue
		}
		raw := getenv(EnvName(name))
		if raw == "" {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvName(name), err)
		}
	}
	return nil
}

// bindFlags registers one flag per field, named after its YAML name with
// dashes, and returns the field index of every flag. The verbosity fields
// also get their single-letter forms.
func bindFlags(fs *flag.FlagSet, cfg *Config) map[string]int {
	short := map[string]string{"verbose": "v", "debug": "d", "trace": "t"}
	fields := make(map[string]int)
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := yamlName(f)
		if name == "" || name == "-" {
			continue
		}
		fv := &fieldValue{v: v.Field(i)}
		flagName := strings.ReplaceAll(name, "_", "-")
		fs.Var(fv, flagName, f.Tag.Get("usage"))
		fields[flagName] = i
		if s, ok := short[name]; ok {
			fs.Var(fv, s, f.Tag.Get("usage"))
			fields[s] = i
		}
	}
	return fields
}

// fieldValue exposes a Config field as a flag.Value.
type fieldValue struct {
	v reflect.Value
}

func (f *fieldValue) String() string {
	if f == nil || !f.v.IsValid() {
		return ""
	}
	if s, ok := f.v.Interface().([]string); ok {
		return strings.Join(s, ",")
	}
	return fmt.Sprint(f.v.Interface())
}

func (f *fieldValue) Set(s string) error { return setField(f.v, s) }

func (f *fieldValue) IsBoolFlag() bool { return f.v.Kind() == reflect.Bool }

var durationType = reflect.TypeOf(time.Duration(0))

// setField parses raw into v according to its type. Lists are comma-separated.
func setField(v reflect.Value, raw string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Slice:
		v.Set(reflect.ValueOf(measurement.SubscriptionFilters("", raw)))
	default:
		return fmt.Errorf("unsupported field type %s", v.Type())
	}
	return nil
}
