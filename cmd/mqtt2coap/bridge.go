package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/mqtt2coap/pkg/bqstore"
	"github.com/illmade-knight/mqtt2coap/pkg/cache"
	"github.com/illmade-knight/mqtt2coap/pkg/config"
	"github.com/illmade-knight/mqtt2coap/pkg/delivery"
	"github.com/illmade-knight/mqtt2coap/pkg/icestore"
	"github.com/illmade-knight/mqtt2coap/pkg/messagepipeline"
	"github.com/illmade-knight/mqtt2coap/pkg/metrics"
	"github.com/illmade-knight/mqtt2coap/pkg/microservice"
	"github.com/illmade-knight/mqtt2coap/pkg/mqttconverter"
	"github.com/illmade-knight/mqtt2coap/pkg/natsconverter"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// bridge owns every component of a running process.
type bridge struct {
	dispatcher *messagepipeline.Dispatcher
	server     *microservice.BaseServer
	sinks      []messagepipeline.Sink
	// stoppers run last-in first-out on shutdown, after the dispatcher has drained.
	stoppers []func(ctx context.Context) error
	logger   zerolog.Logger
}

func (b *bridge) onStop(fn func(ctx context.Context) error) {
	b.stoppers = append(b.stoppers, fn)
}

func (b *bridge) onClose(c io.Closer) {
	b.onStop(func(context.Context) error { return c.Close() })
}

// sinkNames lists the configured sinks in dispatch order.
func (b *bridge) sinkNames() []string {
	names := make([]string, 0, len(b.sinks))
	for _, s := range b.sinks {
		names = append(names, s.Name())
	}
	return names
}

// newBridge builds the source, the sinks and the side-server from cfg.
// Nothing connects to the broker until start.
// A failed build releases whatever was already created.
func newBridge(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*bridge, error) {
	b := &bridge{logger: logger}
	if err := b.build(ctx, cfg); err != nil {
		if stopErr := b.shutdown(context.WithoutCancel(ctx)); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("Errors releasing a partially built bridge.")
		}
		return nil, err
	}
	return b, nil
}

func (b *bridge) build(ctx context.Context, cfg *config.Config) error {
	logger := b.logger
	reg, bridgeMetrics := metrics.NewRegistry()

	var pubsubClient *pubsub.Client
	googleOpts := googleClientOptions(cfg)
	if cfg.Source == config.SourcePubsub || cfg.MirrorTopic != "" {
		var err error
		pubsubClient, err = pubsub.NewClient(ctx, cfg.ProjectID, googleOpts...)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		b.onClose(pubsubClient)
	}

	deliveryClient, err := delivery.NewClient(delivery.Config{URL: cfg.CoAPURL, Timeout: cfg.DeliveryTimeout}, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create delivery client: %w", err)
	}
	b.sinks = append(b.sinks, deliveryClient)
	b.onClose(deliveryClient)

	recorder, err := b.addReadingsSink(ctx, cfg, googleOpts)
	if err != nil {
		return err
	}
	if err := b.addArchiveSinks(ctx, cfg, googleOpts, pubsubClient); err != nil {
		return err
	}

	source, err := newSource(ctx, cfg, pubsubClient, logger)
	if err != nil {
		return err
	}

	dispatcher, err := messagepipeline.NewDispatcher(messagepipeline.DispatcherConfig{Metrics: bridgeMetrics}, source, b.sinks, logger)
	if err != nil {
		_ = source.Stop(ctx)
		return err
	}
	b.dispatcher = dispatcher

	if cfg.HTTPPort != "" {
		b.server = microservice.NewBaseServer(logger, cfg.HTTPPort)
		b.server.RegisterMetrics(reg)
		if recorder != nil {
			b.server.RegisterReadings(recorder)
		}
	}
	return nil
}

func googleClientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// newSource creates the configured broker connection.
func newSource(ctx context.Context, cfg *config.Config, pubsubClient *pubsub.Client, logger zerolog.Logger) (messagepipeline.EventSource, error) {
	switch cfg.Source {
	case config.SourceMQTT:
		mqttCfg := mqttconverter.LoadMQTTClientConfigFromEnv()
		mqttCfg.BrokerURL = mqttconverter.BrokerURL(cfg.MQTTHost, cfg.MQTTPort, cfg.MQTTTLS)
		mqttCfg.Topics = cfg.Filters()
		mqttCfg.Username = cfg.MQTTUsername
		mqttCfg.Password = cfg.MQTTPassword
		mqttCfg.CACertFile = cfg.MQTTCAFile
		mqttCfg.ClientCertFile = cfg.MQTTCertFile
		mqttCfg.ClientKeyFile = cfg.MQTTKeyFile
		if cfg.EventQueueSize > 0 {
			mqttCfg.EventQueueSize = cfg.EventQueueSize
		}
		return mqttconverter.NewMqttSource(mqttCfg, logger)
	case config.SourceNATS:
		natsCfg := natsconverter.NewNatsSourceDefaults(cfg.NATSURL, cfg.Filters())
		if cfg.EventQueueSize > 0 {
			natsCfg.EventQueueSize = cfg.EventQueueSize
		}
		return natsconverter.NewNatsSource(natsCfg, logger)
	case config.SourcePubsub:
		psCfg := messagepipeline.LoadDefaultGooglePubsubSourceConfig(cfg.PubsubSubscription)
		psCfg.ProjectID = cfg.ProjectID
		psCfg.CredentialsFile = cfg.CredentialsFile
		return messagepipeline.NewGooglePubsubSource(ctx, psCfg, pubsubClient, logger)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", config.ErrInvalidConfig, cfg.Source)
	}
}

// addReadingsSink adds the latest-reading recorder for the configured backend.
// It returns nil when the backend is "none".
func (b *bridge) addReadingsSink(ctx context.Context, cfg *config.Config, googleOpts []option.ClientOption) (*cache.ReadingRecorder, error) {
	var store cache.Cache[string, types.LatestReading]
	switch cfg.ReadingsBackend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		lru, err := cache.NewInMemoryLRUCache[string, types.LatestReading](cfg.ReadingsCacheSize)
		if err != nil {
			return nil, err
		}
		store = lru
	case config.BackendRedis:
		redisCache, err := cache.NewRedisCache[string, types.LatestReading](ctx, &cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			CacheTTL:  cfg.RedisTTL,
			KeyPrefix: "mqtt2coap:latest:",
		}, b.logger)
		if err != nil {
			return nil, err
		}
		store = redisCache
	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID, googleOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		b.onClose(fsClient)
		fsCache, err := cache.NewFirestoreCache[string, types.LatestReading](&cache.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: cfg.FirestoreCollection,
		}, fsClient, b.logger)
		if err != nil {
			return nil, err
		}
		store = fsCache
	default:
		return nil, fmt.Errorf("%w: unknown readings backend %q", config.ErrInvalidConfig, cfg.ReadingsBackend)
	}

	recorder, err := cache.NewReadingRecorder(store, b.logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	b.sinks = append(b.sinks, recorder)
	b.onClose(recorder)
	return recorder, nil
}

// addArchiveSinks adds the optional Pub/Sub mirror, BigQuery and GCS sinks.
func (b *bridge) addArchiveSinks(ctx context.Context, cfg *config.Config, googleOpts []option.ClientOption, pubsubClient *pubsub.Client) error {
	batchCfg := messagepipeline.BatcherConfig{
		BatchSize:     cfg.ArchiveBatchSize,
		FlushInterval: cfg.ArchiveFlushInterval,
	}

	if cfg.MirrorTopic != "" {
		producerCfg := messagepipeline.NewGooglePubsubProducerDefaults()
		producerCfg.ProjectID = cfg.ProjectID
		producerCfg.TopicID = cfg.MirrorTopic
		mirror, err := messagepipeline.NewPubsubMirrorSink(ctx, producerCfg, pubsubClient, b.logger)
		if err != nil {
			return err
		}
		b.sinks = append(b.sinks, mirror)
		b.onStop(mirror.Stop)
	}

	if cfg.BigQueryDataset != "" {
		bqClient, err := bqstore.NewProductionBigQueryClient(ctx, cfg.ProjectID, cfg.CredentialsFile, b.logger)
		if err != nil {
			return err
		}
		b.onClose(bqClient)
		inserter, err := bqstore.NewBigQueryInserter[types.Measurement](ctx, bqClient, &bqstore.BigQueryDatasetConfig{
			ProjectID:       cfg.ProjectID,
			DatasetID:       cfg.BigQueryDataset,
			TableID:         cfg.BigQueryTable,
			CredentialsFile: cfg.CredentialsFile,
		}, b.logger)
		if err != nil {
			return err
		}
		sink, err := bqstore.NewArchiveSink(batchCfg, inserter, b.logger)
		if err != nil {
			_ = inserter.Close()
			return err
		}
		sink.Start(context.WithoutCancel(ctx))
		b.sinks = append(b.sinks, sink)
		b.onStop(sink.Stop)
	}

	if cfg.GCSBucket != "" {
		gcsClient, err := storage.NewClient(ctx, googleOpts...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		b.onClose(gcsClient)
		uploader, err := icestore.NewGCSBatchUploader(icestore.NewGCSClientAdapter(gcsClient), icestore.GCSBatchUploaderConfig{
			BucketName:   cfg.GCSBucket,
			ObjectPrefix: cfg.GCSPrefix,
		}, b.logger)
		if err != nil {
			return err
		}
		sink, err := icestore.NewArchiveSink(batchCfg, uploader, b.logger)
		if err != nil {
			return err
		}
		sink.Start(context.WithoutCancel(ctx))
		b.sinks = append(b.sinks, sink)
		b.onStop(sink.Stop)
	}
	return nil
}

// start brings up the side-server, then the dispatcher and its source.
func (b *bridge) start(ctx context.Context) error {
	if b.server != nil {
		if err := b.server.Start(); err != nil {
			return err
		}
	}
	return b.dispatcher.Start(ctx)
}

// shutdown drains the dispatcher, flushes and closes the sinks and stops the
// side-server. It keeps going after a failed step and joins the errors.
func (b *bridge) shutdown(ctx context.Context) error {
	var errs []error
	if b.dispatcher != nil {
		if err := b.dispatcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	for i := len(b.stoppers) - 1; i >= 0; i-- {
		if err := b.stoppers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.stoppers = nil
	if b.server != nil {
		if err := b.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	return errors.Join(errs...)
}
