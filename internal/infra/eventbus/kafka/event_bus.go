// Package kafka provides a Kafka-backed implementation of the event bus used
// to publish scan lifecycle events.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/SolidityOps/scan-engine/internal/domain/events"
	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// Config contains settings for connecting to Kafka and routing scan events.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// ScanEventsTopic receives all scan lifecycle events.
	ScanEventsTopic string

	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus publishes domain events to Kafka. The engine is publish-only; the
// external platform consumes scan lifecycle events, the engine never does.
type EventBus struct {
	producer sarama.SyncProducer

	topicMap map[events.EventType]string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEventBusFromConfig connects a synchronous producer to the configured
// brokers. Acks from all in-sync replicas are required before Publish
// returns.
func NewEventBusFromConfig(cfg *Config, log *logger.Logger, tracer trace.Tracer) (*EventBus, error) {
	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID
	producerConfig.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return NewEventBus(producer, cfg, log, tracer), nil
}

// NewEventBus wraps an existing producer, which lets tests substitute a mock.
func NewEventBus(producer sarama.SyncProducer, cfg *Config, log *logger.Logger, tracer trace.Tracer) *EventBus {
	topicMap := map[events.EventType]string{
		scanning.EventTypeScanTriggered: cfg.ScanEventsTopic,
		scanning.EventTypeScanCompleted: cfg.ScanEventsTopic,
		scanning.EventTypeScanFailed:    cfg.ScanEventsTopic,
	}

	return &EventBus{
		producer: producer,
		topicMap: topicMap,
		logger:   log.With("component", "kafka_event_bus", "client_id", cfg.ClientID),
		tracer:   tracer,
	}
}

// ConnectWithRetry establishes the Kafka connection with exponential backoff,
// retrying for up to 5 minutes. Broker unavailability during startup is
// expected when the engine and the cluster come up together.
func ConnectWithRetry(cfg *Config, log *logger.Logger, tracer trace.Tracer) (events.EventBus, error) {
	var bus events.EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		bus, err = NewEventBusFromConfig(cfg, log, tracer)
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return bus, nil
}

// envelope is the wire form of an event envelope.
type envelope struct {
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   any              `json:"payload"`
}

// Publish sends a domain event to the Kafka topic mapped to its type. The
// key, when provided, pins all events of one scan to a single partition so
// consumers see its lifecycle in order.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := b.tracer.Start(ctx, "kafka.produce",
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(topic),
			semconv.MessagingOperationPublish,
		),
	)
	defer span.End()

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := json.Marshal(envelope{
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range params.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}
	injectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)

	return nil
}

// Close shuts down the underlying producer.
func (b *EventBus) Close() error { return b.producer.Close() }
