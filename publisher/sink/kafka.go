package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/conveyor/cfg"
	"github.com/maxpert/conveyor/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20
	DefaultKafkaWriteTimeout = 10 * time.Second
)

// contentTypes maps a feed format to the content-type header Kafka consumers see
var contentTypes = map[string]string{
	"json":    "application/json",
	"msgpack": "application/msgpack",
}

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewKafkaSink(KafkaOptionsFor(config))
	})
}

// KafkaOptions configures a KafkaSink
type KafkaOptions struct {
	Brokers      []string
	Format       string
	BatchSize    int
	BatchBytes   int64
	RequiredAcks kafka.RequiredAcks
	Compression  kafka.Compression
	WriteTimeout time.Duration
}

// KafkaOptionsFor derives sink options from a feed sink configuration
func KafkaOptionsFor(config cfg.SinkConfiguration) KafkaOptions {
	opts := KafkaOptions{
		Brokers:      config.Brokers,
		Format:       config.Format,
		BatchSize:    config.BatchSize,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Zstd,
	}
	if opts.Format == "" {
		opts.Format = "json"
	}
	return opts
}

// KafkaSink writes feed records synchronously so the worker cursor only moves
// after the brokers acknowledged them.
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
	headers []kafka.Header
}

var _ publisher.Sink = (*KafkaSink)(nil)

func NewKafkaSink(opts KafkaOptions) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultKafkaBatchSize
	}
	if opts.BatchBytes <= 0 {
		opts.BatchBytes = DefaultKafkaBatchBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultKafkaWriteTimeout
	}

	var headers []kafka.Header
	if ct, ok := contentTypes[opts.Format]; ok {
		headers = append(headers, kafka.Header{Key: "content-type", Value: []byte(ct)})
	}

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr: kafka.TCP(opts.Brokers...),
			// Records keyed by source event land on one partition in order
			Balancer:               &kafka.Hash{},
			BatchSize:              opts.BatchSize,
			BatchBytes:             opts.BatchBytes,
			RequiredAcks:           opts.RequiredAcks,
			Compression:            opts.Compression,
			AllowAutoTopicCreation: true,
		},
		timeout: opts.WriteTimeout,
		headers: headers,
	}, nil
}

func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: k.headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
