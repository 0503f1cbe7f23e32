package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/pkg/logger"
)

// KafkaPublisher publishes through a sarama SyncProducer so a message is
// acknowledged by the brokers before Publish returns.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// NewProducerConfig returns the sarama configuration used for outbound streams
func NewProducerConfig(version string) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version: %w", err)
		}
		cfg.Version = v
	}
	cfg.ClientID = "txmonitor"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 100 * time.Millisecond
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	return cfg, nil
}

// NewKafkaPublisher connects a producer to brokers
func NewKafkaPublisher(brokers []string, version string, log *logger.Logger) (*KafkaPublisher, error) {
	cfg, err := NewProducerConfig(version)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, log), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, log: log.Named("kafka-publisher")}
}

// Publish implements Publisher. Messages are keyed so that every event of
// one entity lands on the same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(data),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.log.Debug("message published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close flushes and closes the producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
