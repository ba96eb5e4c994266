package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaMinBytes     = 1
	defaultKafkaMaxBytes     = 10 << 20
	defaultKafkaBatchTimeout = 10 * time.Millisecond
)

func kafkaTLS() *tls.Config {
	if !envEnabled(envKafkaTLS) {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func newKafkaConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := normalizeList(cfg.Brokers)
	topics := normalizeList(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, errors.New("kafka consumer requires at least one broker")
	case group == "":
		return nil, errors.New("kafka consumer requires group")
	case len(topics) == 0:
		return nil, errors.New("kafka consumer requires at least one topic")
	}
	minBytes, maxBytes := cfg.KafkaMinBytes, cfg.KafkaMaxBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, errors.New("kafka consumer max bytes must be >= min bytes")
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if t := kafkaTLS(); t != nil {
		rc.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: t}
	}
	reader := kafka.NewReader(rc)

	// Offsets are committed only on Ack; a crash before Ack redelivers to the group.
	fetch := func(ctx context.Context) (Message, error) {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Message{}, drained(nil)
			}
			return Message{}, err
		}
		return Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ackFn: func(ctx context.Context) error {
				return reader.CommitMessages(ctx, km)
			},
		}, nil
	}
	return newStream(ctx, reader.Close).run(fetch), nil
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = defaultKafkaBatchTimeout
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireAll,
		// Equal keys land on one partition, so one task's redeliveries stay ordered.
		Balancer: &kafka.Hash{},
	}
	if t := kafkaTLS(); t != nil {
		w.Transport = &kafka.Transport{TLS: t}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic, err := requireTopic(topic)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
