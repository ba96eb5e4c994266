// Package queue carries task envelopes between the API and the workers over Kafka, a Redis
// list or line-delimited stdio.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverRedis = "redis"
	DriverStdio = "stdio"
)

const (
	envKafkaTLS = "TIPLEDGER_QUEUE_KAFKA_TLS"
	envRedisTLS = "TIPLEDGER_QUEUE_REDIS_TLS"

	messageBuffer = 64
	errorBuffer   = 8
)

// Message is one delivered record. Ack must be called once the message is fully handled;
// unacked messages are redelivered by drivers that support it.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer time where the driver records one, else the receive time.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// NewMessage builds a Message delivered by a custom source. ack may be nil.
func NewMessage(topic string, key, value []byte, ack func(context.Context) error) Message {
	return Message{Topic: topic, Key: key, Value: value, Timestamp: time.Now().UTC(), ackFn: ack}
}

func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Consumer delivers messages until closed. Both channels are closed once delivery stops.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes records. key selects the Kafka partition; other drivers carry it with
// the payload or drop it.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka.
	Brokers       []string
	Group         string
	Topics        []string
	KafkaMinBytes int
	KafkaMaxBytes int

	// Redis. Topics name the lists to pop from.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// RedisPollTimeout bounds one blocking pop so Close is observed promptly.
	RedisPollTimeout time.Duration

	// Stdio. Reader defaults to os.Stdin.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka.
	Brokers      []string
	BatchTimeout time.Duration

	// Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Stdio. Writer defaults to os.Stdout.
	Writer io.Writer
}

// NewConsumer starts a consumer for cfg.Driver; an empty driver means kafka.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverRedis:
		return newRedisConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// NewProducer builds a producer for cfg.Driver; an empty driver means kafka.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverRedis:
		return newRedisProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// SplitCommaList splits a comma-separated flag value, dropping blanks.
func SplitCommaList(s string) []string {
	return normalizeList(strings.Split(s, ","))
}

func driver(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func requireTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", errors.New("topic is required")
	}
	return topic, nil
}

func envEnabled(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// fetchFunc returns the next message of one source. Returning errIdle polls again;
// returning a drained error ends that source.
type fetchFunc func(ctx context.Context) (Message, error)

var errIdle = errors.New("queue: idle")

type drainedError struct{ cause error }

func (e *drainedError) Error() string {
	if e.cause == nil {
		return "queue: source drained"
	}
	return "queue: source drained: " + e.cause.Error()
}

func (e *drainedError) Unwrap() error { return e.cause }

// drained ends a fetch loop, reporting cause first when it is non-nil.
func drained(cause error) error { return &drainedError{cause: cause} }

// stream is the delivery side shared by all consumers: fetch loops feed buffered channels
// that close once every loop has returned.
type stream struct {
	msgs chan Message
	errs chan error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	release func() error

	// blocking sources ignore ctx, so Close must not wait for them.
	blocking bool
}

func newStream(parent context.Context, release func() error) *stream {
	ctx, cancel := context.WithCancel(parent)
	return &stream{
		msgs:    make(chan Message, messageBuffer),
		errs:    make(chan error, errorBuffer),
		ctx:     ctx,
		cancel:  cancel,
		release: release,
	}
}

// run starts one fetch loop per source and closes the channels when all have ended.
func (s *stream) run(sources ...fetchFunc) *stream {
	for _, fetch := range sources {
		s.wg.Add(1)
		go s.loop(fetch)
	}
	go func() {
		s.wg.Wait()
		close(s.msgs)
		close(s.errs)
	}()
	return s
}

func (s *stream) loop(fetch fetchFunc) {
	defer s.wg.Done()
	for {
		msg, err := fetch(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		var d *drainedError
		switch {
		case errors.As(err, &d):
			if d.cause != nil {
				s.report(d.cause)
			}
			return
		case errors.Is(err, errIdle):
			continue
		case err != nil:
			if !s.report(err) {
				return
			}
			continue
		}
		select {
		case s.msgs <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *stream) report(err error) bool {
	select {
	case s.errs <- err:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *stream) Messages() <-chan Message { return s.msgs }

func (s *stream) Errors() <-chan error { return s.errs }

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if !s.blocking {
			s.wg.Wait()
		}
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}
