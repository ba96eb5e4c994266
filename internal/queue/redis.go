package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisPollTimeout = 2 * time.Second
	redisProcessingSuffix   = ":processing"
)

// redisRecord is the list element layout. Lists carry no key or timestamp of their own.
type redisRecord struct {
	Key   []byte    `json:"key,omitempty"`
	Value []byte    `json:"value"`
	Time  time.Time `json:"time"`
}

func redisOptions(addr, password string, db int) *redis.Options {
	opts := &redis.Options{
		Addr:     strings.TrimSpace(addr),
		Password: password,
		DB:       db,
	}
	if envEnabled(envRedisTLS) {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// processingList holds popped elements until they are acked. Anything left there was
// delivered but not handled.
func processingList(topic string) string {
	return topic + redisProcessingSuffix
}

type redisProducer struct {
	client *redis.Client
	now    func() time.Time
}

func newRedisProducer(cfg ProducerConfig) (Producer, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("redis producer requires address")
	}
	return &redisProducer{
		client: redis.NewClient(redisOptions(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)),
		now:    time.Now,
	}, nil
}

func (p *redisProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic, err := requireTopic(topic)
	if err != nil {
		return err
	}
	b, err := json.Marshal(redisRecord{Key: key, Value: payload, Time: p.now().UTC()})
	if err != nil {
		return err
	}
	return p.client.LPush(ctx, topic, b).Err()
}

func (p *redisProducer) Close() error { return p.client.Close() }

func newRedisConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("redis consumer requires address")
	}
	topics := normalizeList(cfg.Topics)
	if len(topics) == 0 {
		return nil, errors.New("redis consumer requires at least one topic")
	}
	poll := cfg.RedisPollTimeout
	if poll <= 0 {
		poll = defaultRedisPollTimeout
	}

	client := redis.NewClient(redisOptions(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
	sources := make([]fetchFunc, 0, len(topics))
	for _, topic := range topics {
		sources = append(sources, redisFetch(client, topic, poll))
	}
	return newStream(ctx, client.Close).run(sources...), nil
}

// redisFetch pops with BRPOPLPUSH into the topic's processing list; Ack removes the element.
func redisFetch(client *redis.Client, topic string, poll time.Duration) fetchFunc {
	processing := processingList(topic)
	return func(ctx context.Context) (Message, error) {
		raw, err := client.BRPopLPush(ctx, topic, processing, poll).Result()
		if errors.Is(err, redis.Nil) {
			return Message{}, errIdle
		}
		if err != nil {
			return Message{}, err
		}
		msg, err := decodeRedisRecord(topic, raw)
		if err != nil {
			// Drop it so it is not redelivered forever.
			_ = client.LRem(ctx, processing, 1, raw).Err()
			return Message{}, err
		}
		msg.ackFn = func(ctx context.Context) error {
			return client.LRem(ctx, processing, 1, raw).Err()
		}
		return msg, nil
	}
}

func decodeRedisRecord(topic, raw string) (Message, error) {
	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Message{}, fmt.Errorf("redis consumer: malformed record on %s", topic)
	}
	return Message{
		Topic:     topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Time,
	}, nil
}
