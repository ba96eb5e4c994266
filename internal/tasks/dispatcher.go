package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Publisher is satisfied by queue.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
}

type Dispatcher struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

func NewDispatcher(pub Publisher, topic string, now func() time.Time) (*Dispatcher, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil publisher", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{pub: pub, topic: topic, now: now}, nil
}

// Enqueue publishes op with payload under the idempotency key. The key is also the
// partition key, so tasks with equal keys stay ordered.
func (d *Dispatcher) Enqueue(ctx context.Context, op, key string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("tasks: marshal %s payload: %w", op, err)
	}
	t := Task{
		Version:    EnvelopeVersion,
		Key:        key,
		Op:         op,
		Payload:    raw,
		EnqueuedAt: d.now().UTC(),
	}
	if err := t.validate(); err != nil {
		return Task{}, err
	}
	b, err := json.Marshal(t)
	if err != nil {
		return Task{}, fmt.Errorf("tasks: marshal envelope: %w", err)
	}
	if err := d.pub.Publish(ctx, d.topic, []byte(key), b); err != nil {
		return Task{}, fmt.Errorf("tasks: publish %s: %w", op, err)
	}
	return t, nil
}
