package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tipledger/tipledger/internal/metrics"
	"github.com/tipledger/tipledger/internal/queue"
	"github.com/tipledger/tipledger/internal/retry"
)

type Handler func(ctx context.Context, t Task) error

// Source is satisfied by queue.Consumer.
type Source interface {
	Messages() <-chan queue.Message
	Errors() <-chan error
}

type WorkerConfig struct {
	Handlers map[string]Handler

	// HandlerTimeout bounds one handler attempt. It must cover a full on-chain confirmation.
	HandlerTimeout time.Duration
	// Retry governs in-process retries of handler errors not marked Permanent.
	Retry retry.Policy
	// Requeue republishes a task whose transient failure outlasted Retry; the delivery is
	// then acked. Without it such a delivery stays unacked for the queue to redeliver.
	Requeue Publisher

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Worker routes delivered tasks to handlers by op. A message is acked once its handler
// succeeds or fails permanently, or once a transiently failing task has been requeued.
// Unacked messages are redelivered by the queue.
type Worker struct {
	src      Source
	handlers map[string]Handler
	timeout  time.Duration
	retry    retry.Policy
	requeue  Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewWorker(src Source, cfg WorkerConfig) (*Worker, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidConfig)
	}
	if len(cfg.Handlers) == 0 {
		return nil, fmt.Errorf("%w: no handlers", ErrInvalidConfig)
	}
	for op, h := range cfg.Handlers {
		if h == nil {
			return nil, fmt.Errorf("%w: nil handler for %s", ErrInvalidConfig, op)
		}
	}
	if cfg.HandlerTimeout <= 0 {
		return nil, fmt.Errorf("%w: handler timeout must be > 0", ErrInvalidConfig)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Worker{
		src:      src,
		handlers: cfg.Handlers,
		timeout:  cfg.HandlerTimeout,
		retry:    cfg.Retry,
		requeue:  cfg.Requeue,
		metrics:  cfg.Metrics,
		log:      log,
	}, nil
}

// Run processes messages until ctx is done or the source closes. It stops with an error when
// a failed task can be neither requeued nor left for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	msgs := w.src.Messages()
	errs := w.src.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Error("queue consumer error", "err", err)
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := w.handleMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	t, err := Decode(msg.Value)
	if err != nil {
		w.log.Error("dropping malformed task", "topic", msg.Topic, "err", err)
		w.metrics.Task("unknown", "malformed", 0)
		w.ack(ctx, msg)
		return nil
	}

	h, ok := w.handlers[t.Op]
	if !ok {
		w.log.Error("dropping task with unknown op", "op", t.Op, "key", t.Key)
		w.metrics.Task(t.Op, "unrouted", 0)
		w.ack(ctx, msg)
		return nil
	}

	start := time.Now()
	err = retry.Do(ctx, w.retry, isRetryable, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return h(hctx, t)
	})
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		// Shutting down mid-task; leave it unacked for redelivery.
		w.log.Warn("task interrupted", "op", t.Op, "key", t.Key)
		return nil
	}
	switch {
	case err == nil:
		w.metrics.Task(t.Op, "ok", elapsed)
		w.log.Info("task done", "op", t.Op, "key", t.Key, "elapsed", elapsed)
	case !isRetryable(err):
		w.metrics.Task(t.Op, "failed", elapsed)
		w.log.Error("task failed", "op", t.Op, "key", t.Key, "err", err)
	case w.requeue == nil:
		w.metrics.Task(t.Op, "unacked", elapsed)
		w.log.Warn("task failed, left for redelivery", "op", t.Op, "key", t.Key, "err", err)
		return nil
	default:
		if perr := w.requeue.Publish(ctx, msg.Topic, msg.Key, msg.Value); perr != nil {
			w.log.Error("requeue task", "op", t.Op, "key", t.Key, "err", perr)
			return fmt.Errorf("tasks: requeue %s %s: %w", t.Op, t.Key, errors.Join(err, perr))
		}
		w.metrics.Task(t.Op, "requeued", elapsed)
		w.log.Warn("task failed, requeued", "op", t.Op, "key", t.Key, "err", err)
	}
	w.ack(ctx, msg)
	return nil
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := msg.Ack(ctx); err != nil {
		w.log.Error("ack task", "topic", msg.Topic, "err", err)
	}
}

func isRetryable(err error) bool {
	return !errors.Is(err, ErrPermanent) && !errors.Is(err, ErrInvalidTask)
}
