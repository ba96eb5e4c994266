package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tipledger/tipledger/internal/queue"
	"github.com/tipledger/tipledger/internal/settlement"
	"github.com/tipledger/tipledger/internal/tasks"
)

type output struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Topic string `json:"topic"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout, report io.Writer) error {
	fs := flag.NewFlagSet("task-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|redis|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	redisAddr := fs.String("redis-addr", "", "redis address (required for redis)")
	redisPassword := fs.String("redis-password", "", "redis password")
	redisDB := fs.Int("redis-db", 0, "redis database")
	topic := fs.String("topic", "tipledger.tasks.v1", "task topic")

	op := fs.String("op", "", "task op: "+strings.Join(knownOps, "|"))
	key := fs.String("key", "", "idempotency key (derived from op and payload when empty)")
	payload := fs.String("payload", "", "inline JSON payload; read from stdin when empty")
	id := fs.String("id", "", "settlement operation id (settlement.reconcile shorthand)")
	outcome := fs.String("outcome", "", "spent|refund (settlement.reconcile shorthand)")
	timeout := fs.Duration("timeout", 30*time.Second, "publish timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := loadPayload(*op, strings.TrimSpace(*payload), *id, *outcome, stdin)
	if err != nil {
		return err
	}
	if err := validatePayload(*op, raw); err != nil {
		return err
	}
	if strings.TrimSpace(*key) == "" {
		*key = tasks.Key(*op, string(raw))
	}

	// The stdio driver writes the envelope to stdout, so the summary goes to report.
	summaryOut := stdout
	if strings.EqualFold(strings.TrimSpace(*queueDriver), queue.DriverStdio) {
		summaryOut = report
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		RedisAddr:     *redisAddr,
		RedisPassword: *redisPassword,
		RedisDB:       *redisDB,
		Writer:        stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	dispatcher, err := tasks.NewDispatcher(producer, *topic, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	t, err := dispatcher.Enqueue(ctx, *op, *key, raw)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(summaryOut)
	enc.SetIndent("", "  ")
	return enc.Encode(output{Op: t.Op, Key: t.Key, Topic: strings.TrimSpace(*topic)})
}

var knownOps = []string{tasks.OpProvisionComplete, tasks.OpWithdraw, tasks.OpSweep, tasks.OpReconcile}

func loadPayload(op, inline, id, outcome string, stdin io.Reader) (json.RawMessage, error) {
	if id != "" || outcome != "" {
		if op != tasks.OpReconcile {
			return nil, fmt.Errorf("--id and --outcome apply only to %s", tasks.OpReconcile)
		}
		if inline != "" {
			return nil, errors.New("use either --payload or --id/--outcome")
		}
		return json.Marshal(tasks.ReconcilePayload{ID: id, Outcome: outcome})
	}
	if inline != "" {
		return json.RawMessage(inline), nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("payload is required via --payload or stdin")
	}
	return json.RawMessage(b), nil
}

func validatePayload(op string, raw json.RawMessage) error {
	var dst any
	switch op {
	case tasks.OpProvisionComplete:
		dst = &tasks.ProvisionPayload{}
	case tasks.OpWithdraw:
		dst = &tasks.WithdrawPayload{}
	case tasks.OpSweep:
		dst = &tasks.SweepPayload{}
	case tasks.OpReconcile:
		dst = &tasks.ReconcilePayload{}
	case "":
		return errors.New("--op is required")
	default:
		return fmt.Errorf("unknown op %q", op)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", op, err)
	}
	if dec.More() {
		return fmt.Errorf("invalid %s payload: trailing data", op)
	}
	if p, ok := dst.(*tasks.ReconcilePayload); ok {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("reconcile requires an operation id")
		}
		if _, err := settlement.ParseOutcome(p.Outcome); err != nil {
			return err
		}
	}
	return nil
}
