package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// newStdioConsumer delivers one message per input line; keys are not carried.
func newStdioConsumer(ctx context.Context, cfg ConsumerConfig) Consumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	sc := bufio.NewScanner(r)
	// Scanner's limit is the larger of maxLine and the initial capacity.
	sc.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)

	fetch := func(context.Context) (Message, error) {
		if !sc.Scan() {
			return Message{}, drained(sc.Err())
		}
		return Message{
			Value:     append([]byte(nil), sc.Bytes()...),
			Timestamp: time.Now().UTC(),
		}, nil
	}
	s := newStream(ctx, nil)
	s.blocking = true
	return s.run(fetch)
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
