// Package io is a file-backed bus: published messages are appended to a
// JSON-lines file and subscribers tail it. It suits single-host demos and
// replaying captured traffic.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
	"github.com/drblury/relayflow/transport"
)

// TransportName selects this bus in PubSubSystem.
const TransportName = "io"

// DefaultFilePath is used when IOFile is empty.
const DefaultFilePath = "relayflow-bus.jsonl"

// PollInterval is how long a subscriber waits at end of file.
var PollInterval = 50 * time.Millisecond

func init() {
	Register()
}

// Register adds the bus to the default registry.
func Register() {
	transport.Register(TransportName, Build)
}

// Build opens the file bus at cfg.GetIOFile().
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}
	return transport.Transport{
		Publisher:  NewPublisher(path),
		Subscriber: NewSubscriber(path, logger),
	}, nil
}

// record is one line of the bus file.
type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to the bus file.
type Publisher struct {
	path string
	mu   sync.Mutex
}

// NewPublisher returns a publisher appending to path.
func NewPublisher(path string) *Publisher {
	return &Publisher{path: path}
}

// Publish writes every message as one line. The batch is written with a
// single call so concurrent readers never see half of it.
func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range msgs {
		line, err := jsoncodec.Marshal(record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Publisher) Close() error { return nil }

// Subscriber tails the bus file from the beginning.
type Subscriber struct {
	path      string
	logger    watermill.LoggerAdapter
	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// NewSubscriber returns a subscriber reading path.
func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{path: path, logger: logger, closing: make(chan struct{})}
}

// Subscribe streams messages for topic until ctx is done. Each message must
// be acked or nacked before the next one is read; a nack redelivers it.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *message.Message)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer cancel()
		select {
		case <-s.closing:
		case <-ctx.Done():
		}
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte

	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read bus file", err, watermill.LogFields{"path": s.path})
			return
		}

		line := partial
		partial = nil

		var rec record
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			s.logger.Error("Skipping malformed bus record", err, watermill.LogFields{"path": s.path})
			continue
		}
		if rec.Topic != topic {
			continue
		}
		if !s.deliver(ctx, rec, out) {
			return
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, rec record, out chan<- *message.Message) bool {
	for {
		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("Redelivering nacked bus message", watermill.LogFields{"uuid": rec.UUID})
		case <-ctx.Done():
			return false
		}
	}
}

// Close ends every subscription and waits for them to stop.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
