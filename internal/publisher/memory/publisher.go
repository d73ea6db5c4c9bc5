// Package memory keeps published notifications in process. It backs runs
// without a Pub/Sub project and lets tests inspect what would have been sent.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("memory publisher closed")

var _ analyzer.Publisher = (*Publisher)(nil)

// Publisher records every notification together with its JSON encoding, so
// payloads that would fail to marshal on Pub/Sub fail here too.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failures map[string]error
	closed   bool
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{failures: make(map[string]error)}
}

// Publish encodes and records the message and returns a sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	if err := p.failures[topic]; err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload, Data: data})
	return id, nil
}

// FailTopic makes every later publish to topic return err; nil clears it.
func (p *Publisher) FailTopic(topic string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, topic)
		return
	}
	p.failures[topic] = err
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the payloads published to one topic, oldest first.
func (p *Publisher) Topic(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []any
	for _, msg := range p.messages {
		if msg.Topic == topic {
			out = append(out, msg.Payload)
		}
	}
	return out
}

// Close rejects further publishes. Recorded messages stay readable.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
