// Package events publishes evaluation decisions and case stream events to
// downstream compliance tooling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher delivers keyed JSON messages to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
	Close() error
}

// Message is a published record as seen by MemoryPublisher
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryPublisher keeps messages in process. It backs the engine when no
// brokers are configured and doubles as a test sink.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	limit    int
}

// NewMemoryPublisher keeps at most limit messages (0 keeps everything)
func NewMemoryPublisher(limit int) *MemoryPublisher {
	return &MemoryPublisher{limit: limit}
}

// Publish implements Publisher
func (p *MemoryPublisher) Publish(_ context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Topic: topic, Key: key, Value: data})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = p.messages[len(p.messages)-p.limit:]
	}
	return nil
}

// Messages returns a copy of the retained messages, optionally filtered by topic
func (p *MemoryPublisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Close implements Publisher
func (p *MemoryPublisher) Close() error { return nil }
