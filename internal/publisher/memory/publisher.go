// Package memory contains in-process publisher implementations.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns the recorded publishes, optionally filtered to one topic.
func (p *Publisher) Messages(topic ...string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, 0, len(p.messages))
	for _, m := range p.messages {
		if len(topic) > 0 && m.Topic != topic[0] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Discard drops every payload. It backs the "none" publisher backend.
type Discard struct{}

// Publish returns an empty ID without doing anything.
func (Discard) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
