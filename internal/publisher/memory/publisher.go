// Package memory contains an in-process publisher used in development mode
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Publisher records published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
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

// FailWith makes subsequent publishes return err. A nil err restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the monitoring events published to topic, in order.
func (p *Publisher) Events(topic string) []monitor.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []monitor.Event
	for _, m := range p.messages {
		if ev, ok := m.Payload.(monitor.Event); ok && m.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
