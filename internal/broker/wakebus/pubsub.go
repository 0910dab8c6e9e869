// Package wakebus implements the per-session pub/sub channel used to tell
// the opposite side of a session bus that something changed. Wake signals
// are an optimization, not a correctness requirement: the bus design
// tolerates missed signals via periodic re-pull.
package wakebus

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// PubSub is the publish/subscribe collaborator wake buses run against
type PubSub interface {
	// Publish delivers payload to current subscribers of channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to channel; the returned func cancels it
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// InProcess is a process-local PubSub with per-subscriber buffered channels.
// Slow subscribers drop signals rather than block publishers.
type InProcess struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan []byte
}

// NewInProcess creates an empty in-process pub/sub
func NewInProcess() *InProcess {
	return &InProcess{subs: make(map[string]map[string]chan []byte)}
}

// Publish delivers payload to current subscribers of channel
func (p *InProcess) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs[channel] {
		select {
		case ch <- payload:
		default:
			// Drop if subscriber is slow.
		}
	}
	return nil
}

// Subscribe opens a subscription to channel
func (p *InProcess) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	id := ulid.Make().String()
	ch := make(chan []byte, 64)

	p.mu.Lock()
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[string]chan []byte)
	}
	p.subs[channel][id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs[channel], id)
			if len(p.subs[channel]) == 0 {
				delete(p.subs, channel)
			}
			p.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

var _ PubSub = (*InProcess)(nil)
