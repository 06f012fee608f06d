// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultHubBuffer is the per-subscriber queue length.
const DefaultHubBuffer = 16

// Hub is an in-process Publisher. Subscribers of an identity each get their
// own buffered channel; a subscriber that falls behind misses payloads instead
// of slowing the publisher down.
type Hub struct {
	buffer  int
	dropped atomic.Uint64

	mu     sync.Mutex
	next   uint64
	subs   map[string]map[uint64]chan PresencePayload
	closed bool
}

// NewHub creates a hub. buffer <= 0 uses DefaultHubBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultHubBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[uint64]chan PresencePayload)}
}

// Publish delivers p to the current subscribers of identity without blocking.
func (h *Hub) Publish(_ context.Context, identity string, p PresencePayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[identity] {
		select {
		case ch <- p:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns a channel of payloads for identity and the function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(identity string) (<-chan PresencePayload, func()) {
	ch := make(chan PresencePayload, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.next++
	id := h.next
	if h.subs[identity] == nil {
		h.subs[identity] = make(map[uint64]chan PresencePayload)
	}
	h.subs[identity][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[identity][id]; ok {
				delete(h.subs[identity], id)
				if len(h.subs[identity]) == 0 {
					delete(h.subs, identity)
				}
				close(c)
			}
		})
	}
}

// End closes every subscription of identity. Later subscriptions work as
// usual.
func (h *Hub) End(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[identity] {
		close(ch)
	}
	delete(h.subs, identity)
}

// Subscribers counts the subscribers of identity.
func (h *Hub) Subscribers(identity string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[identity])
}

// Dropped counts payloads lost to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for identity, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, identity)
	}
}
