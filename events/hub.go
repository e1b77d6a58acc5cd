// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"sync"

	"github.com/google/uuid"

	"anomaly-sentinel/logger"
)

// defaultSubscriberBuffer is used when a subscriber asks for no specific size.
const defaultSubscriberBuffer = 64

// Hub fans events out to subscriber channels. Publishing never blocks: a
// subscriber whose channel is full is dropped so one slow consumer cannot
// stall the ingest path.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan *Event
	published   uint64
	dropped     uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan *Event)}
}

// Subscribe registers a new subscriber and returns its ID and receive channel.
// The hub owns the channel and closes it on removal.
func (h *Hub) Subscribe(buffer int) (string, <-chan *Event) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	id := uuid.NewString()
	ch := make(chan *Event, buffer)

	h.mu.Lock()
	h.subscribers[id] = ch
	count := len(h.subscribers)
	h.mu.Unlock()

	logger.Debug("Event subscriber registered: %s (total: %d)", id, count)
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
		close(ch)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		logger.Debug("Event subscriber removed: %s (remaining: %d)", id, count)
	}
}

// Publish delivers the event to every subscriber that has room. Subscribers
// with a full channel are removed, their channel closed.
func (h *Hub) Publish(event *Event) {
	if event == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published++
	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			delete(h.subscribers, id)
			close(ch)
			h.dropped++
			logger.Warn("Event subscriber %s too slow, dropped (event %s)", id, event.Type)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Stats reports hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Subscribers: len(h.subscribers),
		Published:   h.published,
		Dropped:     h.dropped,
	}
}

// HubStats contains hub counters for the status endpoints.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Close removes all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
