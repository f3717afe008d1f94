package relayserver

import (
	"sync"
	"time"

	"github.com/rookdaemon/substrate/internal/envelope"
)

const messageBufferCapacity = 100

// buffered is one envelope parked for a REST session that cannot hold
// a live WebSocket (§4.8 REST sessions).
type buffered struct {
	envelope  envelope.Envelope
	timestamp time.Time
}

// MessageBuffer is a capacity-100 FIFO-eviction buffer, filterable by
// a since timestamp (§4.8: "Bounded message buffer").
type MessageBuffer struct {
	mu    sync.Mutex
	items []buffered
}

func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{}
}

func (b *MessageBuffer) Push(env envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, buffered{envelope: env, timestamp: time.Now()})
	if len(b.items) > messageBufferCapacity {
		b.items = b.items[len(b.items)-messageBufferCapacity:]
	}
}

// Drain returns up to limit messages and clears the buffer (§4.8:
// "without since, returns up to limit messages and clears the
// buffer").
func (b *MessageBuffer) Drain(limit int) (msgs []envelope.Envelope, hasMore bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs, hasMore = takeEnvelopes(b.items, limit)
	b.items = nil
	return msgs, hasMore
}

// Since returns messages with timestamp > since, up to limit, and does
// not clear the buffer.
func (b *MessageBuffer) Since(since time.Time, limit int) (msgs []envelope.Envelope, hasMore bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var filtered []buffered
	for _, it := range b.items {
		if it.timestamp.After(since) {
			filtered = append(filtered, it)
		}
	}
	return takeEnvelopes(filtered, limit)
}

func takeEnvelopes(items []buffered, limit int) ([]envelope.Envelope, bool) {
	hasMore := limit > 0 && len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	out := make([]envelope.Envelope, len(items))
	for i, it := range items {
		out[i] = it.envelope
	}
	return out, hasMore
}

func (b *MessageBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}
