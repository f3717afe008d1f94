package relayserver

import (
	"testing"

	"github.com/rookdaemon/substrate/internal/envelope"
)

func makeEnv(id string) envelope.Envelope {
	return envelope.Envelope{ID: id, Type: envelope.Publish}
}

func TestMessageBufferDrainClearsBuffer(t *testing.T) {
	b := NewMessageBuffer()
	b.Push(makeEnv("1"))
	b.Push(makeEnv("2"))

	msgs, hasMore := b.Drain(0)
	if len(msgs) != 2 || hasMore {
		t.Fatalf("Drain(0) = %d msgs, hasMore=%v", len(msgs), hasMore)
	}

	msgs, _ = b.Drain(0)
	if len(msgs) != 0 {
		t.Errorf("expected buffer cleared after Drain, got %d", len(msgs))
	}
}

func TestMessageBufferDrainRespectsLimit(t *testing.T) {
	b := NewMessageBuffer()
	b.Push(makeEnv("1"))
	b.Push(makeEnv("2"))
	b.Push(makeEnv("3"))

	msgs, hasMore := b.Drain(2)
	if len(msgs) != 2 || !hasMore {
		t.Fatalf("Drain(2) = %d msgs, hasMore=%v; want 2, true", len(msgs), hasMore)
	}
}

func TestMessageBufferEvictsOldestOnOverflow(t *testing.T) {
	b := NewMessageBuffer()
	for i := 0; i < messageBufferCapacity+10; i++ {
		b.Push(makeEnv(string(rune('a' + i%26))))
	}
	msgs, _ := b.Drain(0)
	if len(msgs) != messageBufferCapacity {
		t.Errorf("len(msgs) = %d, want capacity %d", len(msgs), messageBufferCapacity)
	}
}

func TestMessageBufferClear(t *testing.T) {
	b := NewMessageBuffer()
	b.Push(makeEnv("1"))
	b.Clear()
	msgs, _ := b.Drain(0)
	if len(msgs) != 0 {
		t.Errorf("expected empty buffer after Clear, got %d", len(msgs))
	}
}
