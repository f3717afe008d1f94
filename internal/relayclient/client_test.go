package relayclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/rookdaemon/substrate/internal/envelope"
)

type fakeKeyStore struct {
	pub ed25519.PublicKey
	ok  bool
}

func (f fakeKeyStore) Lookup(fingerprint string) (ed25519.PublicKey, bool) { return f.pub, f.ok }

func mustSignedEnvelope(t *testing.T) (envelope.Envelope, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	env := envelope.Envelope{
		ID:        envelope.NewID(),
		Type:      envelope.Publish,
		Sender:    envelope.Fingerprint(pub),
		Timestamp: 1700000000,
	}
	signed, err := envelope.Sign(env, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return signed, pub
}

func TestSendWithoutConnectionReturnsNotConnectedError(t *testing.T) {
	c := NewClient("ws://example.invalid", "fp", nil)
	env, _ := mustSignedEnvelope(t)

	ok, err := c.Send(context.Background(), "peer-1", env)
	if ok || err == nil {
		t.Fatalf("Send() = %v, %v; want false, error", ok, err)
	}
}

func TestSendRejectsNonEnvelopePayload(t *testing.T) {
	c := NewClient("ws://example.invalid", "fp", nil)
	ok, err := c.Send(context.Background(), "peer-1", "not an envelope")
	if ok || err == nil {
		t.Fatal("Send() should reject a non-envelope payload")
	}
}

func TestHandleInboundDeliversValidatedEnvelope(t *testing.T) {
	env, pub := mustSignedEnvelope(t)
	c := NewClient("ws://example.invalid", "self-fp", fakeKeyStore{pub: pub, ok: true})

	var delivered *envelope.Envelope
	c.OnInbound = func(e envelope.Envelope) { delivered = &e }

	c.handleInbound(env)
	if delivered == nil {
		t.Fatal("expected envelope to be delivered")
	}
	if delivered.ID != env.ID {
		t.Errorf("delivered.ID = %s, want %s", delivered.ID, env.ID)
	}
}

func TestHandleInboundDropsDuplicates(t *testing.T) {
	env, pub := mustSignedEnvelope(t)
	c := NewClient("ws://example.invalid", "self-fp", fakeKeyStore{pub: pub, ok: true})

	calls := 0
	c.OnInbound = func(e envelope.Envelope) { calls++ }

	c.handleInbound(env)
	c.handleInbound(env)
	if calls != 1 {
		t.Errorf("OnInbound called %d times, want 1", calls)
	}
}

func TestHandleInboundDropsUnknownSender(t *testing.T) {
	env, _ := mustSignedEnvelope(t)
	c := NewClient("ws://example.invalid", "self-fp", fakeKeyStore{ok: false})

	called := false
	c.OnInbound = func(e envelope.Envelope) { called = true }

	c.handleInbound(env)
	if called {
		t.Error("OnInbound should not be called for an unknown sender")
	}
}

func TestHandleInboundDropsTamperedSignature(t *testing.T) {
	env, pub := mustSignedEnvelope(t)
	env.Timestamp++ // tamper after signing
	c := NewClient("ws://example.invalid", "self-fp", fakeKeyStore{pub: pub, ok: true})

	called := false
	c.OnInbound = func(e envelope.Envelope) { called = true }

	c.handleInbound(env)
	if called {
		t.Error("OnInbound should not be called for a tampered envelope")
	}
}

func TestHandleFrameRegisteredNotifiesConnected(t *testing.T) {
	c := NewClient("ws://example.invalid", "self-fp", nil)
	var state string
	c.OnStateChange = func(s string, err error) { state = s }

	c.handleFrame(context.Background(), []byte(`{"type":"registered"}`))
	if state != "connected" {
		t.Errorf("state = %q, want connected", state)
	}
}

func TestHandleFrameMessageDeliversEnvelope(t *testing.T) {
	env, pub := mustSignedEnvelope(t)
	c := NewClient("ws://example.invalid", "self-fp", fakeKeyStore{pub: pub, ok: true})
	var delivered bool
	c.OnInbound = func(e envelope.Envelope) { delivered = true }

	data, err := json.Marshal(inboundMsg{Type: typeMessage, To: "peer-1", Envelope: env})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.handleFrame(context.Background(), data)
	if !delivered {
		t.Error("expected the message frame to be delivered via OnInbound")
	}
}
