package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func mustKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := mustKey(t)
	e := Envelope{
		ID:        NewID(),
		Type:      Announce,
		Sender:    Fingerprint(pub),
		Timestamp: 1700000000,
		Payload:   json.RawMessage(`{"hello":"world"}`),
	}

	signed, err := Sign(e, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.Signature == "" {
		t.Fatal("expected a non-empty signature")
	}
	if err := Verify(signed, pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv := mustKey(t)
	e := Envelope{
		ID:        NewID(),
		Type:      Publish,
		Sender:    Fingerprint(pub),
		Timestamp: 1700000000,
		Payload:   json.RawMessage(`{"amount":1}`),
	}
	signed, err := Sign(e, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed.Payload = json.RawMessage(`{"amount":1000}`)
	if err := Verify(signed, pub); err == nil {
		t.Fatal("expected Verify to reject a tampered payload")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pub, priv := mustKey(t)
	otherPub, _ := mustKey(t)
	e := Envelope{ID: NewID(), Type: Ack, Sender: Fingerprint(pub), Timestamp: 1}
	signed, err := Sign(e, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(signed, otherPub); err == nil {
		t.Fatal("expected Verify to reject a mismatched key")
	}
}

func TestVerifyRejectsSenderMismatch(t *testing.T) {
	pub, priv := mustKey(t)
	e := Envelope{ID: NewID(), Type: Ack, Sender: "not-the-real-fingerprint", Timestamp: 1}
	signed, err := Sign(e, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(signed, pub); err == nil {
		t.Fatal("expected Verify to reject a sender/fingerprint mismatch")
	}
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	pub, _ := mustKey(t)
	e := Envelope{ID: NewID(), Type: Ack, Sender: Fingerprint(pub), Timestamp: 1}
	if err := Verify(e, pub); err == nil {
		t.Fatal("expected Verify to reject a missing signature")
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	pub, _ := mustKey(t)
	if Fingerprint(pub) != Fingerprint(pub) {
		t.Fatal("Fingerprint should be deterministic for the same key")
	}
}

func TestWebhookFrame(t *testing.T) {
	pub, priv := mustKey(t)
	e := Envelope{ID: NewID(), Type: Announce, Sender: Fingerprint(pub), Timestamp: 1}
	signed, err := Sign(e, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	frame, err := WebhookFrame(signed)
	if err != nil {
		t.Fatalf("WebhookFrame: %v", err)
	}
	if !strings.HasPrefix(frame, "[AGORA_ENVELOPE]") {
		t.Fatalf("frame missing prefix: %q", frame)
	}
	encoded := strings.TrimPrefix(frame, "[AGORA_ENVELOPE]")
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if decoded.ID != signed.ID {
		t.Errorf("decoded.ID = %q, want %q", decoded.ID, signed.ID)
	}
}
