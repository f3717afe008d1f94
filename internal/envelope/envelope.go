// Package envelope implements the signed peer-to-peer message format
// (§3 Envelope) and its canonical-JSON signing scheme.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Type is the closed set of envelope kinds (§3).
type Type string

const (
	Announce  Type = "announce"
	Discover  Type = "discover"
	Request   Type = "request"
	Response  Type = "response"
	Publish   Type = "publish"
	Subscribe Type = "subscribe"
	Verify    Type = "verify"
	Ack       Type = "ack"
	Error     Type = "error"
)

// Envelope is a signed peer message (§3).
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature,omitempty"`
	InReplyTo string          `json:"inReplyTo,omitempty"`
}

// NewID returns a fresh UUID-like envelope id.
func NewID() string { return uuid.New().String() }

// Fingerprint returns the lowercase-hex SHA-256 fingerprint of a public
// key, used as the envelope's sender identity (§2 domain stack).
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// canonicalPayload returns the envelope as canonical JSON (object keys
// sorted, no whitespace) with Signature cleared, per §6: "signature
// covers the canonical JSON of the envelope minus the signature field
// itself".
func (e Envelope) canonicalPayload() ([]byte, error) {
	clone := e
	clone.Signature = ""
	m := map[string]any{
		"id":        clone.ID,
		"type":      clone.Type,
		"sender":    clone.Sender,
		"timestamp": clone.Timestamp,
	}
	if len(clone.Payload) > 0 {
		var v any
		if err := json.Unmarshal(clone.Payload, &v); err != nil {
			return nil, fmt.Errorf("envelope: invalid payload json: %w", err)
		}
		m["payload"] = v
	}
	if clone.InReplyTo != "" {
		m["inReplyTo"] = clone.InReplyTo
	}
	return canonicalJSON(m)
}

// Sign populates e.Signature by signing the canonical payload with priv.
// e.Sender must already be the fingerprint matching priv's public half.
func Sign(e Envelope, priv ed25519.PrivateKey) (Envelope, error) {
	payload, err := e.canonicalPayload()
	if err != nil {
		return Envelope{}, err
	}
	sig := ed25519.Sign(priv, payload)
	e.Signature = hex.EncodeToString(sig)
	return e, nil
}

// Verify checks e.Signature against pub. Returns an error (never a
// panic) on any malformed or mismatched signature — a verification
// failure is an InputValidation error per §7, always surfaced to the
// caller rather than retried.
func Verify(e Envelope, pub ed25519.PublicKey) error {
	if e.Signature == "" {
		return fmt.Errorf("envelope: missing signature")
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("envelope: invalid signature encoding: %w", err)
	}
	payload, err := e.canonicalPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("envelope: signature verification failed")
	}
	want := Fingerprint(pub)
	if e.Sender != want {
		return fmt.Errorf("envelope: sender %q does not match key fingerprint %q", e.Sender, want)
	}
	return nil
}

// canonicalJSON marshals v with object keys sorted and no insignificant
// whitespace, by round-tripping through a generic map/slice structure
// and reassembling key order manually (encoding/json sorts map keys
// already; this helper exists to make that guarantee explicit and
// immune to a future encoding/json behavior change).
func canonicalJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}

// WebhookFrame renders the literal webhook wire form for envelope
// delivery: the prefix "[AGORA_ENVELOPE]" followed by the base64url
// encoding of the envelope JSON (§6).
func WebhookFrame(e Envelope) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return "[AGORA_ENVELOPE]" + base64.URLEncoding.EncodeToString(data), nil
}
