package relayserver

import (
	"crypto/ed25519"
	"testing"
)

func mustSigningKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv
}

func TestJWTIssueAndValidateRoundTrip(t *testing.T) {
	issuer := NewJWTIssuer(mustSigningKey(t))

	token, jti, exp, err := issuer.Issue("pubkey-abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" || jti == "" || exp.IsZero() {
		t.Fatalf("Issue returned zero value: token=%q jti=%q exp=%v", token, jti, exp)
	}

	pub, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if pub != "pubkey-abc" {
		t.Errorf("Validate returned %q, want pubkey-abc", pub)
	}
}

func TestJWTValidateRejectsRevoked(t *testing.T) {
	issuer := NewJWTIssuer(mustSigningKey(t))
	token, jti, exp, err := issuer.Issue("pubkey-abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	issuer.Revoke(jti, exp)

	if _, err := issuer.Validate(token); err == nil {
		t.Fatal("expected Validate to reject a revoked token")
	}
}

func TestJWTValidateRejectsTamperedToken(t *testing.T) {
	issuer := NewJWTIssuer(mustSigningKey(t))
	token, _, _, err := issuer.Issue("pubkey-abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tampered := token + "x"
	if _, err := issuer.Validate(tampered); err == nil {
		t.Fatal("expected Validate to reject a tampered token")
	}
}

func TestJWTValidateRejectsWrongSigningKey(t *testing.T) {
	issuer := NewJWTIssuer(mustSigningKey(t))
	token, _, _, err := issuer.Issue("pubkey-abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewJWTIssuer(mustSigningKey(t))
	if _, err := other.Validate(token); err == nil {
		t.Fatal("expected Validate to reject a token signed by a different key")
	}
}
