package relayserver

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"
)

func TestDecodeHexKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	got, err := decodeHexKey(hex.EncodeToString(pub))
	if err != nil {
		t.Fatalf("decodeHexKey: %v", err)
	}
	if !pub.Equal(got) {
		t.Error("decoded key does not match original")
	}
}

func TestDecodeHexKeyRejectsWrongLength(t *testing.T) {
	if _, err := decodeHexKey("abcd"); err == nil {
		t.Fatal("expected an error for a too-short hex key")
	}
}

func TestDecodeHexKeyRejectsInvalidHex(t *testing.T) {
	if _, err := decodeHexKey("not-hex!!"); err == nil {
		t.Fatal("expected an error for invalid hex")
	}
}

func TestDecodeHexPrivateKeyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	got, err := decodeHexPrivateKey(hex.EncodeToString(priv))
	if err != nil {
		t.Fatalf("decodeHexPrivateKey: %v", err)
	}
	if !priv.Equal(got) {
		t.Error("decoded private key does not match original")
	}
}

func TestParsePositiveInt(t *testing.T) {
	n, err := parsePositiveInt("42")
	if err != nil || n != 42 {
		t.Fatalf("parsePositiveInt = %d, %v", n, err)
	}
	if _, err := parsePositiveInt("-1"); err == nil {
		t.Fatal("expected an error for a negative value")
	}
	if _, err := parsePositiveInt("nope"); err == nil {
		t.Fatal("expected an error for a non-numeric value")
	}
}

func TestParseUnixMillis(t *testing.T) {
	got, err := parseUnixMillis("1700000000000")
	if err != nil {
		t.Fatalf("parseUnixMillis: %v", err)
	}
	want := time.UnixMilli(1700000000000)
	if !got.Equal(want) {
		t.Errorf("parseUnixMillis = %v, want %v", got, want)
	}
}
