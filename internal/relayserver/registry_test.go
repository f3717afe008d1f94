package relayserver

import "testing"

func TestPeerRegistryRegisterAndLookup(t *testing.T) {
	r := NewPeerRegistry()
	r.Register("key-1", nil)

	p, ok := r.Lookup("key-1")
	if !ok || p.publicKey != "key-1" {
		t.Fatalf("Lookup(key-1) = %+v, %v", p, ok)
	}
}

func TestPeerRegistryRemoveRequiresMatchingConn(t *testing.T) {
	r := NewPeerRegistry()
	r.Register("key-1", nil)

	r.Remove("key-1", nil)
	if _, ok := r.Lookup("key-1"); ok {
		t.Fatal("entry should be removed when the connection matches")
	}
}

func TestPeerRegistryRemoveNoopOnUnknownKey(t *testing.T) {
	r := NewPeerRegistry()
	r.Remove("missing", nil) // must not panic
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("unexpected entry for a key that was never registered")
	}
}

func TestPeerRegistryKeys(t *testing.T) {
	r := NewPeerRegistry()
	r.Register("a", nil)
	r.Register("b", nil)

	keys := r.Keys()
	if len(keys) != 2 {
		t.Fatalf("len(Keys()) = %d, want 2", len(keys))
	}
}

func TestPeerRegistryTouchUpdatesLastSeen(t *testing.T) {
	r := NewPeerRegistry()
	r.Register("a", nil)
	p, _ := r.Lookup("a")
	before := p.lastSeen

	r.Touch("a")
	p, _ = r.Lookup("a")
	if p.lastSeen.Before(before) {
		t.Error("Touch should not move lastSeen backwards")
	}
}
