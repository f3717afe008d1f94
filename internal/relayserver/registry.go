package relayserver

import (
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsPeer is one live WebSocket-connected peer (§4.8: "in-memory map
// publicKey → {lastSeen, socket}").
type wsPeer struct {
	publicKey string
	lastSeen  time.Time
	conn      *websocket.Conn
	writeMu   *sync.Mutex
}

// PeerRegistry is the RelayServer's in-memory WS peer registry.
// Last-write-wins on re-registration with the same key (§4.8).
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*wsPeer
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*wsPeer)}
}

func (r *PeerRegistry) Register(publicKey string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[publicKey] = &wsPeer{
		publicKey: publicKey,
		lastSeen:  time.Now(),
		conn:      conn,
		writeMu:   &sync.Mutex{},
	}
}

func (r *PeerRegistry) Touch(publicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[publicKey]; ok {
		p.lastSeen = time.Now()
	}
}

// Remove deletes publicKey only if it still maps to conn (so a
// reconnect under the same key isn't removed by the old connection's
// cleanup).
func (r *PeerRegistry) Remove(publicKey string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[publicKey]; ok && p.conn == conn {
		delete(r.peers, publicKey)
	}
}

func (r *PeerRegistry) Lookup(publicKey string) (*wsPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[publicKey]
	return p, ok
}

// Keys returns every currently registered public key.
func (r *PeerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.peers))
	for k := range r.peers {
		keys = append(keys, k)
	}
	return keys
}
