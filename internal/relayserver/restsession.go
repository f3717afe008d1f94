package relayserver

import (
	"crypto/ed25519"
	"sync"
	"time"
)

// restSession is a REST-only client's relay session (§4.8: "publicKey
// → {privateKey, name, expiresAt, token, messageBuffer}"). The private
// key, when the client supplies one, is held in memory with the session
// and never persisted to disk; no server code path signs with it.
type restSession struct {
	PublicKey  string
	PrivateKey ed25519.PrivateKey
	Name       string
	JTI        string
	ExpiresAt  time.Time
	Buffer     *MessageBuffer
}

// RESTSessionStore tracks active REST sessions by public key.
type RESTSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*restSession
}

func NewRESTSessionStore() *RESTSessionStore {
	return &RESTSessionStore{sessions: make(map[string]*restSession)}
}

func (s *RESTSessionStore) Create(publicKey, name string, priv ed25519.PrivateKey, jti string, expiresAt time.Time) *restSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &restSession{
		PublicKey:  publicKey,
		PrivateKey: priv,
		Name:       name,
		JTI:        jti,
		ExpiresAt:  expiresAt,
		Buffer:     NewMessageBuffer(),
	}
	s.sessions[publicKey] = sess
	return sess
}

func (s *RESTSessionStore) Lookup(publicKey string) (*restSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[publicKey]
	return sess, ok
}

func (s *RESTSessionStore) Remove(publicKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, publicKey)
}

// Keys returns every currently registered REST session public key.
func (s *RESTSessionStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	return keys
}
