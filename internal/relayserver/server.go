// Package relayserver implements L6: a stateless hub that routes
// signed envelopes between registered peers, over both a persistent
// WebSocket protocol and a REST fallback for clients that cannot hold
// one open (C11). Grounded on the teacher's internal/relay package —
// its http.ServeMux route-registration style, its RateLimiter, and its
// JWT issuance pattern — generalized from a stateful multi-tenant app
// relay to a stateless signed-envelope router.
package relayserver

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rookdaemon/substrate/internal/dedup"
	"github.com/rookdaemon/substrate/internal/envelope"
)

const dedupCapacity = 10000

// Config configures a Server.
type Config struct {
	SigningKey   ed25519.PrivateKey // signs REST-session JWTs
	RateLimit    float64            // requests/minute per address, default 60
	RateBurst    int                // default 10
}

// Server is the RelayServer (C11).
type Server struct {
	cfg Config

	ws        *PeerRegistry
	rest      *RESTSessionStore
	dedup     *dedup.FIFOSet
	jwt       *JWTIssuer
	rateLimit *RateLimiter

	mux *http.ServeMux
}

func NewServer(cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	s := &Server{
		cfg:       cfg,
		ws:        NewPeerRegistry(),
		rest:      NewRESTSessionStore(),
		dedup:     dedup.NewFIFOSet(dedupCapacity),
		jwt:       NewJWTIssuer(cfg.SigningKey),
		rateLimit: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		mux:       http.NewServeMux(),
	}

	s.mux.Handle("POST /v1/register", s.rateLimit.Middleware(http.HandlerFunc(s.handleRegister)))
	s.mux.Handle("POST /v1/send", s.rateLimit.Middleware(s.authenticated(s.handleSend)))
	s.mux.Handle("GET /v1/peers", s.rateLimit.Middleware(s.authenticated(s.handlePeers)))
	s.mux.Handle("GET /v1/messages", s.rateLimit.Middleware(s.authenticated(s.handleMessages)))
	s.mux.Handle("DELETE /v1/disconnect", s.rateLimit.Middleware(s.authenticated(s.handleDisconnect)))
	s.mux.HandleFunc("GET /v1/ws", s.handleWS)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, publicKey string)

// authenticated requires a Bearer JWT minted by /v1/register.
func (s *Server) authenticated(h authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		publicKey, err := s.jwt.Validate(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h(w, r, publicKey)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// --- POST /v1/register ---

// registerRequest's publicKeyHex is the raw Ed25519 public key (hex),
// used only to verify the co-signed test envelope; the routing
// identity thereafter is that key's fingerprint (envelope.Fingerprint),
// the same identity space as Envelope.Sender and the WS register
// frame's publicKey field. privateKeyHex is optional: when supplied it
// is decoded into the REST session and held in memory only, never
// persisted; the server does not sign anything with it.
type registerRequest struct {
	PublicKeyHex  string            `json:"publicKeyHex"`
	PrivateKeyHex string            `json:"privateKeyHex,omitempty"`
	Name          string            `json:"name,omitempty"`
	TestEnvelope  envelope.Envelope `json:"testEnvelope"`
}

type registerResponse struct {
	PublicKey string   `json:"publicKey"` // fingerprint identity
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expiresAt"`
	Peers     []string `json:"peers"`
}

// handleRegister verifies key ownership by requiring the client to
// co-sign a test envelope, then issues a JWT (§4.8).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	pubBytes, err := decodeHexKey(req.PublicKeyHex)
	if err != nil {
		http.Error(w, "invalid publicKeyHex", http.StatusBadRequest)
		return
	}
	if err := envelope.Verify(req.TestEnvelope, pubBytes); err != nil {
		http.Error(w, fmt.Sprintf("key ownership check failed: %v", err), http.StatusUnauthorized)
		return
	}

	var priv ed25519.PrivateKey
	if req.PrivateKeyHex != "" {
		p, err := decodeHexPrivateKey(req.PrivateKeyHex)
		if err != nil {
			http.Error(w, "invalid privateKeyHex", http.StatusBadRequest)
			return
		}
		priv = p
	}

	identity := envelope.Fingerprint(pubBytes)
	token, jti, expiresAt, err := s.jwt.Issue(identity)
	if err != nil {
		http.Error(w, "could not issue token", http.StatusInternalServerError)
		return
	}
	s.rest.Create(identity, req.Name, priv, jti, expiresAt)

	writeJSON(w, http.StatusOK, registerResponse{
		PublicKey: identity,
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		Peers:     s.peerList(identity),
	})
}

// --- POST /v1/send ---

type sendRequest struct {
	To       string            `json:"to"`
	Envelope envelope.Envelope `json:"envelope"`
}

type sendResponse struct {
	OK         bool   `json:"ok"`
	EnvelopeID string `json:"envelopeId"`
}

// handleSend routes via WS if the recipient is a live WS peer (200),
// buffers if a REST session (200), 404 if unknown, 503 if the known
// WS peer's socket is closed (§4.8).
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, publicKey string) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.dedup.Add(req.Envelope.ID) {
		writeJSON(w, http.StatusOK, sendResponse{OK: true, EnvelopeID: req.Envelope.ID}) // already routed once; idempotent no-op
		return
	}

	if peer, ok := s.ws.Lookup(req.To); ok {
		if err := s.sendToWSPeer(r.Context(), peer, req.Envelope); err != nil {
			http.Error(w, "peer socket closed", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, sendResponse{OK: true, EnvelopeID: req.Envelope.ID})
		return
	}

	if sess, ok := s.rest.Lookup(req.To); ok {
		sess.Buffer.Push(req.Envelope)
		writeJSON(w, http.StatusOK, sendResponse{OK: true, EnvelopeID: req.Envelope.ID})
		return
	}

	http.Error(w, "recipient not found", http.StatusNotFound)
}

// --- GET /v1/peers ---

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request, publicKey string) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.peerList(publicKey)})
}

// peerList is the union of WS peers and REST sessions, minus the
// caller, deduplicated by publicKey (§4.8).
func (s *Server) peerList(exclude string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range s.ws.Keys() {
		if k == exclude || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	for _, k := range s.rest.Keys() {
		if k == exclude || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// --- GET /v1/messages ---

type messagesResponse struct {
	Messages []envelope.Envelope `json:"messages"`
	HasMore  bool                `json:"hasMore"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, publicKey string) {
	sess, ok := s.rest.Lookup(publicKey)
	if !ok {
		http.Error(w, "no rest session", http.StatusNotFound)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := parsePositiveInt(l); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	var (
		msgs    []envelope.Envelope
		hasMore bool
	)
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := parseUnixMillis(since)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		msgs, hasMore = sess.Buffer.Since(t, limit)
	} else {
		msgs, hasMore = sess.Buffer.Drain(limit)
	}

	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, HasMore: hasMore})
}

// --- DELETE /v1/disconnect ---

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, publicKey string) {
	sess, ok := s.rest.Lookup(publicKey)
	if ok {
		s.jwt.Revoke(sess.JTI, sess.ExpiresAt)
		sess.Buffer.Clear()
	}
	s.rest.Remove(publicKey)
	w.WriteHeader(http.StatusOK)
}

// --- GET /v1/ws ---

type wsFrame struct {
	Type string `json:"type"`
}

type wsRegister struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
}

type wsRegistered struct {
	Type string `json:"type"`
}

type wsMessage struct {
	Type     string           `json:"type"`
	To       string           `json:"to,omitempty"`
	Envelope envelope.Envelope `json:"envelope"`
}

type wsPing struct {
	Type string `json:"type"`
}

type wsPong struct {
	Type string `json:"type"`
}

type wsError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handleWS implements §4.8's WS protocol.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var publicKey string
	var writeMu sync.Mutex

	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	defer func() {
		if publicKey != "" {
			if peer, ok := s.ws.Lookup(publicKey); ok {
				s.ws.Remove(publicKey, peer.conn)
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var head wsFrame
		if err := json.Unmarshal(data, &head); err != nil {
			write(wsError{Type: "error", Message: "malformed frame"})
			continue
		}

		switch head.Type {
		case "register":
			var reg wsRegister
			if err := json.Unmarshal(data, &reg); err != nil || reg.PublicKey == "" {
				write(wsError{Type: "error", Message: "invalid register frame"})
				continue
			}
			publicKey = reg.PublicKey
			s.ws.Register(publicKey, conn)
			write(wsRegistered{Type: "registered"})

		case "message":
			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				write(wsError{Type: "error", Message: "invalid message frame"})
				continue
			}
			if !s.dedup.Add(msg.Envelope.ID) {
				continue // duplicate, dropped silently
			}
			s.routeWSMessage(ctx, msg, write)

		case "ping":
			s.ws.Touch(publicKey)
			write(wsPong{Type: "pong"})

		default:
			write(wsError{Type: "error", Message: "unknown type"})
		}
	}
}

func (s *Server) routeWSMessage(ctx context.Context, msg wsMessage, senderWrite func(any) error) {
	if peer, ok := s.ws.Lookup(msg.To); ok {
		if err := s.sendToWSPeer(ctx, peer, msg.Envelope); err != nil {
			senderWrite(wsError{Type: "error", Message: "recipient socket closed"})
		}
		return
	}
	if sess, ok := s.rest.Lookup(msg.To); ok {
		sess.Buffer.Push(msg.Envelope)
		return
	}
	senderWrite(wsError{Type: "error", Message: "recipient not found"})
}

func (s *Server) sendToWSPeer(ctx context.Context, peer *wsPeer, env envelope.Envelope) error {
	frame := wsMessage{Type: "message", Envelope: env}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := peer.conn.Write(wctx, websocket.MessageText, data); err != nil {
		log.Printf("relayserver: write to %s failed: %v", peer.publicKey, err)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
