// Package relayclient implements L5: a persistent outbound WebSocket
// connection from a host process to the central Peer Relay, grounded
// on the teacher's internal/ws.Client (register/heartbeat/backoff
// reconnection loop).
package relayclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rookdaemon/substrate/internal/dedup"
	"github.com/rookdaemon/substrate/internal/envelope"
)

const (
	heartbeatInterval  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 5 * time.Minute
	dedupCapacity      = 10000
)

// PeerKeyStore resolves a sender fingerprint to its known public key,
// so inbound envelopes can be signature-checked (§4.7: "validated
// (signature check against the known peer registry)").
type PeerKeyStore interface {
	Lookup(fingerprint string) (pub ed25519.PublicKey, ok bool)
}

// InboundHandler receives a validated, de-duplicated inbound envelope.
type InboundHandler func(env envelope.Envelope)

// Client is the PeerRelayClient (C9).
type Client struct {
	RelayURL    string
	Fingerprint string // our own identity, sent at registration
	Keys        PeerKeyStore

	OnInbound     InboundHandler
	OnStateChange func(state string, err error)

	BackoffBase time.Duration
	BackoffMax  time.Duration

	mu              sync.Mutex
	conn            *websocket.Conn
	shouldReconnect bool

	seen *dedup.FIFOSet
}

func NewClient(relayURL, fingerprint string, keys PeerKeyStore) *Client {
	return &Client{
		RelayURL:        relayURL,
		Fingerprint:     fingerprint,
		Keys:            keys,
		shouldReconnect: true,
		seen:            dedup.NewFIFOSet(dedupCapacity),
	}
}

// Run connects and serves until ctx is cancelled or Disconnect is
// called, reconnecting with exponential backoff on any other failure
// (§4.7 Reconnect).
func (c *Client) Run(ctx context.Context) error {
	base, max := c.BackoffBase, c.BackoffMax
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	backoff := NewBackoff(base, max)

	c.notifyState("connecting", nil)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if !c.reconnectEnabled() {
			c.notifyState("disconnected", nil)
			return nil
		}
		if connected {
			backoff.Reset()
		}
		delay := backoff.Next()
		c.notifyState("disconnected", err)
		log.Printf("relayclient: disconnected: %v — reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		if !c.reconnectEnabled() {
			return nil
		}
		c.notifyState("connecting", nil)
	}
}

// Disconnect stops future reconnect attempts and closes the live
// connection, if any (§4.7: "Explicit disconnect").
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
}

func (c *Client) reconnectEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReconnect
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.RelayURL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	connected = true

	if err := c.writeJSON(ctx, registerMsg{Type: typeRegister, PublicKey: c.Fingerprint}); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return connected, fmt.Errorf("read: %w", readErr)
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var head wireEnvelope
	if err := json.Unmarshal(data, &head); err != nil {
		log.Printf("relayclient: bad frame: %v", err)
		return
	}

	switch head.Type {
	case typeRegistered:
		c.notifyState("connected", nil)

	case typePong:
		// liveness confirmed, nothing else to do

	case typeMessage:
		var msg inboundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("relayclient: bad message frame: %v", err)
			return
		}
		c.handleInbound(msg.Envelope)

	case typeError:
		var msg errorMsg
		json.Unmarshal(data, &msg)
		log.Printf("relayclient: relay error: %s", msg.Message)

	default:
		log.Printf("relayclient: unknown frame type %q", head.Type)
	}
}

func (c *Client) handleInbound(env envelope.Envelope) {
	if !c.seen.Add(env.ID) {
		return // duplicate, dropped silently (§4.7)
	}

	if c.Keys != nil {
		pub, ok := c.Keys.Lookup(env.Sender)
		if !ok {
			log.Printf("relayclient: unknown sender %s, dropping envelope %s", env.Sender, env.ID)
			return
		}
		if err := envelope.Verify(env, pub); err != nil {
			log.Printf("relayclient: signature verify failed for %s: %v", env.ID, err)
			return
		}
	}

	if c.OnInbound != nil {
		c.OnInbound(env)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(ctx, pingMsg{Type: typePing}); err != nil {
				return
			}
		}
	}
}

// Send implements bus.PeerSender: serialises {type:"message", to,
// envelope} over the live connection, or reports {ok:false,
// error:"Not connected"} if there isn't one (§4.7 Outbound send).
func (c *Client) Send(ctx context.Context, to string, payload any) (bool, error) {
	env, ok := payload.(envelope.Envelope)
	if !ok {
		return false, fmt.Errorf("relayclient: send: payload is not an envelope.Envelope")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, fmt.Errorf("Not connected")
	}

	if err := c.writeJSON(ctx, inboundMsg{Type: typeMessage, To: to, Envelope: env}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
