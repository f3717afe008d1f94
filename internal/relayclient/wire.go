package relayclient

import "github.com/rookdaemon/substrate/internal/envelope"

// Wire message types exchanged over the relay WebSocket (spec.md §4.7,
// §4.8 WS protocol), grounded on the teacher's internal/ws/protocol.go
// typed-envelope pattern.
const (
	typeRegister   = "register"
	typeRegistered = "registered"
	typePing       = "ping"
	typePong       = "pong"
	typeMessage    = "message"
	typeError      = "error"
)

type wireEnvelope struct {
	Type string `json:"type"`
}

type registerMsg struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
}

type registeredMsg struct {
	Type string `json:"type"`
}

type pingMsg struct {
	Type string `json:"type"`
}

type pongMsg struct {
	Type string `json:"type"`
}

type inboundMsg struct {
	Type     string             `json:"type"`
	To       string             `json:"to,omitempty"`
	Envelope envelope.Envelope `json:"envelope"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
