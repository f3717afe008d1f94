package bus

import (
	"context"
	"sync"
)

// SessionInjector is the subset of the loop orchestrator's injection
// contract a SessionInjectionProvider needs (§4.5 injectMessage).
type SessionInjector interface {
	InjectMessage(text string) bool
}

// SessionInjectionProvider forwards inbound bus messages into the
// live session via the orchestrator's injection contract.
type SessionInjectionProvider struct {
	injector SessionInjector
	ready    bool
	mu       sync.Mutex
	handler  func(Message)
}

func NewSessionInjectionProvider(injector SessionInjector) *SessionInjectionProvider {
	return &SessionInjectionProvider{injector: injector}
}

func (p *SessionInjectionProvider) ID() string { return "session-injection" }
func (p *SessionInjectionProvider) Types() []string { return nil } // all types

func (p *SessionInjectionProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *SessionInjectionProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	return nil
}

func (p *SessionInjectionProvider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *SessionInjectionProvider) Send(ctx context.Context, msg Message) error {
	text, _ := msg.Payload.(string)
	if text == "" {
		if m, ok := msg.Payload.(map[string]any); ok {
			if t, ok := m["text"].(string); ok {
				text = t
			}
		}
	}
	p.injector.InjectMessage(text)
	return nil
}

func (p *SessionInjectionProvider) OnMessage(handler func(Message)) { p.handler = handler }

// PauseQuerier lets a provider ask the orchestrator (the single
// authority per spec.md §9) whether the loop is effectively paused,
// instead of each provider tracking its own pause flag.
type PauseQuerier interface {
	IsEffectivelyPaused() bool
}

// ConversationWriter is the substrate.ConversationManager subset this
// provider needs.
type ConversationWriter interface {
	Append(role, text string) error
	AppendUnprocessed(role, text string) error
}

// ConversationOnPauseProvider records inbound messages into
// CONVERSATION, marking them [UNPROCESSED] whenever the orchestrator
// reports the loop is effectively paused (§4.5).
type ConversationOnPauseProvider struct {
	conv  ConversationWriter
	pause PauseQuerier
	mu    sync.Mutex
	ready bool
}

func NewConversationOnPauseProvider(conv ConversationWriter, pause PauseQuerier) *ConversationOnPauseProvider {
	return &ConversationOnPauseProvider{conv: conv, pause: pause}
}

func (p *ConversationOnPauseProvider) ID() string      { return "conversation-on-pause" }
func (p *ConversationOnPauseProvider) Types() []string { return nil }

func (p *ConversationOnPauseProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *ConversationOnPauseProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	return nil
}

func (p *ConversationOnPauseProvider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *ConversationOnPauseProvider) Send(ctx context.Context, msg Message) error {
	role, text := messageRoleText(msg)
	if p.pause.IsEffectivelyPaused() {
		return p.conv.AppendUnprocessed(role, text)
	}
	return p.conv.Append(role, text)
}

func (p *ConversationOnPauseProvider) OnMessage(handler func(Message)) {}

func messageRoleText(msg Message) (role, text string) {
	role = "USER"
	if msg.Source != "" {
		role = msg.Source
	}
	if s, ok := msg.Payload.(string); ok {
		return role, s
	}
	if m, ok := msg.Payload.(map[string]any); ok {
		if t, ok := m["text"].(string); ok {
			text = t
		}
		if r, ok := m["role"].(string); ok {
			role = r
		}
	}
	return role, text
}

// PeerSender is the subset of the relay client the outbound provider needs.
type PeerSender interface {
	Send(ctx context.Context, to string, payload any) (ok bool, err error)
}

// PeerOutboundProvider forwards bus messages destined for a peer onto
// the relay client's outbound send path.
type PeerOutboundProvider struct {
	client PeerSender
	mu     sync.Mutex
	ready  bool
}

func NewPeerOutboundProvider(client PeerSender) *PeerOutboundProvider {
	return &PeerOutboundProvider{client: client}
}

func (p *PeerOutboundProvider) ID() string      { return "peer-outbound" }
func (p *PeerOutboundProvider) Types() []string { return []string{"peer.outbound"} }

func (p *PeerOutboundProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *PeerOutboundProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	return nil
}

func (p *PeerOutboundProvider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *PeerOutboundProvider) Send(ctx context.Context, msg Message) error {
	to := msg.Destination
	if m, ok := msg.Payload.(map[string]any); ok {
		if dest, ok := m["to"].(string); ok && dest != "" {
			to = dest
		}
	}
	_, err := p.client.Send(ctx, to, msg.Payload)
	return err
}

func (p *PeerOutboundProvider) OnMessage(handler func(Message)) {}

// PeerInboundProvider surfaces envelopes delivered by the relay client
// as bus messages of type TypeAgoraMessage. It is purely a source: its
// Send is a no-op, and OnMessage registers the callback the relay
// client invokes per inbound envelope.
type PeerInboundProvider struct {
	mu      sync.Mutex
	ready   bool
	handler func(Message)
}

func NewPeerInboundProvider() *PeerInboundProvider {
	return &PeerInboundProvider{}
}

// sourceOnlyType is a type no publisher ever uses, so handles() never
// routes ordinary bus traffic to a pure-source provider (an empty
// Types() would mean "all types" and needlessly enqueue everything).
const sourceOnlyType = "__source_only__"

func (p *PeerInboundProvider) ID() string      { return "peer-inbound" }
func (p *PeerInboundProvider) Types() []string { return []string{sourceOnlyType} }

func (p *PeerInboundProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *PeerInboundProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	return nil
}

func (p *PeerInboundProvider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *PeerInboundProvider) Send(ctx context.Context, msg Message) error { return nil }

func (p *PeerInboundProvider) OnMessage(handler func(Message)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

// Deliver is called by the relay client whenever it surfaces a
// validated, de-duplicated inbound envelope.
func (p *PeerInboundProvider) Deliver(msg Message) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(msg)
	}
}
