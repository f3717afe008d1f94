package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

const defaultRetryLimit = 3

// Bus is TinyBus: a type-routed in-process broker over a plain ordered
// collection of providers (spec.md §9: "no runtime class loading").
type Bus struct {
	mu         sync.Mutex
	providers  []Provider
	queues     map[string]chan Message
	retryLimit int

	loopbackMu sync.Mutex
	loopback   bool
}

func New() *Bus {
	return &Bus{
		queues:     make(map[string]chan Message),
		retryLimit: defaultRetryLimit,
	}
}

// SetLoopback controls whether a provider that is also the publisher of
// a message may receive its own message back (optional per §2 C7).
func (b *Bus) SetLoopback(enabled bool) {
	b.loopbackMu.Lock()
	b.loopback = enabled
	b.loopbackMu.Unlock()
}

// Register adds a provider to the bus's ordered collection. Must be
// called before Start.
func (b *Bus) Register(p Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers = append(b.providers, p)
	b.queues[p.ID()] = make(chan Message, 256)
}

// Start starts every registered provider and spins up one FIFO worker
// goroutine per provider (so each destination processes its incoming
// messages one at a time, while independent destinations proceed in
// parallel — §4.6 Concurrency).
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	providers := append([]Provider(nil), b.providers...)
	b.mu.Unlock()

	for _, p := range providers {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("bus: start provider %s: %w", p.ID(), err)
		}
		p.OnMessage(func(msg Message) { b.Publish(ctx, msg) })
		go b.worker(ctx, p)
	}
	return nil
}

// Stop calls Stop(ctx) on every provider in registration order and
// returns the first error. It does not wait for messages still queued
// for a provider's worker to be delivered; ctx (whose deadline is the
// caller's shutdown grace period) is only passed on to each provider.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	providers := append([]Provider(nil), b.providers...)
	b.mu.Unlock()

	var firstErr error
	for _, p := range providers {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) worker(ctx context.Context, p Provider) {
	b.mu.Lock()
	q := b.queues[p.ID()]
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q:
			if !ok {
				return
			}
			b.deliver(ctx, p, msg)
		}
	}
}

// deliver sends msg to p, retrying transient failures up to retryLimit
// times before surfacing a message.error event (§7 Transient I/O).
// Failures never propagate back to the original publisher synchronously.
func (b *Bus) deliver(ctx context.Context, p Provider, msg Message) {
	var err error
	for attempt := 0; attempt <= b.retryLimit; attempt++ {
		if !p.IsReady() {
			err = fmt.Errorf("provider %s not ready", p.ID())
			continue
		}
		err = p.Send(ctx, msg)
		if err == nil {
			return
		}
	}
	log.Printf("bus: delivery to %s failed after retries: %v", p.ID(), err)
	b.emitError(ctx, p.ID(), msg, err)
}

func (b *Bus) emitError(ctx context.Context, providerID string, orig Message, deliveryErr error) {
	errMsg := Message{
		ID:   uuid.New().String(),
		Type: TypeMessageError,
		Meta: map[string]any{
			"provider":     providerID,
			"originalId":   orig.ID,
			"originalType": orig.Type,
			"error":        deliveryErr.Error(),
		},
	}
	b.Publish(ctx, errMsg)
}

// Publish routes msg: to the named Destination if it is a started,
// ready provider; otherwise to every started, ready provider whose
// declared type set matches (§4.6 Routing). Routing never blocks the
// caller — it only enqueues onto each target's FIFO.
func (b *Bus) Publish(ctx context.Context, msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	b.mu.Lock()
	providers := append([]Provider(nil), b.providers...)
	queues := make(map[string]chan Message, len(b.queues))
	for k, v := range b.queues {
		queues[k] = v
	}
	b.mu.Unlock()

	b.loopbackMu.Lock()
	loopback := b.loopback
	b.loopbackMu.Unlock()

	if msg.Destination != "" {
		for _, p := range providers {
			if p.ID() == msg.Destination && p.IsReady() {
				if !loopback && p.ID() == msg.Source {
					return
				}
				b.enqueue(queues[p.ID()], msg)
				return
			}
		}
	}

	for _, p := range providers {
		if !p.IsReady() || !handles(p, msg.Type) {
			continue
		}
		if !loopback && p.ID() == msg.Source {
			continue
		}
		b.enqueue(queues[p.ID()], msg)
	}
}

func (b *Bus) enqueue(q chan Message, msg Message) {
	if q == nil {
		return
	}
	select {
	case q <- msg:
	default:
		log.Printf("bus: queue full, dropping message %s (type=%s)", msg.ID, msg.Type)
	}
}
