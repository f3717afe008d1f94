package bus

import "context"

// Provider is one transport adapter bound to the bus (§4.6). An empty
// Types() means "all types" per spec.md.
type Provider interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsReady() bool
	Types() []string
	Send(ctx context.Context, msg Message) error
	OnMessage(handler func(Message))
}

// handles reports whether a provider declares interest in msgType.
func handles(p Provider, msgType string) bool {
	types := p.Types()
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == msgType {
			return true
		}
	}
	return false
}
