package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeProvider is a hand-rolled Provider for routing/delivery tests.
type fakeProvider struct {
	id        string
	types     []string
	mu        sync.Mutex
	ready     bool
	received  []Message
	failTimes int
	sendCalls int
}

func newFakeProvider(id string, types ...string) *fakeProvider {
	return &fakeProvider{id: id, types: types, ready: true}
}

func (f *fakeProvider) ID() string      { return f.id }
func (f *fakeProvider) Types() []string { return f.types }

func (f *fakeProvider) Start(ctx context.Context) error { return nil }
func (f *fakeProvider) Stop(ctx context.Context) error  { return nil }

func (f *fakeProvider) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeProvider) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeProvider) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendCalls <= f.failTimes {
		return errSendFailed
	}
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeProvider) OnMessage(handler func(Message)) {}

func (f *fakeProvider) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.received...)
}

var errSendFailed = sendFailedErr{}

type sendFailedErr struct{}

func (sendFailedErr) Error() string { return "send failed" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishRoutesByDestination(t *testing.T) {
	b := New()
	a := newFakeProvider("a")
	c := newFakeProvider("c")
	b.Register(a)
	b.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(ctx, Message{Destination: "c", Payload: "hello"})

	waitFor(t, func() bool { return len(c.messages()) == 1 })
	if len(a.messages()) != 0 {
		t.Errorf("provider a should not have received the destined message")
	}
}

func TestPublishFansOutByType(t *testing.T) {
	b := New()
	x := newFakeProvider("x", "agora_message")
	y := newFakeProvider("y", "other")
	b.Register(x)
	b.Register(y)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(ctx, Message{Type: "agora_message", Payload: "broadcast"})

	waitFor(t, func() bool { return len(x.messages()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if len(y.messages()) != 0 {
		t.Errorf("provider y declared a different type and should not receive it")
	}
}

func TestPublishSkipsSourceWithoutLoopback(t *testing.T) {
	b := New()
	self := newFakeProvider("self")
	other := newFakeProvider("other")
	b.Register(self)
	b.Register(other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(ctx, Message{Source: "self", Destination: "self", Payload: "echo"})

	time.Sleep(20 * time.Millisecond)
	if len(self.messages()) != 0 {
		t.Error("provider should not receive its own published message without loopback")
	}
}

func TestPublishDeliversToSelfWithLoopback(t *testing.T) {
	b := New()
	b.SetLoopback(true)
	self := newFakeProvider("self")
	b.Register(self)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(ctx, Message{Source: "self", Destination: "self", Payload: "echo"})

	waitFor(t, func() bool { return len(self.messages()) == 1 })
}

func TestDeliverRetriesThenEmitsErrorEvent(t *testing.T) {
	b := New()
	flaky := newFakeProvider("flaky")
	flaky.failTimes = 10 // always fails within retryLimit
	sink := newFakeProvider("sink", TypeMessageError)
	b.Register(flaky)
	b.Register(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(ctx, Message{Destination: "flaky", Payload: "will fail"})

	waitFor(t, func() bool { return len(sink.messages()) == 1 })
	errMsg := sink.messages()[0]
	if errMsg.Type != TypeMessageError {
		t.Errorf("Type = %s, want %s", errMsg.Type, TypeMessageError)
	}
	meta, _ := errMsg.Meta["provider"].(string)
	if meta != "flaky" {
		t.Errorf("error meta provider = %q, want flaky", meta)
	}
}

func TestDeliverSucceedsAfterTransientFailures(t *testing.T) {
	b := New()
	flaky := newFakeProvider("flaky")
	flaky.failTimes = 2 // fails twice, succeeds on 3rd (within retryLimit of 3)
	b.Register(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(ctx, Message{Destination: "flaky", Payload: "eventually ok"})

	waitFor(t, func() bool { return len(flaky.messages()) == 1 })
}

func TestSkipsUnreadyProvider(t *testing.T) {
	b := New()
	p := newFakeProvider("p", "x")
	p.setReady(false)
	b.Register(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(ctx, Message{Type: "x", Payload: "nope"})
	time.Sleep(20 * time.Millisecond)
	if len(p.messages()) != 0 {
		t.Error("unready provider should not receive messages")
	}
}

func TestSessionInjectionProviderExtractsText(t *testing.T) {
	inj := &fakeInjector{}
	p := NewSessionInjectionProvider(inj)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Send(context.Background(), Message{Payload: "direct string"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if inj.lastText != "direct string" {
		t.Errorf("lastText = %q", inj.lastText)
	}

	if err := p.Send(context.Background(), Message{Payload: map[string]any{"text": "wrapped"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if inj.lastText != "wrapped" {
		t.Errorf("lastText = %q", inj.lastText)
	}
}

type fakeInjector struct{ lastText string }

func (f *fakeInjector) InjectMessage(text string) bool {
	f.lastText = text
	return true
}

func TestConversationOnPauseProviderMarksUnprocessed(t *testing.T) {
	conv := &fakeConvWriter{}
	pause := &fakePauseQuerier{paused: true}
	p := NewConversationOnPauseProvider(conv, pause)

	if err := p.Send(context.Background(), Message{Source: "USER", Payload: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !conv.unprocessedCalled {
		t.Error("expected AppendUnprocessed to be called while paused")
	}

	pause.paused = false
	if err := p.Send(context.Background(), Message{Source: "USER", Payload: "hi again"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !conv.appendCalled {
		t.Error("expected Append to be called while not paused")
	}
}

type fakeConvWriter struct {
	appendCalled      bool
	unprocessedCalled bool
}

func (f *fakeConvWriter) Append(role, text string) error {
	f.appendCalled = true
	return nil
}

func (f *fakeConvWriter) AppendUnprocessed(role, text string) error {
	f.unprocessedCalled = true
	return nil
}

type fakePauseQuerier struct{ paused bool }

func (f *fakePauseQuerier) IsEffectivelyPaused() bool { return f.paused }

func TestPeerInboundProviderDeliversToHandler(t *testing.T) {
	p := NewPeerInboundProvider()
	var got Message
	done := make(chan struct{})
	p.OnMessage(func(msg Message) {
		got = msg
		close(done)
	})

	p.Deliver(Message{Type: TypeAgoraMessage, Payload: "from peer"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	if got.Payload != "from peer" {
		t.Errorf("Payload = %v", got.Payload)
	}
}
