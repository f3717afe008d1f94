package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// fakeAgent is a hand-rolled Agent for launcher tests: it replays a
// fixed sequence of chunks onto a Stream, optionally blocking until
// the caller stops it (to exercise timeout/cancel paths).
type fakeAgent struct {
	chunks    []Chunk
	failErr   error
	blockUntilStop bool

	mu       sync.Mutex
	stopped  bool
	graceful bool
}

func (f *fakeAgent) Run(ctx context.Context, prompt string, opts RunOpts) (*Stream, error) {
	stopFn := func(graceful bool) {
		f.mu.Lock()
		f.stopped = true
		f.graceful = graceful
		f.mu.Unlock()
	}
	st := NewStream(ctx, stopFn)

	go func() {
		for _, c := range f.chunks {
			st.Send(c)
		}
		if f.blockUntilStop {
			for {
				f.mu.Lock()
				stopped := f.stopped
				f.mu.Unlock()
				if stopped {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
		st.Close(f.failErr)
	}()

	return st, nil
}

func (f *fakeAgent) Health() error      { return nil }
func (f *fakeAgent) ContextWindow() int { return 100000 }

func TestLaunchStreamsChunksAndCompletes(t *testing.T) {
	agent := &fakeAgent{chunks: []Chunk{{Text: "hello "}, {Text: "world"}}}
	launcher := NewSessionLauncher(hostio.SystemClock{}, 200*time.Millisecond)

	var events []Event
	var mu sync.Mutex
	sess, done, err := launcher.Launch(context.Background(), agent, "EGO", "do something", 0, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete in time")
	}

	if sess.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want completed", sess.Status())
	}
	res := sess.Result()
	if res == nil || !res.Success || res.Stdout != "hello world" {
		t.Errorf("Result() = %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	foundComplete := false
	for _, e := range events {
		if e.Kind == EventComplete {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Error("expected an EventComplete to be observed")
	}
}

func TestLaunchSurfacesStreamError(t *testing.T) {
	agent := &fakeAgent{failErr: errors.New("boom")}
	launcher := NewSessionLauncher(hostio.SystemClock{}, 200*time.Millisecond)

	var gotErr string
	sess, done, err := launcher.Launch(context.Background(), agent, "EGO", "p", 0, func(e Event) {
		if e.Kind == EventError {
			gotErr = e.Err
		}
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	<-done
	if gotErr != "boom" {
		t.Errorf("gotErr = %q, want boom", gotErr)
	}
	res := sess.Result()
	if res == nil || res.Success {
		t.Errorf("Result() = %+v, want failure", res)
	}
}

func TestLaunchTimeoutStopsSessionGracefully(t *testing.T) {
	agent := &fakeAgent{blockUntilStop: true}
	launcher := NewSessionLauncher(hostio.SystemClock{}, 50*time.Millisecond)

	sess, done, err := launcher.Launch(context.Background(), agent, "EGO", "p", 30*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after timeout")
	}

	if sess.Status() != StatusTimedOut {
		t.Errorf("Status() = %s, want timed-out", sess.Status())
	}
	agent.mu.Lock()
	stopped, graceful := agent.stopped, agent.graceful
	agent.mu.Unlock()
	if !stopped || !graceful {
		t.Errorf("expected a graceful stop request, stopped=%v graceful=%v", stopped, graceful)
	}
}

func TestCancelRequestsGracefulStop(t *testing.T) {
	agent := &fakeAgent{blockUntilStop: true}
	launcher := NewSessionLauncher(hostio.SystemClock{}, 50*time.Millisecond)

	sess, done, err := launcher.Launch(context.Background(), agent, "EGO", "p", 0, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	launcher.Cancel(sess)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after cancel")
	}

	if sess.Status() != StatusCancelled {
		t.Errorf("Status() = %s, want cancelled", sess.Status())
	}
}

func TestInjectFailsAfterSessionTerminal(t *testing.T) {
	agent := &fakeAgent{chunks: []Chunk{{Text: "done"}}}
	launcher := NewSessionLauncher(hostio.SystemClock{}, 50*time.Millisecond)

	sess, done, err := launcher.Launch(context.Background(), agent, "EGO", "p", 0, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	<-done

	if sess.Inject("too late") {
		t.Error("Inject should fail once the session has terminated")
	}
}
