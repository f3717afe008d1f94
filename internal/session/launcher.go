package session

import (
	"context"
	"sync"
	"time"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// Status is the lifecycle state of one Session (§3).
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed-out"
)

// Session is one invocation of the external reasoning subprocess for a
// single role. At most one is active per host process (§3).
type Session struct {
	Role      string
	StartedAt time.Time

	stream   *Stream
	injectCh chan string

	mu     sync.Mutex
	status Status
	result *Result
}

// Inject forwards text to the live session's auxiliary input channel.
// Returns false if the session has already terminated, in which case
// the caller must buffer the text for the next cycle (§4.3, §4.5).
func (s *Session) Inject(text string) bool {
	s.mu.Lock()
	active := s.status == StatusActive
	s.mu.Unlock()
	if !active {
		return false
	}
	select {
	case s.injectCh <- text:
		return true
	default:
		return false
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Result returns the session's outcome without blocking; it is nil
// while the session is still active.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) setTerminal(status Status, result *Result) {
	s.mu.Lock()
	if s.status == StatusActive {
		s.status = status
		s.result = result
	}
	s.mu.Unlock()
}

// SessionLauncher launches one Agent subprocess at a time, enforcing a
// per-session wall-clock timeout and a graceful-then-forced shutdown on
// cancellation (§4.3, §5 Cancellation).
type SessionLauncher struct {
	clock         hostio.Clock
	shutdownGrace time.Duration
}

func NewSessionLauncher(clock hostio.Clock, shutdownGrace time.Duration) *SessionLauncher {
	return &SessionLauncher{clock: clock, shutdownGrace: shutdownGrace}
}

// Launch starts agent.Run(prompt) under the given per-role maxDuration,
// streaming parsed Events to observer until the session ends. It
// returns immediately with a live Session and a done channel that is
// closed once the session ends; wait on that channel, then read
// Session.Result().
func (l *SessionLauncher) Launch(ctx context.Context, ag Agent, role, prompt string, maxDuration time.Duration, observer Observer) (*Session, <-chan struct{}, error) {
	sessionCtx, cancel := context.WithCancel(ctx)

	injectCh := make(chan string, 16)
	stream, err := ag.Run(sessionCtx, prompt, RunOpts{Timeout: maxDuration, Injections: injectCh})
	if err != nil {
		cancel()
		return nil, nil, err
	}

	sess := &Session{
		Role:      role,
		StartedAt: l.clock.Now(),
		stream:    stream,
		injectCh:  injectCh,
		status:    StatusActive,
	}

	done := make(chan struct{})

	go l.pump(sess, observer, done)

	if maxDuration > 0 {
		go l.watchTimeout(sessionCtx, cancel, sess, maxDuration, done)
	}

	// cancel() is invoked either by watchTimeout or by Cancel(); once
	// the pump goroutine sees the stream close it stops regardless.
	go func() {
		<-done
		cancel()
	}()

	return sess, done, nil
}

func (l *SessionLauncher) pump(sess *Session, observer Observer, done chan struct{}) {
	defer close(done)
	start := l.clock.Now()

	for {
		chunk, ok := sess.stream.Next()
		if !ok {
			break
		}
		if observer != nil {
			observer(Event{Kind: EventText, Text: chunk.Text})
		}
	}

	err := sess.stream.Err()
	duration := l.clock.Now().Sub(start).Milliseconds()

	if err != nil {
		if observer != nil {
			observer(Event{Kind: EventError, Err: err.Error()})
		}
		sess.setTerminal(StatusCompleted, &Result{Success: false, Stderr: err.Error(), DurationMs: duration})
		return
	}

	if observer != nil {
		observer(Event{Kind: EventComplete, Text: sess.stream.Text()})
	}
	sess.setTerminal(StatusCompleted, &Result{Success: true, Stdout: sess.stream.Text(), DurationMs: duration})
}

// watchTimeout enforces the per-role maximum duration: on expiry it
// requests a graceful stop (SIGTERM), waits the shutdown grace period,
// then forces a hard stop (SIGKILL) if the session is still active.
func (l *SessionLauncher) watchTimeout(ctx context.Context, cancel context.CancelFunc, sess *Session, maxDuration time.Duration, done <-chan struct{}) {
	timer := time.NewTimer(maxDuration)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	sess.mu.Lock()
	sess.status = StatusTimedOut
	sess.mu.Unlock()

	l.gracefulThenForceStop(sess, done)
	cancel()
}

// Cancel requests the session stop, honoring the shutdown grace period
// (§5 Cancellation): SIGTERM immediately, SIGKILL after shutdownGrace
// if the process hasn't exited by then.
func (l *SessionLauncher) Cancel(sess *Session) {
	sess.mu.Lock()
	if sess.status == StatusActive {
		sess.status = StatusCancelled
	}
	sess.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for sess.stream != nil && !sess.stream.Done() {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	l.gracefulThenForceStop(sess, done)
}

func (l *SessionLauncher) gracefulThenForceStop(sess *Session, done <-chan struct{}) {
	sess.stream.Stop(true) // SIGTERM
	grace := l.shutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		sess.stream.Stop(false) // SIGKILL
	}
}
