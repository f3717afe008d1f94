package loop

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rookdaemon/substrate/internal/bus"
	"github.com/rookdaemon/substrate/internal/hostio"
	"github.com/rookdaemon/substrate/internal/roles"
	"github.com/rookdaemon/substrate/internal/session"
)

const injectionQueueCap = 256

// RestartExitCode is the distinguished exit code a supervisor watches
// for to rebuild and re-spawn the process (§6).
const RestartExitCode = 75

// Config is the subset of §6's configuration this orchestrator reads.
type Config struct {
	Mode                  Mode
	CycleDelay            time.Duration
	SuperegoAuditInterval int
	ShutdownGrace         time.Duration
	StallThreshold        time.Duration
	CheckInterval         time.Duration
	ForceRestartThreshold time.Duration
	IdleSleepEnabled      bool
	IdleCyclesBeforeSleep int
	RoleTimeout           time.Duration // per-session wall-clock timeout (§4.3), 0 = none
}

// ConversationArchiver triggers CONVERSATION archiving (§3). Archiving
// and size-based rotation are disjunctive triggers (§9): the
// orchestrator fires this once per cycle, independently of whatever
// rotation the append writer itself performs on size.
type ConversationArchiver interface {
	ArchiveIfNeeded(now time.Time) (archived bool, err error)
}

// RunnerSet is the four role Runners plus the Agent each drives.
type RunnerSet struct {
	Ego          *roles.Runner
	Subconscious *roles.Runner
	Superego     *roles.Runner
	Id           *roles.Runner

	EgoAgent          session.Agent
	SubconsciousAgent session.Agent
	SuperegoAgent     session.Agent
	IdAgent           session.Agent
}

// Orchestrator is the LoopOrchestrator (C10): it exclusively owns the
// loop-state variable (§3 Ownership).
type Orchestrator struct {
	cfg       Config
	clock     hostio.Clock
	launcher  *session.SessionLauncher
	runners   RunnerSet
	planCheck func() (open bool, err error) // true if PLAN has open tasks
	bus       *bus.Bus
	metrics   *MetricsWriter
	archiver  ConversationArchiver

	mu                    sync.Mutex
	state                 State
	cycleNumber           int
	consecutiveIdle       int
	rateLimitUntil        time.Time
	activeSession         *session.Session
	injectionQueue        []string
	pendingProposals      []roles.Proposal
	lastActivityAt        time.Time
	stopCh                chan struct{}
	wakeCh                chan struct{}
}

func NewOrchestrator(cfg Config, clock hostio.Clock, launcher *session.SessionLauncher, runners RunnerSet, planCheck func() (bool, error), b *bus.Bus, metrics *MetricsWriter, archiver ConversationArchiver) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		clock:     clock,
		launcher:  launcher,
		runners:   runners,
		planCheck: planCheck,
		bus:       b,
		metrics:   metrics,
		archiver:  archiver,
		state:     Stopped,
		wakeCh:    make(chan struct{}, 1),
	}
}

// State returns the current loop state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status mirrors GET /api/loop/status (§6).
type Status struct {
	State          State
	RateLimitUntil *time.Time
	CycleNumber    int
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{State: o.state, CycleNumber: o.cycleNumber}
	if o.state == RateLimited && !o.rateLimitUntil.IsZero() {
		t := o.rateLimitUntil
		st.RateLimitUntil = &t
	}
	return st
}

// IsEffectivelyPaused implements bus.PauseQuerier (spec.md §9: the
// orchestrator is the single authority on "effective pause").
func (o *Orchestrator) IsEffectivelyPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != Running
}

func (o *Orchestrator) publish(msg Message) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(context.Background(), msg)
}

// Message is an alias kept local so callers don't need to import bus
// just to build one.
type Message = bus.Message

// doEvent applies a state transition, logging and publishing
// state_changed on success.
func (o *Orchestrator) doEvent(ev Event) error {
	o.mu.Lock()
	next, err := transition(o.state, ev)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	prev := o.state
	o.state = next
	o.mu.Unlock()

	log.Printf("loop: %s -> %s (event=%s)", prev, next, ev)
	if prev != next {
		o.publish(Message{Type: bus.TypeStateChanged, Payload: map[string]any{"from": prev, "to": next}})
	}
	return nil
}

// Start transitions STOPPED → RUNNING (§4.5). It runs no cycle itself;
// cycles are driven by Run (or Step).
func (o *Orchestrator) Start() error {
	return o.doEvent(EventStart)
}

// Pause transitions RUNNING → PAUSED, cancelling any active session
// with the configured grace period.
func (o *Orchestrator) Pause() error {
	if err := o.doEvent(EventPause); err != nil {
		return err
	}
	o.cancelActiveSession()
	return nil
}

// Resume transitions PAUSED → RUNNING; the loop resumes at the next cycle.
func (o *Orchestrator) Resume() error {
	err := o.doEvent(EventResume)
	if err == nil {
		o.wake()
	}
	return err
}

// Stop transitions to STOPPED from any state (§4.5), cancels any active
// session, and stops the bus's providers under a context bounded by the
// shutdown grace period; messages still queued on the bus are not drained.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if err := o.doEvent(EventStop); err != nil {
		return err
	}
	o.cancelActiveSession()
	if o.bus != nil {
		drainCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
		defer cancel()
		o.bus.Stop(drainCtx)
	}
	if o.stopCh != nil {
		close(o.stopCh)
	}
	return nil
}

// Shutdown behaves like Stop, then the caller is expected to exit the
// process after the grace period (§4.5).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if err := o.doEvent(EventShutdown); err != nil {
		return err
	}
	o.cancelActiveSession()
	if o.bus != nil {
		drainCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
		defer cancel()
		o.bus.Stop(drainCtx)
	}
	if o.stopCh != nil {
		close(o.stopCh)
	}
	return nil
}

func (o *Orchestrator) cancelActiveSession() {
	o.mu.Lock()
	sess := o.activeSession
	o.mu.Unlock()
	if sess != nil {
		o.launcher.Cancel(sess)
	}
}

// EnterRateLimit transitions RUNNING → RATE_LIMITED and parks until
// now ≥ until (§4.5, S3).
func (o *Orchestrator) EnterRateLimit(until time.Time) error {
	if err := o.doEvent(EventRateLimited); err != nil {
		return err
	}
	o.mu.Lock()
	o.rateLimitUntil = until
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) clearRateLimitIfDue() {
	o.mu.Lock()
	isRL := o.state == RateLimited
	until := o.rateLimitUntil
	o.mu.Unlock()
	if isRL && !o.clock.Now().Before(until) {
		o.doEvent(EventRateLimitCleared)
	}
}

// InjectMessage implements the injection contract (§4.5). Returns true
// iff forwarded to a live, accepting session; otherwise the text is
// appended to a bounded FIFO queue drained at the start of the next
// Ego prompt, and false is returned.
func (o *Orchestrator) InjectMessage(text string) bool {
	o.mu.Lock()
	sess := o.activeSession
	o.mu.Unlock()

	if sess != nil && sess.Status() == session.StatusActive {
		if sess.Inject(text) {
			o.wake()
			return true
		}
	}

	o.mu.Lock()
	if len(o.injectionQueue) < injectionQueueCap {
		o.injectionQueue = append(o.injectionQueue, text)
	} else {
		log.Printf("loop: injection queue full, dropping message")
	}
	o.mu.Unlock()
	o.wake()
	return false
}

func (o *Orchestrator) drainInjectionQueue() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.injectionQueue
	o.injectionQueue = nil
	return q
}

// WakeUp ends an idle-sleep early without queuing any injected text —
// used by the substrate directory watcher when AGORA_INBOX changes out
// from under the loop (e.g. an inbox entry written by another process),
// so the next cycle doesn't wait out the idle-sleep backoff.
func (o *Orchestrator) WakeUp() {
	o.wake()
}

func (o *Orchestrator) wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) touchActivity() {
	o.mu.Lock()
	o.lastActivityAt = o.clock.Now()
	o.mu.Unlock()
}

// LastActivityAt is read by the Watchdog.
func (o *Orchestrator) LastActivityAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActivityAt
}

// Run drives the full cycle loop until ctx is cancelled or the loop
// transitions to STOPPED/SHUTTING_DOWN. It is used in both cycle and
// tick mode; the mode only selects which completion event is published.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopCh:
			return nil
		default:
		}

		st := o.State()
		switch st {
		case Stopped, ShuttingDown:
			return nil
		case Paused:
			if !o.sleepOrWake(ctx, 200*time.Millisecond) {
				return nil
			}
			continue
		case RateLimited:
			o.clearRateLimitIfDue()
			if !o.sleepOrWake(ctx, 200*time.Millisecond) {
				return nil
			}
			continue
		}

		if err := o.runCycle(ctx); err != nil {
			log.Printf("loop: cycle %d error: %v", o.cycleNumber, err)
		}

		delay := o.nextDelay()
		if !o.sleepOrWake(ctx, delay) {
			return nil
		}
	}
}

// sleepOrWake sleeps for d, waking early on any injected message.
// Returns false if ctx was cancelled or the loop stopped meanwhile.
func (o *Orchestrator) sleepOrWake(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-o.stopCh:
		return false
	case <-timer.C:
		return true
	case <-o.wakeCh:
		return true
	}
}

func (o *Orchestrator) nextDelay() time.Duration {
	base := o.cfg.CycleDelay
	if !o.cfg.IdleSleepEnabled {
		return base
	}
	o.mu.Lock()
	idle := o.consecutiveIdle
	o.mu.Unlock()
	if idle < o.cfg.IdleCyclesBeforeSleep {
		return base
	}
	backoffFactor := idle - o.cfg.IdleCyclesBeforeSleep + 1
	if backoffFactor > 8 {
		backoffFactor = 8
	}
	return base * time.Duration(backoffFactor)
}

// Step runs one full cycle (the same work as one iteration of Run) and
// returns; it does not split a cycle into single-role steps.
func (o *Orchestrator) Step(ctx context.Context) error {
	return o.runCycle(ctx)
}

func (o *Orchestrator) runCycle(ctx context.Context) error {
	start := o.clock.Now()
	o.mu.Lock()
	o.cycleNumber++
	cycleNum := o.cycleNumber
	o.mu.Unlock()

	if o.archiver != nil {
		if _, err := o.archiver.ArchiveIfNeeded(o.clock.Now()); err != nil {
			log.Printf("loop: conversation archive: %v", err)
		}
	}

	open, err := o.planCheck()
	if err != nil {
		return fmt.Errorf("loop: plan check: %w", err)
	}

	if !open {
		o.mu.Lock()
		o.consecutiveIdle++
		idleCount := o.consecutiveIdle
		o.mu.Unlock()
		o.publish(Message{Type: bus.TypeIdle, Payload: map[string]any{"cycle": cycleNum, "consecutiveIdleCycles": idleCount}})

		if err := o.runRole(ctx, roles.Id, o.runners.IdAgent, o.runners.Id); err != nil {
			return err
		}
		if err := o.runRole(ctx, roles.Superego, o.runners.SuperegoAgent, o.runners.Superego); err != nil {
			return err
		}
		o.recordMetrics(cycleNum, start)
		return nil
	}

	o.mu.Lock()
	o.consecutiveIdle = 0
	o.mu.Unlock()

	if err := o.runRole(ctx, roles.Ego, o.runners.EgoAgent, o.runners.Ego); err != nil {
		return err
	}
	if err := o.runRole(ctx, roles.Subconscious, o.runners.SubconsciousAgent, o.runners.Subconscious); err != nil {
		return err
	}

	if o.cfg.SuperegoAuditInterval > 0 && cycleNum%o.cfg.SuperegoAuditInterval == 0 {
		if err := o.runRole(ctx, roles.Superego, o.runners.SuperegoAgent, o.runners.Superego); err != nil {
			return err
		}
	}

	o.recordMetrics(cycleNum, start)

	if o.cfg.Mode == ModeCycle {
		o.publish(Message{Type: bus.TypeCycleComplete, Payload: map[string]any{"cycle": cycleNum}})
	} else {
		o.publish(Message{Type: bus.TypeTickComplete, Payload: map[string]any{"cycle": cycleNum, "timed_out": false}})
	}
	return nil
}

func (o *Orchestrator) recordMetrics(cycleNum int, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.mu.Lock()
	idle := o.consecutiveIdle
	st := o.state
	o.mu.Unlock()
	o.metrics.Record(HealthSample{
		CycleNumber: cycleNum,
		Timestamp:   o.clock.Now(),
		State:       string(st),
		DurationMs:  o.clock.Now().Sub(start).Milliseconds(),
		IdleCycles:  idle,
	})
}

// runRole builds the role's prompt, launches its session, and streams
// output to process_output bus events, then applies any parsed write
// blocks once the session completes.
func (o *Orchestrator) runRole(ctx context.Context, name roles.Name, agent session.Agent, runner *roles.Runner) error {
	prompt, err := runner.BuildPrompt()
	if err != nil {
		return fmt.Errorf("loop: %s build prompt: %w", name, err)
	}

	var queued []string
	if name == roles.Ego {
		queued = o.drainInjectionQueue()
	}
	for _, q := range queued {
		prompt += "\n\n---\nQueued message: " + q
	}

	observer := func(ev session.Event) {
		o.touchActivity()
		switch ev.Kind {
		case session.EventText:
			o.publish(Message{Type: bus.TypeProcessOutput, Payload: map[string]any{"role": string(name), "text": ev.Text}})
		case session.EventComplete:
			o.publish(Message{Type: bus.TypeConversationResponse, Payload: map[string]any{"role": string(name), "text": ev.Text}})
		}
	}

	sess, done, err := o.launcher.Launch(ctx, agent, string(name), prompt, o.cfg.RoleTimeout, observer)
	if err != nil {
		return fmt.Errorf("loop: %s launch session: %w", name, err)
	}

	o.mu.Lock()
	o.activeSession = sess
	o.mu.Unlock()

	<-done

	o.mu.Lock()
	o.activeSession = nil
	o.mu.Unlock()

	result := sess.Result()
	if result == nil || !result.Success {
		return nil // transient session failure: logged, not fatal to the loop (§7)
	}

	blocks := roles.ParseWriteBlocks(result.Stdout)
	proposals, err := runner.ApplyWriteBlocks(blocks)
	if err != nil {
		// PermissionDenied is fatal to the session, non-fatal to the loop (§7).
		log.Printf("loop: %s write rejected: %v", name, err)
		return nil
	}

	for _, p := range proposals {
		o.pendingProposals = append(o.pendingProposals, p)
	}
	if name == roles.Superego {
		o.applyPendingProposals()
	}

	return nil
}

func (o *Orchestrator) applyPendingProposals() {
	for _, p := range o.pendingProposals {
		if err := o.runners.Superego.ApproveProposal(p); err != nil {
			log.Printf("loop: superego reject proposal %s: %v", p.Kind, err)
		}
	}
	o.pendingProposals = nil
}
