package loop

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// Watchdog polls the Orchestrator's last-activity timestamp and acts
// on stalls (§5 Watchdog): first with an injected nudge, then — if the
// stall persists past forceRestartThreshold — by exiting the process
// with RestartExitCode so a supervisor rebuilds and respawns it.
type Watchdog struct {
	orch                  *Orchestrator
	clock                 hostio.Clock
	checkInterval         time.Duration
	stallThreshold        time.Duration
	forceRestartThreshold time.Duration

	nudged bool
	exit   func(code int) // overridable in tests
}

func NewWatchdog(orch *Orchestrator, clock hostio.Clock, checkInterval, stallThreshold, forceRestartThreshold time.Duration) *Watchdog {
	return &Watchdog{
		orch:                  orch,
		clock:                 clock,
		checkInterval:         checkInterval,
		stallThreshold:        stallThreshold,
		forceRestartThreshold: forceRestartThreshold,
		exit:                  os.Exit,
	}
}

// Run polls until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	if w.orch.State() != Running {
		w.nudged = false
		return
	}

	last := w.orch.LastActivityAt()
	if last.IsZero() {
		return
	}
	stalledFor := w.clock.Now().Sub(last)

	if stalledFor < w.stallThreshold {
		w.nudged = false
		return
	}

	if stalledFor >= w.forceRestartThreshold {
		log.Printf("loop: watchdog forcing restart after %s stall", stalledFor)
		w.exit(RestartExitCode)
		return
	}

	if !w.nudged {
		log.Printf("loop: watchdog nudging after %s stall", stalledFor)
		w.orch.InjectMessage("The current step appears stalled. Please continue or report status.")
		w.nudged = true
	}
}
