package substrate

import (
	"context"
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the substrate directory for out-of-process writes
// (the AGORA_INBOX file in particular, written by another process)
// and calls OnChange so the
// LoopOrchestrator can end an idle-sleep early instead of waiting out
// its backoff window.
type Watcher struct {
	dir      string
	OnChange func(path string)
}

// NewWatcher targets dir (the substrate root). OnChange is set after
// construction, before Run.
func NewWatcher(dir string) *Watcher {
	return &Watcher{dir: dir}
}

// Run blocks until ctx is cancelled, forwarding every write/create
// event under the watched directory to OnChange. Errors from the
// underlying notifier are logged, not fatal — a missed event only
// costs the idle-sleep early-wake optimization, not correctness (the
// loop still polls PLAN/AGORA_INBOX on its own cadence).
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if w.OnChange != nil {
				w.OnChange(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("substrate: watcher error: %v", err)
		}
	}
}
