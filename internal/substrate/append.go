package substrate

import (
	"fmt"
	"strings"
	"time"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// AppendWriter prepends a "[<ISO-8601>] [<ROLE>]" prefix to every line it
// appends and rotates the file once it reaches a configured size cap
// (§4.2, invariants 1–2).
type AppendWriter struct {
	fs          hostio.FileSystem
	clock       hostio.Clock
	lock        *FileLock
	registry    map[Kind]FileSpec
	cache       *ReadCache
	maxBytes    int64 // rotation cap; 0 disables rotation
	tailRetain  int64 // bytes of tail kept in the fresh file after rotation
}

func NewAppendWriter(fs hostio.FileSystem, clock hostio.Clock, lock *FileLock, registry map[Kind]FileSpec, cache *ReadCache, maxBytes int64) *AppendWriter {
	tail := maxBytes / 2
	if tail <= 0 {
		tail = maxBytes
	}
	return &AppendWriter{fs: fs, clock: clock, lock: lock, registry: registry, cache: cache, maxBytes: maxBytes, tailRetain: tail}
}

// Append writes one timestamped line for role, then rotates if the
// resulting file has grown past maxBytes.
func (a *AppendWriter) Append(k Kind, role, text string) error {
	spec, ok := a.registry[k]
	if !ok {
		return fmt.Errorf("substrate: unknown kind %q", k)
	}
	line := formatLine(a.clock.Now(), role, text)

	return a.lock.WithLock(k, func() error {
		existing, err := a.fs.ReadFile(spec.RelPath)
		if err != nil && !a.fs.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", spec.RelPath, err)
		}
		updated := string(existing) + line
		if err := atomicWrite(a.fs, spec.RelPath, []byte(updated)); err != nil {
			return err
		}
		a.cache.Invalidate(spec.RelPath)

		if a.maxBytes > 0 && int64(len(updated)) >= a.maxBytes {
			return a.rotate(spec, updated)
		}
		return nil
	})
}

func formatLine(ts time.Time, role, text string) string {
	return fmt.Sprintf("[%s] [%s] %s\n", ts.UTC().Format(time.RFC3339), strings.ToUpper(role), text)
}

// rotate splits content into a head (moved to a rotated sibling) and a
// tail (kept as the fresh, smaller current file), splitting only on
// line boundaries so no line is ever split across the two files.
func (a *AppendWriter) rotate(spec FileSpec, content string) error {
	splitAt := len(content) - int(a.tailRetain)
	if splitAt < 0 {
		splitAt = 0
	}
	// advance to the next line boundary so we never cut mid-line
	if idx := strings.IndexByte(content[splitAt:], '\n'); idx >= 0 {
		splitAt += idx + 1
	} else {
		splitAt = len(content)
	}

	head := content[:splitAt]
	tail := content[splitAt:]
	if head == "" {
		return nil // nothing to rotate out yet
	}

	rotatedPath := fmt.Sprintf("%s.%d.rotated", spec.RelPath, a.clock.Now().UTC().UnixNano())
	if err := atomicWrite(a.fs, rotatedPath, []byte(head)); err != nil {
		return fmt.Errorf("write rotated sibling: %w", err)
	}
	if err := atomicWrite(a.fs, spec.RelPath, []byte(tail)); err != nil {
		return fmt.Errorf("write rotated tail: %w", err)
	}
	a.cache.Invalidate(spec.RelPath)
	return nil
}
