package substrate

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// ConversationManager specializes AppendWriter for CONVERSATION: it
// archives the oldest lines once the file grows past a line-count
// threshold, per §3's archiving invariant. Archiving and size-based
// rotation are treated as disjunctive triggers (spec.md §9 open
// question): each runs once per cycle, independently, whichever fires.
type ConversationManager struct {
	append       *AppendWriter
	fs           hostio.FileSystem
	lock         *FileLock
	registry     map[Kind]FileSpec
	cache        *ReadCache
	archiveDir   string
	lineThreshold int
}

func NewConversationManager(append *AppendWriter, fs hostio.FileSystem, lock *FileLock, registry map[Kind]FileSpec, cache *ReadCache, substrateDir string, lineThreshold int) *ConversationManager {
	return &ConversationManager{
		append:        append,
		fs:            fs,
		lock:          lock,
		registry:      registry,
		cache:         cache,
		archiveDir:    filepath.Join(substrateDir, "archive", "conversation"),
		lineThreshold: lineThreshold,
	}
}

// Append adds one timestamped entry to CONVERSATION.
func (c *ConversationManager) Append(role, text string) error {
	return c.append.Append(CONVERSATION, role, text)
}

// AppendUnprocessed records a message that arrived while the loop could
// not inject it (PAUSED/STOPPED/RATE_LIMITED), marked per §4.5.
func (c *ConversationManager) AppendUnprocessed(role, text string) error {
	return c.append.Append(CONVERSATION, role, "[UNPROCESSED] "+text)
}

// ArchiveIfNeeded moves the oldest lines to archive/conversation/ once
// the line count exceeds the configured threshold, leaving a "Recent
// Conversation" section referencing the archive file.
func (c *ConversationManager) ArchiveIfNeeded(now time.Time) (archived bool, err error) {
	spec := c.registry[CONVERSATION]
	err = c.lock.WithLock(CONVERSATION, func() error {
		data, readErr := c.fs.ReadFile(spec.RelPath)
		if readErr != nil {
			if c.fs.IsNotExist(readErr) {
				return nil
			}
			return fmt.Errorf("read conversation: %w", readErr)
		}

		lines := splitLines(string(data))
		if len(lines) <= c.lineThreshold {
			return nil
		}

		keep := c.lineThreshold / 2
		if keep <= 0 {
			keep = 1
		}
		archiveLines := lines[:len(lines)-keep]
		recentLines := lines[len(lines)-keep:]

		archiveName := fmt.Sprintf("conversation-%s.md", now.UTC().Format("20060102T150405Z"))
		archivePath := filepath.Join(c.archiveDir, archiveName)
		if err := c.fs.MkdirAll(c.archiveDir, 0o755); err != nil {
			return fmt.Errorf("mkdir archive dir: %w", err)
		}
		if err := atomicWrite(c.fs, archivePath, []byte(strings.Join(archiveLines, "\n")+"\n")); err != nil {
			return fmt.Errorf("write archive: %w", err)
		}

		var b strings.Builder
		b.WriteString("# Recent Conversation\n\n")
		fmt.Fprintf(&b, "_Older entries archived to %s_\n\n", filepath.Join("archive", "conversation", archiveName))
		b.WriteString(strings.Join(recentLines, "\n"))
		b.WriteString("\n")

		if err := atomicWrite(c.fs, spec.RelPath, []byte(b.String())); err != nil {
			return fmt.Errorf("write compacted conversation: %w", err)
		}
		c.cache.Invalidate(spec.RelPath)
		archived = true
		return nil
	})
	return archived, err
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
