package substrate

import (
	"fmt"
	"strings"
	"time"

	"github.com/rookdaemon/substrate/internal/hostio"
)

const (
	unreadHeading = "## Unread"
	readHeading   = "## Read"
)

// InboxEntry is one message in AGORA_INBOX. Kept free of any envelope
// type so this package has no dependency on the peer/envelope layer.
type InboxEntry struct {
	ID        string
	From      string
	Timestamp time.Time
	Text      string
	RepliedAt *time.Time
}

// AgoraInbox manages the two-section AGORA_INBOX file (§3).
type AgoraInbox struct {
	fs       hostio.FileSystem
	lock     *FileLock
	registry map[Kind]FileSpec
	cache    *ReadCache
}

func NewAgoraInbox(fs hostio.FileSystem, lock *FileLock, registry map[Kind]FileSpec, cache *ReadCache) *AgoraInbox {
	return &AgoraInbox{fs: fs, lock: lock, registry: registry, cache: cache}
}

// AddUnread atomically prepends entry to the top of ## Unread.
func (a *AgoraInbox) AddUnread(entry InboxEntry) error {
	spec := a.registry[AGORA_INBOX]
	return a.lock.WithLock(AGORA_INBOX, func() error {
		unread, read, err := a.load(spec)
		if err != nil {
			return err
		}
		unread = append([]string{renderEntry(entry)}, unread...)
		return a.save(spec, unread, read)
	})
}

// MarkRead moves the entry with the given id from ## Unread to ## Read,
// optionally annotating it with a reply timestamp. It is idempotent for
// a known id: if the id is already under ## Read, the inbox is left
// with exactly one entry under ## Read and none under ## Unread for
// that id, regardless of prior content. An id found in neither section
// returns an error.
func (a *AgoraInbox) MarkRead(id string, repliedAt *time.Time) error {
	spec := a.registry[AGORA_INBOX]
	return a.lock.WithLock(AGORA_INBOX, func() error {
		unread, read, err := a.load(spec)
		if err != nil {
			return err
		}

		var moved string
		var remaining []string
		for _, line := range unread {
			if lineHasID(line, id) {
				moved = line
				continue
			}
			remaining = append(remaining, line)
		}

		// strip any existing occurrence under Read to keep exactly one
		var keptRead []string
		for _, line := range read {
			if !lineHasID(line, id) {
				keptRead = append(keptRead, line)
			}
		}

		if moved == "" {
			// id wasn't in unread; if it already exists in read, leave as-is
			for _, line := range read {
				if lineHasID(line, id) {
					moved = line
					break
				}
			}
		}
		if moved == "" {
			return fmt.Errorf("agora inbox: unknown envelope id %q", id)
		}

		if repliedAt != nil {
			moved = fmt.Sprintf("%s <!-- replied:%s -->", moved, repliedAt.UTC().Format(time.RFC3339))
		}

		read = append([]string{moved}, keptRead...)
		return a.save(spec, remaining, read)
	})
}

func renderEntry(e InboxEntry) string {
	return fmt.Sprintf("- <!-- id:%s --> [%s] **%s**: %s", e.ID, e.Timestamp.UTC().Format(time.RFC3339), e.From, e.Text)
}

func lineHasID(line, id string) bool {
	return strings.Contains(line, fmt.Sprintf("<!-- id:%s -->", id))
}

// load parses the two sections out of the current file content.
func (a *AgoraInbox) load(spec FileSpec) (unread, read []string, err error) {
	data, readErr := a.fs.ReadFile(spec.RelPath)
	if readErr != nil {
		if a.fs.IsNotExist(readErr) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read agora inbox: %w", readErr)
	}
	content := string(data)

	unreadIdx := strings.Index(content, unreadHeading)
	readIdx := strings.Index(content, readHeading)
	if unreadIdx < 0 || readIdx < 0 {
		return nil, nil, fmt.Errorf("agora inbox: missing required sections")
	}

	unreadBlock := content[unreadIdx+len(unreadHeading) : readIdx]
	readBlock := content[readIdx+len(readHeading):]

	return nonEmptyLines(unreadBlock), nonEmptyLines(readBlock), nil
}

func nonEmptyLines(block string) []string {
	var out []string
	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (a *AgoraInbox) save(spec FileSpec, unread, read []string) error {
	var b strings.Builder
	b.WriteString("# Agora Inbox\n\n")
	b.WriteString(unreadHeading + "\n\n")
	for _, l := range unread {
		b.WriteString(l + "\n")
	}
	b.WriteString("\n" + readHeading + "\n\n")
	for _, l := range read {
		b.WriteString(l + "\n")
	}

	if err := atomicWrite(a.fs, spec.RelPath, []byte(b.String())); err != nil {
		return fmt.Errorf("write agora inbox: %w", err)
	}
	a.cache.Invalidate(spec.RelPath)
	return nil
}
