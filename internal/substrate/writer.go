package substrate

import (
	"fmt"
	"strings"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// Writer performs structural validation and atomic temp-file-and-rename
// overwrites of substrate files (§4.2).
type Writer struct {
	fs       hostio.FileSystem
	lock     *FileLock
	registry map[Kind]FileSpec
	cache    *ReadCache
}

func NewWriter(fs hostio.FileSystem, lock *FileLock, registry map[Kind]FileSpec, cache *ReadCache) *Writer {
	return &Writer{fs: fs, lock: lock, registry: registry, cache: cache}
}

// Overwrite validates content against kind's structural rules, then
// writes it via a temp-file-and-rename so no partial file is ever
// visible to a concurrent reader.
func (w *Writer) Overwrite(k Kind, content string) error {
	spec, ok := w.registry[k]
	if !ok {
		return fmt.Errorf("substrate: unknown kind %q", k)
	}
	if spec.Mode == AppendOnly {
		return fmt.Errorf("substrate: %s is append-only, cannot overwrite", k)
	}
	if err := validateStructure(k, content); err != nil {
		return fmt.Errorf("substrate: %s failed validation: %w", k, err)
	}

	return w.lock.WithLock(k, func() error {
		if err := atomicWrite(w.fs, spec.RelPath, []byte(content)); err != nil {
			return err
		}
		w.cache.Invalidate(spec.RelPath)
		return nil
	})
}

// atomicWrite writes data to a temp file in the same directory as path,
// then renames it over path — the rename is atomic on POSIX filesystems,
// so a crash or concurrent read never observes a partially-written file.
func atomicWrite(fs hostio.FileSystem, path string, data []byte) error {
	dir := dirOf(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := fs.CreateTemp(dir, ".substrate-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// validateStructure checks the required top-level headings and
// kind-specific rules (e.g. PLAN needs at least one task list).
func validateStructure(k Kind, content string) error {
	switch k {
	case PLAN:
		if !strings.Contains(content, "# ") {
			return fmt.Errorf("missing top-level heading")
		}
		if !containsTaskList(content) {
			return fmt.Errorf("PLAN must contain at least one task list")
		}
	case CHARTER, VALUES, ID, SECURITY, SUPEREGO:
		if !strings.Contains(content, "# ") {
			return fmt.Errorf("missing top-level heading")
		}
	case AGORA_INBOX:
		if !strings.Contains(content, "## Unread") || !strings.Contains(content, "## Read") {
			return fmt.Errorf("AGORA_INBOX must have ## Unread and ## Read sections")
		}
	}
	return nil
}

func containsTaskList(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [ ]") || strings.HasPrefix(trimmed, "- [x]") || strings.HasPrefix(trimmed, "- [X]") {
			return true
		}
	}
	return false
}
