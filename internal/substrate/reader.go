package substrate

import (
	"fmt"
	"strings"

	"github.com/rookdaemon/substrate/internal/hostio"
	"gopkg.in/yaml.v3"
)

// Document is the result of reading one substrate file: its raw
// markdown, any YAML frontmatter (grounded on the teacher's
// internal/memory frontmatter convention), and the body with the
// frontmatter fence stripped.
type Document struct {
	Kind        Kind
	Raw         string
	Body        string
	Frontmatter map[string]any
}

// Reader reads substrate files, optionally through an mtime-indexed cache.
type Reader struct {
	fs       hostio.FileSystem
	lock     *FileLock
	registry map[Kind]FileSpec
	cache    *ReadCache // nil disables caching
}

func NewReader(fs hostio.FileSystem, lock *FileLock, registry map[Kind]FileSpec, cache *ReadCache) *Reader {
	return &Reader{fs: fs, lock: lock, registry: registry, cache: cache}
}

// Read returns the document for kind, using the cache when enabled and
// the file's mtime hasn't changed since the last read.
func (r *Reader) Read(k Kind) (Document, error) {
	spec, ok := r.registry[k]
	if !ok {
		return Document{}, fmt.Errorf("substrate: unknown kind %q", k)
	}

	var doc Document
	err := r.lock.WithLock(k, func() error {
		info, statErr := r.fs.Stat(spec.RelPath)
		if statErr != nil {
			if r.fs.IsNotExist(statErr) {
				doc = Document{Kind: k, Raw: "", Body: ""}
				return nil
			}
			return fmt.Errorf("stat %s: %w", spec.RelPath, statErr)
		}

		if cached, hit := r.cache.Get(spec.RelPath, info.ModTime()); hit {
			doc = parseDocument(k, cached)
			return nil
		}

		data, readErr := r.fs.ReadFile(spec.RelPath)
		if readErr != nil {
			return fmt.Errorf("read %s: %w", spec.RelPath, readErr)
		}
		raw := string(data)
		r.cache.Put(spec.RelPath, info.ModTime(), raw)
		doc = parseDocument(k, raw)
		return nil
	})
	return doc, err
}

func parseDocument(k Kind, raw string) Document {
	fm, body := splitFrontmatter(raw)
	return Document{Kind: k, Raw: raw, Body: body, Frontmatter: fm}
}

// splitFrontmatter extracts a leading "---\n...\n---" YAML block, the
// same convention the teacher's internal/memory package uses.
func splitFrontmatter(raw string) (map[string]any, string) {
	if !strings.HasPrefix(raw, "---\n") {
		return nil, raw
	}
	rest := raw[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, raw
	}
	block := rest[:end]
	body := strings.TrimLeft(rest[end+4:], "\n")

	var fm map[string]any
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return nil, raw
	}
	return fm, body
}
