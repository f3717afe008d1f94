// Package substrate implements L2: per-file exclusion, an append-only
// progress log with rotation, and an mtime-indexed read cache over the
// directory of markdown files that holds all persistent agent memory.
package substrate

import (
	"path/filepath"
	"sort"
)

// Kind identifies one of the fixed substrate document kinds. The zero
// value is invalid; always obtain a Kind from the Registry.
type Kind string

const (
	PLAN         Kind = "PLAN"
	PROGRESS     Kind = "PROGRESS"
	CONVERSATION Kind = "CONVERSATION"
	MEMORY       Kind = "MEMORY"
	SKILLS       Kind = "SKILLS"
	VALUES       Kind = "VALUES"
	HABITS       Kind = "HABITS"
	ID           Kind = "ID"
	SECURITY     Kind = "SECURITY"
	CHARTER      Kind = "CHARTER"
	SUPEREGO     Kind = "SUPEREGO"
	AGORA_INBOX  Kind = "AGORA_INBOX"
)

// WriteMode governs how Writer/AppendWriter treat a kind's file.
type WriteMode int

const (
	Overwrite WriteMode = iota
	AppendOnly
	StructuredSections
)

// FileSpec is the static description of one substrate file kind.
type FileSpec struct {
	Kind     Kind
	RelPath  string
	Template string
	Required bool
	Mode     WriteMode
}

// orderedKinds is the canonical lock-acquisition order (§4.1): any
// operation that must hold more than one file's lock at once sorts its
// requested kinds against this order first, so two operations that
// both need {PLAN, PROGRESS} always acquire them in the same sequence
// and can never deadlock against each other.
var orderedKinds = []Kind{
	CHARTER, VALUES, HABITS, ID, SECURITY,
	PLAN, PROGRESS, CONVERSATION, MEMORY, SKILLS, SUPEREGO, AGORA_INBOX,
}

// Registry returns the canonical file-kind table, rooted at substrateDir.
func Registry(substrateDir string) map[Kind]FileSpec {
	mk := func(k Kind, rel, tmpl string, required bool, mode WriteMode) FileSpec {
		return FileSpec{Kind: k, RelPath: filepath.Join(substrateDir, rel), Template: tmpl, Required: required, Mode: mode}
	}
	specs := map[Kind]FileSpec{
		CHARTER:      mk(CHARTER, "CHARTER.md", "# Charter\n\n", true, Overwrite),
		VALUES:       mk(VALUES, "VALUES.md", "# Values\n\n", true, Overwrite),
		HABITS:       mk(HABITS, "HABITS.md", "# Habits\n\n", false, AppendOnly),
		ID:           mk(ID, "ID.md", "# Id\n\n", true, Overwrite),
		SECURITY:     mk(SECURITY, "SECURITY.md", "# Security\n\n", false, Overwrite),
		PLAN:         mk(PLAN, "PLAN.md", "# Plan\n\n## Tasks\n\n- [ ] Define the first task\n", true, Overwrite),
		PROGRESS:     mk(PROGRESS, "PROGRESS.md", "", true, AppendOnly),
		CONVERSATION: mk(CONVERSATION, "CONVERSATION.md", "# Recent Conversation\n\n", true, AppendOnly),
		MEMORY:       mk(MEMORY, "MEMORY.md", "# Memory\n\n", true, AppendOnly),
		SKILLS:       mk(SKILLS, "SKILLS.md", "# Skills\n\n", false, AppendOnly),
		SUPEREGO:     mk(SUPEREGO, "SUPEREGO.md", "# Superego\n\n", false, Overwrite),
		AGORA_INBOX:  mk(AGORA_INBOX, "AGORA_INBOX.md", "# Agora Inbox\n\n## Unread\n\n## Read\n\n", false, StructuredSections),
	}
	return specs
}

// CanonicalOrder returns the subset of kinds present in ks, sorted into
// the lock-acquisition order defined by orderedKinds.
func CanonicalOrder(ks ...Kind) []Kind {
	want := make(map[Kind]bool, len(ks))
	for _, k := range ks {
		want[k] = true
	}
	out := make([]Kind, 0, len(ks))
	for _, k := range orderedKinds {
		if want[k] {
			out = append(out, k)
			delete(want, k)
		}
	}
	var rest []Kind
	for k := range want {
		rest = append(rest, k)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
