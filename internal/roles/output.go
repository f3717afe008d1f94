package roles

import (
	"regexp"
	"strings"

	"github.com/rookdaemon/substrate/internal/substrate"
)

// WriteBlock is one substrate write a session's final output requested.
// The wire contract is a fenced code block whose info string names the
// kind, optionally suffixed ":append", e.g.:
//
//	```PLAN
//	# Plan
//	- [ ] do the thing
//	```
//
//	```PROGRESS:append
//	finished step one
//	```
//
// This is the mechanical parsing layer only — what the model decides to
// put in a block (per-role prompt content / output semantics) is out of
// scope (spec.md §1).
type WriteBlock struct {
	Kind    substrate.Kind
	Content string
	Append  bool
}

var fencedBlockRE = regexp.MustCompile("(?s)```([A-Z_]+)(:append)?\\n(.*?)```")

// ParseWriteBlocks extracts every fenced write block from a session's
// final text output.
func ParseWriteBlocks(text string) []WriteBlock {
	matches := fencedBlockRE.FindAllStringSubmatch(text, -1)
	blocks := make([]WriteBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, WriteBlock{
			Kind:    substrate.Kind(m[1]),
			Append:  m[2] == ":append",
			Content: strings.TrimSuffix(m[3], "\n"),
		})
	}
	return blocks
}
