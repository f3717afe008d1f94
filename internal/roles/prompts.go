package roles

import (
	"fmt"
	"strings"

	"github.com/rookdaemon/substrate/internal/substrate"
)

// Prompt content itself is out of scope (spec.md §1): these builders
// only assemble the substrate slices a role is permitted to read into
// a single prompt string, in read-set order. What the model does with
// that text is the external collaborator's concern.
func assemble(heading string, order []substrate.Kind, docs map[substrate.Kind]substrate.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", heading)
	for _, k := range order {
		doc, ok := docs[k]
		if !ok || strings.TrimSpace(doc.Body) == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", k, doc.Body)
	}
	return b.String()
}

func buildEgoPrompt(docs map[substrate.Kind]substrate.Document) string {
	return assemble("Ego: plan the next action", allKinds, docs)
}

func buildSubconsciousPrompt(docs map[substrate.Kind]substrate.Document) string {
	order := []substrate.Kind{substrate.PLAN, substrate.MEMORY, substrate.SKILLS, substrate.HABITS}
	return assemble("Subconscious: execute one smallest step", order, docs)
}

func buildSuperegoPrompt(docs map[substrate.Kind]substrate.Document) string {
	return assemble("Superego: audit", allKinds, docs)
}

func buildIdPrompt(docs map[substrate.Kind]substrate.Document) string {
	order := []substrate.Kind{substrate.ID, substrate.VALUES, substrate.CHARTER}
	return assemble("Id: propose goal candidates", order, docs)
}
