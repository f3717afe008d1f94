package substrate

import "strings"

// HasOpenTasks reports whether PLAN.md contains at least one unchecked
// markdown task ("- [ ]"), the signal the LoopOrchestrator uses to decide
// between an Ego/Subconscious cycle and an idle Id/Superego cycle (§4.5).
func HasOpenTasks(reader *Reader) (bool, error) {
	doc, err := reader.Read(PLAN)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(doc.Body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [ ]") || strings.HasPrefix(trimmed, "* [ ]") {
			return true, nil
		}
	}
	return false, nil
}
