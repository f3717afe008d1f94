// Package roles implements C6: the closed set of role agents (Ego,
// Subconscious, Superego, Id), each composing a role-specific prompt
// from the substrate and applying a permitted subset of writes.
package roles

import (
	"fmt"

	"github.com/rookdaemon/substrate/internal/substrate"
)

// Name is the closed set of role identifiers.
type Name string

const (
	Ego          Name = "EGO"
	Subconscious Name = "SUBCONSCIOUS"
	Superego     Name = "SUPEREGO"
	Id           Name = "ID"
)

// PromptBuilder assembles a role's prompt from the substrate documents
// it is permitted to read.
type PromptBuilder func(docs map[substrate.Kind]substrate.Document) string

// Capability is the shared behavior record every role is defined by
// (spec.md §9: "shared behaviour via an AgentRole capability record...
// no subclass hierarchy").
type Capability struct {
	Name          Name
	ReadSet       []substrate.Kind
	WriteSet      []substrate.Kind
	PromptBuilder PromptBuilder
}

// ErrPermissionDenied is returned when a role attempts to write outside
// its declared write-set (§4.4, §7 PermissionDenied — fatal to the
// current session, non-fatal to the loop).
type ErrPermissionDenied struct {
	Role Name
	Kind substrate.Kind
}

func (e *ErrPermissionDenied) Error() string {
	return fmt.Sprintf("role %s attempted to write %s, which is outside its write-set", e.Role, e.Kind)
}

// CheckWrite enforces the write-set invariant (§4.4: "hard invariant").
func (c Capability) CheckWrite(k substrate.Kind) error {
	for _, allowed := range c.WriteSet {
		if allowed == k {
			return nil
		}
	}
	return &ErrPermissionDenied{Role: c.Name, Kind: k}
}

// CanRead reports whether k is in the role's declared read-set.
func (c Capability) CanRead(k substrate.Kind) bool {
	for _, allowed := range c.ReadSet {
		if allowed == k {
			return true
		}
	}
	return false
}

var allKinds = []substrate.Kind{
	substrate.CHARTER, substrate.VALUES, substrate.HABITS, substrate.ID, substrate.SECURITY,
	substrate.PLAN, substrate.PROGRESS, substrate.CONVERSATION, substrate.MEMORY, substrate.SKILLS,
	substrate.SUPEREGO, substrate.AGORA_INBOX,
}

// Capabilities returns the four closed role capability records (§4.4).
func Capabilities() map[Name]Capability {
	return map[Name]Capability{
		Ego: {
			Name:          Ego,
			ReadSet:       allKinds,
			WriteSet:      []substrate.Kind{substrate.PLAN, substrate.CONVERSATION},
			PromptBuilder: buildEgoPrompt,
		},
		Subconscious: {
			Name:          Subconscious,
			ReadSet:       []substrate.Kind{substrate.PLAN, substrate.MEMORY, substrate.SKILLS, substrate.HABITS},
			WriteSet:      []substrate.Kind{substrate.PROGRESS, substrate.PLAN, substrate.SKILLS},
			PromptBuilder: buildSubconsciousPrompt,
		},
		Superego: {
			Name:          Superego,
			ReadSet:       allKinds,
			WriteSet:      []substrate.Kind{substrate.PROGRESS, substrate.SUPEREGO, substrate.MEMORY, substrate.HABITS, substrate.SECURITY},
			PromptBuilder: buildSuperegoPrompt,
		},
		Id: {
			Name:          Id,
			ReadSet:       []substrate.Kind{substrate.ID, substrate.VALUES, substrate.CHARTER},
			WriteSet:      nil, // Id writes nothing directly — feeds candidates to Superego
			PromptBuilder: buildIdPrompt,
		},
	}
}
