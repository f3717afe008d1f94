package roles

import (
	"fmt"

	"github.com/rookdaemon/substrate/internal/substrate"
)

// Proposal is a substrate write Subconscious cannot make directly
// (MEMORY, HABITS, SECURITY per §4.4) — it is queued for Superego to
// approve or reject.
type Proposal struct {
	Kind       substrate.Kind
	Text       string
	ProposedBy Name
}

// proposalOnlyKinds are kinds Subconscious may emit proposals for but
// never write directly.
var proposalOnlyKinds = map[substrate.Kind]bool{
	substrate.MEMORY:   true,
	substrate.HABITS:   true,
	substrate.SECURITY: true,
}

// Runner executes one role's read → prompt → session → write cycle.
// It owns write-set enforcement (§4.4's "hard invariant").
type Runner struct {
	Cap    Capability
	reader *substrate.Reader
	writer *substrate.Writer
	appendW *substrate.AppendWriter
	conv   *substrate.ConversationManager
}

func NewRunner(cap Capability, reader *substrate.Reader, writer *substrate.Writer, appendW *substrate.AppendWriter, conv *substrate.ConversationManager) *Runner {
	return &Runner{Cap: cap, reader: reader, writer: writer, appendW: appendW, conv: conv}
}

// ReadPermitted reads every kind in the role's read-set.
func (r *Runner) ReadPermitted() (map[substrate.Kind]substrate.Document, error) {
	docs := make(map[substrate.Kind]substrate.Document, len(r.Cap.ReadSet))
	for _, k := range r.Cap.ReadSet {
		doc, err := r.reader.Read(k)
		if err != nil {
			return nil, fmt.Errorf("roles: %s read %s: %w", r.Cap.Name, k, err)
		}
		docs[k] = doc
	}
	return docs, nil
}

// BuildPrompt assembles this role's prompt from its permitted reads.
func (r *Runner) BuildPrompt() (string, error) {
	docs, err := r.ReadPermitted()
	if err != nil {
		return "", err
	}
	return r.Cap.PromptBuilder(docs), nil
}

// ApplyWriteBlocks applies every parsed WriteBlock that names a kind in
// the role's write-set, collects proposals for proposal-only kinds
// (Subconscious), and returns PermissionDenied for anything else —
// fatal to the session, non-fatal to the loop (§7).
func (r *Runner) ApplyWriteBlocks(blocks []WriteBlock) (proposals []Proposal, err error) {
	for _, b := range blocks {
		if proposalOnlyKinds[b.Kind] && r.Cap.Name == Subconscious {
			proposals = append(proposals, Proposal{Kind: b.Kind, Text: b.Content, ProposedBy: r.Cap.Name})
			continue
		}

		if checkErr := r.Cap.CheckWrite(b.Kind); checkErr != nil {
			return proposals, checkErr
		}

		if writeErr := r.applyOne(b); writeErr != nil {
			return proposals, fmt.Errorf("roles: %s apply write to %s: %w", r.Cap.Name, b.Kind, writeErr)
		}
	}
	return proposals, nil
}

func (r *Runner) applyOne(b WriteBlock) error {
	if b.Kind == substrate.CONVERSATION {
		return r.conv.Append(string(r.Cap.Name), b.Content)
	}
	if b.Append {
		return r.appendW.Append(b.Kind, string(r.Cap.Name), b.Content)
	}
	return r.writer.Overwrite(b.Kind, b.Content)
}

// ApproveProposal is how Superego writes an approved proposal on
// Subconscious's behalf (§4.4: "approves... by invoking the
// appropriate writer").
func (r *Runner) ApproveProposal(p Proposal) error {
	if checkErr := r.Cap.CheckWrite(p.Kind); checkErr != nil {
		return checkErr
	}
	return r.appendW.Append(p.Kind, string(p.ProposedBy), p.Text)
}
