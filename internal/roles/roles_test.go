package roles

import (
	"strings"
	"testing"

	"github.com/rookdaemon/substrate/internal/hostio"
	"github.com/rookdaemon/substrate/internal/substrate"
)

func newTestRunner(t *testing.T, name Name) *Runner {
	t.Helper()
	dir := t.TempDir()
	registry := substrate.Registry(dir)
	fs := hostio.NewOSFileSystem()
	if err := substrate.Init(fs, registry); err != nil {
		t.Fatalf("Init: %v", err)
	}
	lock := substrate.NewFileLock()
	cache := substrate.NewReadCache()
	clock := hostio.SystemClock{}
	reader := substrate.NewReader(fs, lock, registry, cache)
	writer := substrate.NewWriter(fs, lock, registry, cache)
	appendW := substrate.NewAppendWriter(fs, clock, lock, registry, cache, 1<<20)
	conv := substrate.NewConversationManager(appendW, fs, lock, registry, cache, dir, 500)

	caps := Capabilities()
	return NewRunner(caps[name], reader, writer, appendW, conv)
}

func TestCapabilityCheckWriteEnforcesWriteSet(t *testing.T) {
	caps := Capabilities()
	ego := caps[Ego]

	if err := ego.CheckWrite(substrate.PLAN); err != nil {
		t.Errorf("Ego writing PLAN should be permitted: %v", err)
	}
	if err := ego.CheckWrite(substrate.MEMORY); err == nil {
		t.Error("Ego writing MEMORY should be denied")
	}
}

func TestIdHasNoWriteSet(t *testing.T) {
	caps := Capabilities()
	id := caps[Id]
	if err := id.CheckWrite(substrate.PLAN); err == nil {
		t.Error("Id should not be able to write anything directly")
	}
}

func TestApplyWriteBlocksDeniesOutsideWriteSet(t *testing.T) {
	r := newTestRunner(t, Ego)
	blocks := []WriteBlock{{Kind: substrate.MEMORY, Content: "sneaky"}}

	_, err := r.ApplyWriteBlocks(blocks)
	if err == nil {
		t.Fatal("expected PermissionDenied")
	}
	var denied *ErrPermissionDenied
	if e, ok := err.(*ErrPermissionDenied); ok {
		denied = e
	} else {
		t.Fatalf("expected *ErrPermissionDenied, got %T", err)
	}
	if denied.Role != Ego || denied.Kind != substrate.MEMORY {
		t.Errorf("ErrPermissionDenied = %+v", denied)
	}
}

func TestApplyWriteBlocksAppliesOverwrite(t *testing.T) {
	r := newTestRunner(t, Ego)
	blocks := []WriteBlock{
		{Kind: substrate.PLAN, Content: "# Plan\n\n- [ ] step one"},
	}
	if _, err := r.ApplyWriteBlocks(blocks); err != nil {
		t.Fatalf("ApplyWriteBlocks: %v", err)
	}
	doc, err := r.reader.Read(substrate.PLAN)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(doc.Body, "step one") {
		t.Errorf("PLAN body = %q", doc.Body)
	}
}

func TestSubconsciousRestrictedWritesBecomeProposals(t *testing.T) {
	r := newTestRunner(t, Subconscious)
	blocks := []WriteBlock{
		{Kind: substrate.MEMORY, Content: "learned something"},
	}
	proposals, err := r.ApplyWriteBlocks(blocks)
	if err != nil {
		t.Fatalf("ApplyWriteBlocks: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(proposals))
	}
	if proposals[0].Kind != substrate.MEMORY || proposals[0].ProposedBy != Subconscious {
		t.Errorf("proposal = %+v", proposals[0])
	}

	doc, err := r.reader.Read(substrate.MEMORY)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if strings.Contains(doc.Body, "learned something") {
		t.Error("proposal-only write should not be applied directly")
	}
}

func TestApproveProposalWritesOnBehalfOfProposer(t *testing.T) {
	superego := newTestRunner(t, Superego)
	p := Proposal{Kind: substrate.MEMORY, Text: "learned something", ProposedBy: Subconscious}

	if err := superego.ApproveProposal(p); err != nil {
		t.Fatalf("ApproveProposal: %v", err)
	}
	doc, err := superego.reader.Read(substrate.MEMORY)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(doc.Body, "learned something") {
		t.Errorf("MEMORY body = %q, want to contain approved text", doc.Body)
	}
}

func TestApproveProposalDeniedOutsideApproverWriteSet(t *testing.T) {
	ego := newTestRunner(t, Ego)
	p := Proposal{Kind: substrate.MEMORY, Text: "x", ProposedBy: Subconscious}
	if err := ego.ApproveProposal(p); err == nil {
		t.Fatal("Ego cannot approve writes to MEMORY, expected error")
	}
}

func TestBuildPromptIncludesOnlyReadSetKinds(t *testing.T) {
	r := newTestRunner(t, Id)
	if err := r.writer.Overwrite(substrate.CHARTER, "# Charter\n\nbe useful"); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if err := r.writer.Overwrite(substrate.PLAN, "# Plan\n\n- [ ] secret plan text"); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	prompt, err := r.BuildPrompt()
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if !strings.Contains(prompt, "be useful") {
		t.Error("prompt should include CHARTER, which is in Id's read-set")
	}
	if strings.Contains(prompt, "secret plan text") {
		t.Error("prompt should not include PLAN, which is outside Id's read-set")
	}
}

func TestParseWriteBlocksExtractsKindAndAppendFlag(t *testing.T) {
	text := "preamble\n```PLAN\n# Plan\n- [ ] step\n```\nmore text\n```PROGRESS:append\ndid a step\n```\n"
	blocks := ParseWriteBlocks(text)
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if blocks[0].Kind != substrate.PLAN || blocks[0].Append {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
	if blocks[1].Kind != substrate.PROGRESS || !blocks[1].Append {
		t.Errorf("blocks[1] = %+v", blocks[1])
	}
	if !strings.Contains(blocks[0].Content, "step") {
		t.Errorf("blocks[0].Content = %q", blocks[0].Content)
	}
}

func TestParseWriteBlocksNoneFound(t *testing.T) {
	blocks := ParseWriteBlocks("just plain text, no fences")
	if len(blocks) != 0 {
		t.Errorf("len(blocks) = %d, want 0", len(blocks))
	}
}
