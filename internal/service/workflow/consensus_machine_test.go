package workflow

import (
	"context"
	"testing"

	"github.com/arbiterhq/arbiter/internal/core"
)

const (
	consensusAuthor   core.ParticipantID = "claude#primary"
	consensusReviewer core.ParticipantID = "codex#reviewer"
)

func okOutcome(text string) core.Outcome {
	return core.Outcome{Kind: core.OutcomeOk, Text: text}
}

func blockerOutcome(issueID string) core.Outcome {
	return okOutcome(`{"verdict":"blocker","issues":[{"issue_id":"` + issueID + `"}]}`)
}

func TestConsensusMachine_ReachesConsensusOnFirstRetry(t *testing.T) {
	gateway := newFakeGateway()
	machine := NewConsensusMachine(gateway, newFakeArtifactStore(), nil)

	result, err := machine.Run(context.Background(), consensusTestTask())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != core.GateReasonAuthorConfirmationRequired {
		t.Fatalf("expected author_confirmation_required, got %s", result.Reason)
	}
}

func TestConsensusMachine_PrecheckUnavailableFailsFast(t *testing.T) {
	gateway := newFakeGateway()
	gateway.enqueue(consensusReviewer, core.Outcome{Kind: core.OutcomeTimeout})
	store := newFakeArtifactStore()
	machine := NewConsensusMachine(gateway, store, nil)

	result, err := machine.Run(context.Background(), consensusTestTask())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != core.GateReasonPrecheckUnavailable {
		t.Fatalf("expected proposal_precheck_unavailable, got %s", result.Reason)
	}
}

func TestConsensusMachine_StallsInRoundWhenMaxRoundsIsOne(t *testing.T) {
	gateway := newFakeGateway()
	gateway.enqueue(consensusReviewer, okOutcome(`{"verdict":"no_blocker"}`)) // precheck
	for i := 0; i < maxConsensusRetries; i++ {
		gateway.enqueue(consensusReviewer, blockerOutcome("ISSUE-1"))
	}
	store := newFakeArtifactStore()
	machine := NewConsensusMachine(gateway, store, nil)

	task := consensusTestTask()
	task.Strategy.MaxRounds = 1

	result, err := machine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != core.GateReasonConsensusStalledInRound {
		t.Fatalf("expected proposal_consensus_stalled_in_round, got %s (retries=%d)", result.Reason, result.Retries)
	}
	if result.Retries != maxConsensusRetries {
		t.Fatalf("expected retries=%d, got %d", maxConsensusRetries, result.Retries)
	}
	if _, err := store.ReadArtifact(context.Background(), task.ID, string(core.ArtifactConsensusStall)); err != nil {
		t.Fatalf("expected consensus_stall.json to be persisted: %v", err)
	}
}

func TestConsensusMachine_StallsAcrossRoundsWhenSignatureRepeats(t *testing.T) {
	gateway := newFakeGateway()
	gateway.enqueue(consensusReviewer, okOutcome(`{"verdict":"no_blocker"}`)) // precheck
	for i := 0; i < crossRoundRepeatLimit; i++ {
		gateway.enqueue(consensusReviewer, blockerOutcome("ISSUE-7"))
	}
	machine := NewConsensusMachine(gateway, newFakeArtifactStore(), nil)

	task := consensusTestTask()
	task.Strategy.MaxRounds = 5

	result, err := machine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != core.GateReasonConsensusStalledAcrossRounds {
		t.Fatalf("expected proposal_consensus_stalled_across_rounds, got %s (retries=%d)", result.Reason, result.Retries)
	}
	if result.Retries != crossRoundRepeatLimit {
		t.Fatalf("expected retries=%d, got %d", crossRoundRepeatLimit, result.Retries)
	}
}

func TestConsensusMachine_NormalizesAuditScopeBlockers(t *testing.T) {
	gateway := newFakeGateway()
	gateway.enqueue(consensusReviewer, okOutcome(`{"verdict":"no_blocker"}`)) // precheck
	gateway.enqueue(consensusReviewer, okOutcome(`{"verdict":"blocker","issues":[{"issue_id":"ISSUE-1","summary":"scope is ambiguous here"}]}`))
	machine := NewConsensusMachine(gateway, newFakeArtifactStore(), nil)

	task := consensusTestTask().WithDescription("audit the billing module for dead code")

	result, err := machine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != core.GateReasonAuthorConfirmationRequired {
		t.Fatalf("expected the scope-ambiguity blocker to be normalized away, got %s", result.Reason)
	}
}
