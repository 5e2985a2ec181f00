package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// EvidenceGuard implements core.EvidenceGuard: the pre-completion checklist
// that both auto-merge and PromoteRound re-invoke before any promotion —
// "no evidence, no merge".
type EvidenceGuard struct {
	store  core.ArtifactStore
	logger *logging.Logger
}

var _ core.EvidenceGuard = (*EvidenceGuard)(nil)

// NewEvidenceGuard constructs an EvidenceGuard. store may be nil to run the
// checklist without emitting an event, matching PromotionGuard's dry-run
// allowance.
func NewEvidenceGuard(store core.ArtifactStore, logger *logging.Logger) *EvidenceGuard {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &EvidenceGuard{store: store, logger: logger}
}

// Verify implements core.EvidenceGuard.
func (g *EvidenceGuard) Verify(ctx context.Context, task *core.Task, round int, outputs core.RoundOutputs) (core.GuardDecision, error) {
	decision := g.evaluate(outputs)
	g.emit(ctx, task, round, decision)
	return decision, nil
}

func (g *EvidenceGuard) evaluate(outputs core.RoundOutputs) core.GuardDecision {
	if !outputs.VerificationRan {
		return core.GuardDecision{Passed: false, Reason: core.GateReasonCommandsMissing,
			Detail: "verification phase did not execute in this round"}
	}

	if missing := missingCategories(outputs.RequiredEvidence, outputs.EvidencePaths); len(missing) > 0 {
		return core.GuardDecision{Passed: false, Reason: core.GateReasonEvidenceMissing,
			Detail: fmt.Sprintf("no evidence path references required category(ies): %s", strings.Join(missing, ", "))}
	}

	if !outputs.BundlePersisted {
		return core.GuardDecision{Passed: false, Reason: core.GateReasonEvidenceMissing,
			Detail: "evidence bundle was not persisted"}
	}

	return core.GuardDecision{Passed: true, Reason: core.GateReasonPassed}
}

// missingCategories reports which required evidence categories have no
// matching entry among the collected evidence paths. A path "matches" a
// category when its basename contains the category name — evidence paths
// are expected in the form "<category>_<detail>.json"/".log", mirroring
// the evidence_bundle_round_<n>.json naming convention.
func missingCategories(required, collected []string) []string {
	var missing []string
	for _, category := range required {
		found := false
		for _, path := range collected {
			if strings.Contains(strings.ToLower(path), strings.ToLower(category)) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, category)
		}
	}
	return missing
}

func (g *EvidenceGuard) emit(ctx context.Context, task *core.Task, round int, decision core.GuardDecision) {
	if g.store == nil {
		return
	}
	event := core.NewEvent(task.ID, core.EventPrecompletionChecklist, map[string]interface{}{
		"round":  round,
		"passed": decision.Passed,
		"reason": string(decision.Reason),
		"detail": decision.Detail,
	})
	if err := g.store.AppendEvent(ctx, task.ID, event); err != nil {
		g.logger.Warn("evidence guard: failed to append event", "task_id", task.ID, "round", round, "error", err)
	}
}

