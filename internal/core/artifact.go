package core

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ArtifactKind identifies one of the canonical per-task artifacts named in
// §3. RelPath-based helpers (RoundPatchPath, RoundSnapshotDir, ...) build the
// concrete rel_path for round-numbered artifacts, which are not representable
// as a fixed enum value.
type ArtifactKind string

const (
	ArtifactEventsLog            ArtifactKind = "events.jsonl"
	ArtifactState                ArtifactKind = "state.json"
	ArtifactDiscussion            ArtifactKind = "discussion.md"
	ArtifactSummary               ArtifactKind = "summary.md"
	ArtifactFinalReport           ArtifactKind = "final_report.md"
	ArtifactPendingProposal       ArtifactKind = "artifacts/pending_proposal.json"
	ArtifactConsensusStall        ArtifactKind = "artifacts/consensus_stall.json"
	ArtifactEvidenceManifest      ArtifactKind = "artifacts/evidence_manifest.json"
	ArtifactWorkspaceResumeGuard  ArtifactKind = "artifacts/workspace_resume_guard.json"
	ArtifactPrecompletionGuardFailed ArtifactKind = "artifacts/precompletion_guard_failed.json"
	ArtifactPreflightRiskGate     ArtifactKind = "artifacts/preflight_risk_gate.json"
	ArtifactAutoMergeSummary      ArtifactKind = "artifacts/auto_merge_summary.json"
)

// EvidenceBundlePath returns the rel_path of the evidence bundle for round n.
func EvidenceBundlePath(round int) string {
	return fmt.Sprintf("artifacts/evidence_bundle_round_%d.json", round)
}

// RoundArtifactPath returns the rel_path of the gate-decision artifact for
// round n, written before the gate_decision event per the fixed ordering in
// §9's open-question resolution.
func RoundArtifactPath(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d-artifact.json", round)
}

// RoundPatchPath returns the rel_path of the unified diff for round n.
func RoundPatchPath(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d.patch", round)
}

// RoundReportPath returns the rel_path of the human-readable round summary.
func RoundReportPath(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d.md", round)
}

// RoundSnapshotDir returns the rel_path of the round's snapshot directory,
// written whenever max_rounds>1 and auto_merge=0 (invariant 6).
func RoundSnapshotDir(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%03d-snapshot", round)
}

// RoundPromoteSummaryPath returns the rel_path written by PromoteRound.
func RoundPromoteSummaryPath(round int) string {
	return fmt.Sprintf("round-%d-promote-summary.json", round)
}

// Artifact is a named blob under the task's artifact root.
type Artifact struct {
	TaskID    TaskID
	RelPath   string
	Content   []byte
	Size      int64
	Checksum  string
	CreatedAt time.Time
}

// NewArtifact constructs an artifact ready for ValidateRelPath + persistence.
func NewArtifact(taskID TaskID, relPath string, content []byte) *Artifact {
	return &Artifact{
		TaskID:    taskID,
		RelPath:   relPath,
		Content:   content,
		Size:      int64(len(content)),
		CreatedAt: time.Now(),
	}
}

// ValidateRelPath enforces invariant 8: event/artifact paths never escape the
// task's artifact root. Rejects absolute paths, `..` components, and any
// path that Clean would rewrite to climb outside the root.
func ValidateRelPath(relPath string) error {
	if relPath == "" {
		return ErrValidation(CodePathEscape, "rel_path cannot be empty")
	}
	if filepath.IsAbs(relPath) {
		return ErrValidation(CodePathEscape, "rel_path must not be absolute").WithDetail("rel_path", relPath)
	}
	cleaned := filepath.ToSlash(filepath.Clean(relPath))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ErrValidation(CodePathEscape, "rel_path must not escape the artifact root").WithDetail("rel_path", relPath)
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return ErrValidation(CodePathEscape, "rel_path must not contain '..' components").WithDetail("rel_path", relPath)
		}
	}
	return nil
}

// Validate checks artifact invariants before a write.
func (a *Artifact) Validate() error {
	if a.TaskID == "" {
		return ErrValidation("ARTIFACT_TASK_ID_REQUIRED", "artifact task id cannot be empty")
	}
	if err := ValidateRelPath(a.RelPath); err != nil {
		return err
	}
	return nil
}
