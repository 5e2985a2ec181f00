package core

import "testing"

func TestNewArtifact(t *testing.T) {
	artifact := NewArtifact("t1", "artifacts/rounds/round-1.patch", []byte("diff --git a b"))
	if artifact.TaskID != "t1" || artifact.RelPath != "artifacts/rounds/round-1.patch" {
		t.Fatalf("unexpected artifact fields: %+v", artifact)
	}
	if artifact.Size != int64(len("diff --git a b")) {
		t.Fatalf("expected size to match content length, got %d", artifact.Size)
	}
	if err := artifact.Validate(); err != nil {
		t.Fatalf("unexpected error validating artifact: %v", err)
	}
}

func TestArtifact_Validate_RequiresTaskID(t *testing.T) {
	artifact := NewArtifact("", "summary.md", []byte("x"))
	if err := artifact.Validate(); err == nil {
		t.Fatalf("expected error for missing task id")
	}
}

func TestValidateRelPath(t *testing.T) {
	valid := []string{
		"summary.md",
		"artifacts/rounds/round-1.patch",
		"artifacts/rounds/round-003-snapshot/file.go",
	}
	for _, p := range valid {
		if err := ValidateRelPath(p); err != nil {
			t.Errorf("expected %q to be valid, got %v", p, err)
		}
	}

	invalid := []string{
		"",
		"/etc/passwd",
		"../escape.json",
		"artifacts/../../escape.json",
		"artifacts/../../../escape.json",
	}
	for _, p := range invalid {
		if err := ValidateRelPath(p); err == nil {
			t.Errorf("expected %q to be rejected as a path escape", p)
		}
	}
}

func TestRoundPathHelpers(t *testing.T) {
	if got := EvidenceBundlePath(3); got != "artifacts/evidence_bundle_round_3.json" {
		t.Errorf("unexpected EvidenceBundlePath: %s", got)
	}
	if got := RoundPatchPath(2); got != "artifacts/rounds/round-2.patch" {
		t.Errorf("unexpected RoundPatchPath: %s", got)
	}
	if got := RoundSnapshotDir(7); got != "artifacts/rounds/round-007-snapshot" {
		t.Errorf("unexpected RoundSnapshotDir: %s", got)
	}
}
