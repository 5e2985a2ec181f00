package workflow

import (
	"context"
	"testing"

	"github.com/arbiterhq/arbiter/internal/core"
)

func TestPreflightRiskGate_PassesOnRoutineCommands(t *testing.T) {
	g := NewPreflightRiskGate(newFakeArtifactStore(), nil)
	task := roundExecutorTestTask()

	decision, err := g.Check(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Passed {
		t.Fatalf("expected routine commands to pass, got reason=%s detail=%s", decision.Reason, decision.Detail)
	}
}

func TestPreflightRiskGate_FailsOnDestructiveCommand(t *testing.T) {
	store := newFakeArtifactStore()
	g := NewPreflightRiskGate(store, nil)
	task := roundExecutorTestTask()
	task.Strategy.LintCommand = "rm -rf / --no-preserve-root"

	decision, err := g.Check(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Passed || decision.Reason != core.GateReasonPreflightRiskGateFailed {
		t.Fatalf("expected preflight_risk_gate_failed, got passed=%v reason=%s", decision.Passed, decision.Reason)
	}
	if len(store.events) != 1 || store.events[0].Kind != core.EventPreflightRiskGate {
		t.Fatalf("expected exactly one preflight_risk_gate event, got %+v", store.events)
	}
}

func TestIsDangerousCommand(t *testing.T) {
	cases := map[string]bool{
		"go test ./...":       false,
		"rm -rf /tmp/scratch": true,
		"git push --force":    true,
		"golangci-lint run":   false,
	}
	for cmd, want := range cases {
		if got := IsDangerousCommand(cmd); got != want {
			t.Errorf("IsDangerousCommand(%q) = %v, want %v", cmd, got, want)
		}
	}
}
