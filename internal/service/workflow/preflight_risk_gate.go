package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// dangerousPatterns are substrings that flag a configured command as
// destructive rather than a routine test/lint/build step. Grounded on the
// teacher's sandbox.go DangerousPatterns list, trimmed to the subset
// relevant to the test/lint commands this system actually shells out to
// (the teacher's version also covered arbitrary shell tool calls, which
// this system's closed command surface doesn't have).
var dangerousPatterns = []string{
	"rm -rf",
	"rm -fr",
	"git push --force",
	"git push -f",
	"git reset --hard",
	"drop table",
	"delete from",
	"> /dev/",
	">> /dev/",
	"chmod 777",
	"chmod -r 777",
	"curl | sh",
	"curl | bash",
	"wget | sh",
	"wget | bash",
	":(){ :|:& };:",
	"mkfs",
	"dd if=",
}

// IsDangerousCommand reports whether cmd matches one of dangerousPatterns.
func IsDangerousCommand(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// PreflightRiskGate implements core.PreflightRiskGate: it screens the
// task's configured test/lint commands before the Task Coordinator
// allocates a sandbox or invokes any participant.
type PreflightRiskGate struct {
	store  core.ArtifactStore
	logger *logging.Logger
}

var _ core.PreflightRiskGate = (*PreflightRiskGate)(nil)

func NewPreflightRiskGate(store core.ArtifactStore, logger *logging.Logger) *PreflightRiskGate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PreflightRiskGate{store: store, logger: logger}
}

func (g *PreflightRiskGate) Check(ctx context.Context, task *core.Task) (core.GuardDecision, error) {
	for _, cmd := range []string{task.Strategy.TestCommand, task.Strategy.LintCommand, task.Strategy.ExtraArgs} {
		if cmd == "" {
			continue
		}
		if IsDangerousCommand(cmd) {
			decision := core.GuardDecision{
				Passed: false,
				Reason: core.GateReasonPreflightRiskGateFailed,
				Detail: fmt.Sprintf("configured command matches a destructive pattern: %q", cmd),
			}
			g.emit(ctx, task.ID, decision)
			return decision, nil
		}
	}
	decision := core.GuardDecision{Passed: true}
	g.emit(ctx, task.ID, decision)
	return decision, nil
}

func (g *PreflightRiskGate) emit(ctx context.Context, taskID core.TaskID, decision core.GuardDecision) {
	if g.store == nil {
		return
	}
	event := core.NewEvent(taskID, core.EventPreflightRiskGate, map[string]interface{}{
		"passed": decision.Passed, "reason": string(decision.Reason), "detail": decision.Detail,
	})
	if err := g.store.AppendEvent(ctx, taskID, event); err != nil {
		g.logger.Warn("preflight risk gate: failed to append event", "task_id", taskID, "error", err)
	}
}
