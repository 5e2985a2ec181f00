package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// PromotionGuard implements core.PromotionGuard: it evaluates branch
// allow-list membership, working-tree cleanliness, and head-SHA stability
// before any write-back into a merge target. It never mutates the target
// itself — a failed check only ever produces a GuardDecision the caller
// turns into a gate reason.
type PromotionGuard struct {
	clients core.GitClientFactory
	store   core.ArtifactStore
	logger  *logging.Logger

	mu       sync.Mutex
	headSHAs map[string]string // keyed by taskID+"\x00"+targetPath
}

var _ core.PromotionGuard = (*PromotionGuard)(nil)

// NewPromotionGuard constructs a PromotionGuard. store may be nil, in which
// case the guard still evaluates but emits no promotion_guard_checked event
// (useful for PromoteRound dry-runs over a disconnected repository).
func NewPromotionGuard(clients core.GitClientFactory, store core.ArtifactStore, logger *logging.Logger) *PromotionGuard {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PromotionGuard{clients: clients, store: store, logger: logger, headSHAs: make(map[string]string)}
}

func (g *PromotionGuard) shaKey(taskID core.TaskID, targetPath string) string {
	return string(taskID) + "\x00" + targetPath
}

func (g *PromotionGuard) priorSHA(taskID core.TaskID, targetPath string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sha, ok := g.headSHAs[g.shaKey(taskID, targetPath)]
	return sha, ok
}

func (g *PromotionGuard) recordSHA(taskID core.TaskID, targetPath, sha string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.headSHAs[g.shaKey(taskID, targetPath)] = sha
}

// Check implements core.PromotionGuard. It records the task's head SHA the
// first time a given targetPath is checked for that task (preflight) and
// compares against it on every subsequent call for the same targetPath,
// catching a target mutated out from under the task between preflight and
// commit.
func (g *PromotionGuard) Check(ctx context.Context, task *core.Task, targetPath string) (core.GuardDecision, error) {
	client, err := g.clients.NewClient(targetPath)
	if err != nil {
		return core.GuardDecision{}, fmt.Errorf("promotion guard: building git client for %s: %w", targetPath, err)
	}

	decision := g.evaluate(ctx, client, task, targetPath)
	g.emit(ctx, task, targetPath, decision)
	return decision, nil
}

func (g *PromotionGuard) evaluate(ctx context.Context, client core.GitClient, task *core.Task, targetPath string) core.GuardDecision {
	if len(task.Strategy.AllowedBranches) > 0 {
		branch, err := client.CurrentBranch(ctx)
		if err != nil {
			return core.GuardDecision{Passed: false, Reason: core.GateReasonBranchNotAllowed,
				Detail: fmt.Sprintf("resolving current branch: %v", err)}
		}
		if !containsBranch(task.Strategy.AllowedBranches, branch) {
			return core.GuardDecision{Passed: false, Reason: core.GateReasonBranchNotAllowed,
				Detail: fmt.Sprintf("branch %q is not in the allowed list %v", branch, task.Strategy.AllowedBranches)}
		}
	}

	if task.Strategy.RequireCleanWorktree {
		clean, err := client.IsClean(ctx, targetPath)
		if err != nil {
			return core.GuardDecision{Passed: false, Reason: core.GateReasonWorktreeDirty,
				Detail: fmt.Sprintf("checking worktree cleanliness: %v", err)}
		}
		if !clean {
			return core.GuardDecision{Passed: false, Reason: core.GateReasonWorktreeDirty,
				Detail: fmt.Sprintf("%s has uncommitted or untracked changes", targetPath)}
		}
	}

	sha, err := client.HeadSHA(ctx, targetPath)
	if err != nil {
		return core.GuardDecision{Passed: false, Reason: core.GateReasonHeadSHAMismatch,
			Detail: fmt.Sprintf("resolving head sha: %v", err)}
	}
	if prior, ok := g.priorSHA(task.ID, targetPath); ok && prior != sha {
		return core.GuardDecision{Passed: false, Reason: core.GateReasonHeadSHAMismatch,
			Detail: fmt.Sprintf("head moved from %s to %s between preflight and commit", prior, sha)}
	}
	g.recordSHA(task.ID, targetPath, sha)

	return core.GuardDecision{Passed: true, Reason: core.GateReasonPassed}
}

func (g *PromotionGuard) emit(ctx context.Context, task *core.Task, targetPath string, decision core.GuardDecision) {
	if g.store == nil {
		return
	}
	event := core.NewEvent(task.ID, core.EventPromotionGuardChecked, map[string]interface{}{
		"target_path": targetPath,
		"passed":      decision.Passed,
		"reason":      string(decision.Reason),
		"detail":      decision.Detail,
	})
	if err := g.store.AppendEvent(ctx, task.ID, event); err != nil {
		g.logger.Warn("promotion guard: failed to append event", "task_id", task.ID, "error", err)
	}
}

func containsBranch(allowed []string, branch string) bool {
	for _, b := range allowed {
		if b == branch {
			return true
		}
	}
	return false
}
