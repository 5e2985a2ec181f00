package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/sandbox"
	"github.com/arbiterhq/arbiter/internal/service/workflow"
)

// merger is the narrow capability the Task Coordinator needs from the
// Sandbox Manager to write a passed, auto-merged task's tree into its merge
// target (4.I, 4.K). Kept separate from core.SandboxManager because most
// callers wiring a SandboxManager for sandbox_mode=0 tasks never need it.
type merger interface {
	Merge(ctx context.Context, task *core.Task) error
}

// TaskCoordinator implements the Task Coordinator (4.I): the per-task driver
// that takes a queued task from admission through guards, the consensus or
// round loop, and — on success — auto-merge.
type TaskCoordinator struct {
	repo      core.Repository
	store     core.ArtifactStore
	admission *AdmissionScheduler
	sandboxes core.SandboxManager
	merge     merger
	consensus *workflow.ConsensusMachine
	rounds    *workflow.RoundExecutor
	preflight core.PreflightRiskGate
	evidence  core.EvidenceGuard
	promotion core.PromotionGuard
	logger    *logging.Logger

	mu          sync.Mutex
	cancelFuncs map[core.TaskID]context.CancelFunc
}

// NewTaskCoordinator wires the Task Coordinator to its supporting ports. Any
// of sandboxes/merge may be nil when every task the coordinator will ever
// drive has sandbox_mode=0 and auto_merge=0.
func NewTaskCoordinator(
	repo core.Repository,
	store core.ArtifactStore,
	admission *AdmissionScheduler,
	sandboxes core.SandboxManager,
	merge merger,
	consensus *workflow.ConsensusMachine,
	rounds *workflow.RoundExecutor,
	preflight core.PreflightRiskGate,
	evidence core.EvidenceGuard,
	promotion core.PromotionGuard,
	logger *logging.Logger,
) *TaskCoordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TaskCoordinator{
		repo:        repo,
		store:       store,
		admission:   admission,
		sandboxes:   sandboxes,
		merge:       merge,
		consensus:   consensus,
		rounds:      rounds,
		preflight:   preflight,
		evidence:    evidence,
		promotion:   promotion,
		logger:      logger,
		cancelFuncs: make(map[core.TaskID]context.CancelFunc),
	}
}

// Start admits task and drives it to waiting_manual or a terminal status,
// mutating task in place to mirror every transition it applies to the
// repository. It blocks for the task's entire run; StartTask's background
// mode (4.K) is the caller running Start in a goroutine.
func (c *TaskCoordinator) Start(ctx context.Context, task *core.Task) error {
	admitted, reason := c.admission.TryAdmit(task.ID)
	if !admitted {
		c.emit(ctx, task.ID, core.EventStartDeferred, map[string]interface{}{"reason": string(reason)})
		return nil
	}
	defer c.admission.Release(task.ID)
	defer c.rounds.Forget(task.ID)

	runCtx, cancel := context.WithCancel(ctx)
	c.registerCancel(task.ID, cancel)
	defer c.clearCancel(task.ID)
	defer cancel()

	if err := c.applyTransition(ctx, task, core.StatusRunning, core.GateReasonNone); err != nil {
		return err
	}
	c.emit(ctx, task.ID, core.EventStarted, nil)

	if task.WorkspaceFingerprint != "" && task.WorkspacePath != "" {
		fp, err := sandbox.Fingerprint(task.WorkspacePath)
		if err != nil {
			return c.failSystem(ctx, task, fmt.Sprintf("fingerprinting workspace: %v", err))
		}
		if fp != task.WorkspaceFingerprint {
			return c.resumeGuardMismatch(ctx, task, fp)
		}
	}

	decision, err := c.preflight.Check(runCtx, task)
	if err != nil {
		return c.failSystem(ctx, task, fmt.Sprintf("preflight risk gate: %v", err))
	}
	if !decision.Passed {
		return c.failGate(ctx, task, decision.Reason, decision.Detail)
	}

	if task.Strategy.SandboxMode && c.sandboxes != nil {
		sandboxPath, err := c.sandboxes.Allocate(runCtx, task)
		if err != nil {
			return c.failSystem(ctx, task, fmt.Sprintf("sandbox allocation: %v", err))
		}
		task.SandboxPath = sandboxPath
	}

	if !task.Strategy.SelfLoopMode && task.Decision == nil {
		result, err := c.consensus.Run(runCtx, task)
		if err != nil {
			return c.failSystem(ctx, task, fmt.Sprintf("proposal consensus machine: %v", err))
		}
		return c.applyTransition(ctx, task, core.StatusWaitingManual, result.Reason)
	}

	return c.runRounds(runCtx, ctx, task)
}

// runRounds drives the round loop of 4.I. runCtx is the cooperative,
// cancellable context used for adapter/gateway calls; persistCtx is used for
// repository/event writes that must still land even after runCtx is
// canceled (so the terminal transition triggered by the cancellation itself
// is durably recorded).
func (c *TaskCoordinator) runRounds(runCtx, persistCtx context.Context, task *core.Task) error {
	var lastResult workflow.RoundResult

	for round := task.RoundsCompleted + 1; ; round++ {
		if task.Strategy.DeadlineReached(time.Now()) {
			return c.cancel(persistCtx, task, core.GateReasonDeadlineReached)
		}
		if task.Strategy.EvolveUntil == nil && round > task.Strategy.MaxRounds {
			reason := lastResult.Reason
			if reason == core.GateReasonNone {
				reason = core.GateReasonVerificationFailed
			}
			return c.failGate(persistCtx, task, reason, lastResult.Detail)
		}
		select {
		case <-runCtx.Done():
			// Cancellation/force-fail already applied the terminal
			// transition from outside this loop; just stop participating.
			return nil
		default:
		}

		result, err := c.rounds.Run(runCtx, task, round)
		if err != nil {
			return c.failSystem(persistCtx, task, fmt.Sprintf("round executor: round %d: %v", round, err))
		}
		lastResult = result
		task.RoundsCompleted = round
		task.LastGateReason = result.Reason
		if err := c.repo.UpdateTaskProgress(persistCtx, task.ID, round, result.Reason); err != nil {
			c.logger.Warn("failed to persist round progress", "task_id", task.ID, "round", round, "error", err)
		}

		if result.Passed {
			return c.markPassed(persistCtx, task, result)
		}
		if result.Reason == core.GateReasonLoopNoProgress {
			return c.failGate(persistCtx, task, result.Reason, result.Detail)
		}
		if isEvidenceReason(result.Reason) {
			c.writeEvidenceFailureArtifact(persistCtx, task, result)
		}
	}
}

func isEvidenceReason(reason core.GateReason) bool {
	return reason == core.GateReasonEvidenceMissing || reason == core.GateReasonCommandsMissing
}

// markPassed transitions a task to passed and, when auto_merge=1, re-checks
// the Evidence and Promotion Guards before copying the task's working tree
// into its merge target. The transition to passed itself is unconditional —
// auto-merge is a best-effort post-condition, not a gate on reaching passed,
// since `passed` has no outgoing edge in the state graph to fall back to on
// a merge failure.
func (c *TaskCoordinator) markPassed(ctx context.Context, task *core.Task, result workflow.RoundResult) error {
	if err := c.applyTransition(ctx, task, core.StatusPassed, core.GateReasonPassed); err != nil {
		return err
	}
	if !task.Strategy.AutoMerge {
		return nil
	}
	c.autoMerge(ctx, task, result)
	return nil
}

func (c *TaskCoordinator) autoMerge(ctx context.Context, task *core.Task, result workflow.RoundResult) {
	decision, err := c.evidence.Verify(ctx, task, task.RoundsCompleted, result.Outputs)
	if err != nil {
		c.logger.Warn("auto-merge: evidence guard error", "task_id", task.ID, "error", err)
		return
	}
	if !decision.Passed {
		c.logger.Warn("auto-merge: evidence guard rejected", "task_id", task.ID, "reason", decision.Reason, "detail", decision.Detail)
		return
	}

	targetPath := task.MergeTargetPath
	promotion, err := c.promotion.Check(ctx, task, targetPath)
	if err != nil {
		c.logger.Warn("auto-merge: promotion guard error", "task_id", task.ID, "error", err)
		return
	}
	if !promotion.Passed {
		c.logger.Warn("auto-merge: promotion guard rejected", "task_id", task.ID, "reason", promotion.Reason, "detail", promotion.Detail)
		return
	}

	if c.merge == nil {
		c.logger.Warn("auto-merge: no merger configured, skipping merge", "task_id", task.ID)
		return
	}
	if err := c.merge.Merge(ctx, task); err != nil {
		c.logger.Warn("auto-merge: merge failed", "task_id", task.ID, "error", err)
		return
	}

	c.writeJSONArtifact(ctx, task.ID, core.ArtifactAutoMergeSummary, map[string]interface{}{
		"task_id":     task.ID,
		"round":       task.RoundsCompleted,
		"target_path": targetPath,
		"merged_at":   time.Now(),
	})
}

func (c *TaskCoordinator) writeEvidenceFailureArtifact(ctx context.Context, task *core.Task, result workflow.RoundResult) {
	c.writeJSONArtifact(ctx, task.ID, core.ArtifactPrecompletionGuardFailed, map[string]interface{}{
		"round":  task.RoundsCompleted,
		"reason": string(result.Reason),
		"detail": result.Detail,
	})
}

func (c *TaskCoordinator) resumeGuardMismatch(ctx context.Context, task *core.Task, observedFingerprint string) error {
	c.writeJSONArtifact(ctx, task.ID, core.ArtifactWorkspaceResumeGuard, map[string]interface{}{
		"expected_fingerprint": task.WorkspaceFingerprint,
		"observed_fingerprint": observedFingerprint,
	})
	c.emit(ctx, task.ID, core.EventWorkspaceResumeGuard, map[string]interface{}{
		"expected": task.WorkspaceFingerprint, "observed": observedFingerprint,
	})
	return c.applyTransition(ctx, task, core.StatusWaitingManual, core.GateReasonWorkspaceResumeGuardMismatch)
}

func (c *TaskCoordinator) failGate(ctx context.Context, task *core.Task, reason core.GateReason, detail string) error {
	if err := c.applyTransition(ctx, task, core.StatusFailedGate, reason); err != nil {
		return err
	}
	c.logger.Info("task failed gate", "task_id", task.ID, "reason", reason, "detail", detail)
	return nil
}

func (c *TaskCoordinator) failSystem(ctx context.Context, task *core.Task, detail string) error {
	if err := c.applyTransition(ctx, task, core.StatusFailedSystem, core.GateReasonNone); err != nil {
		return err
	}
	c.logger.Error("task failed system", "task_id", task.ID, "detail", detail)
	return fmt.Errorf("task %s: %s", task.ID, detail)
}

func (c *TaskCoordinator) cancel(ctx context.Context, task *core.Task, reason core.GateReason) error {
	if err := c.applyTransition(ctx, task, core.StatusCanceled, reason); err != nil {
		return err
	}
	c.emit(ctx, task.ID, core.EventCanceled, map[string]interface{}{"reason": string(reason)})
	return nil
}

// applyTransition performs the repository compare-and-set, mirrors it onto
// the in-memory task, and emits a terminated event when the new status is
// terminal.
func (c *TaskCoordinator) applyTransition(ctx context.Context, task *core.Task, next core.TaskStatus, reason core.GateReason) error {
	if err := c.repo.UpdateTaskStatusIf(ctx, task.ID, task.Status, next, reason); err != nil {
		return err
	}
	if err := mutateTaskStatus(task, next, reason); err != nil {
		return err
	}
	if core.IsTerminalStatus(next) {
		c.emit(ctx, task.ID, core.EventTerminated, map[string]interface{}{"status": string(next), "reason": string(reason)})
	}
	return nil
}

// mutateTaskStatus mirrors a just-committed repository transition onto the
// in-memory task via the matching exported Mark* helper, so task.go's state
// graph is the single source of truth for which edges are legal.
func mutateTaskStatus(task *core.Task, next core.TaskStatus, reason core.GateReason) error {
	switch next {
	case core.StatusQueued:
		return task.Requeue(reason)
	case core.StatusRunning:
		return task.MarkRunning()
	case core.StatusWaitingManual:
		return task.MarkWaitingManual(reason)
	case core.StatusPassed:
		return task.MarkPassed()
	case core.StatusFailedGate:
		return task.MarkFailedGate(reason)
	case core.StatusFailedSystem:
		return task.MarkFailedSystem(reason)
	case core.StatusCanceled:
		return task.MarkCanceled(reason)
	default:
		return fmt.Errorf("task coordinator: unknown target status %s", next)
	}
}

// Cancel requests cooperative cancellation of a running task: the status
// transition lands immediately via the repository compare-and-set, and the
// task's context is canceled so Start's loop observes it before its next
// round.
func (c *TaskCoordinator) Cancel(ctx context.Context, task *core.Task) error {
	if err := c.applyTransition(ctx, task, core.StatusCanceled, core.GateReasonOperatorReason); err != nil {
		return err
	}
	c.emit(ctx, task.ID, core.EventCanceled, nil)
	c.cancelRunning(task.ID)
	return nil
}

// ForceFail is non-cooperative: it sets the terminal failed_system status
// immediately regardless of the task's current phase and is idempotent on
// an already-terminal task.
func (c *TaskCoordinator) ForceFail(ctx context.Context, task *core.Task, operatorReason string) error {
	if core.IsTerminalStatus(task.Status) {
		return nil
	}
	if err := c.applyTransition(ctx, task, core.StatusFailedSystem, core.GateReasonOperatorReason); err != nil {
		return err
	}
	c.emit(ctx, task.ID, core.EventForceFailed, map[string]interface{}{"reason": operatorReason})
	c.cancelRunning(task.ID)
	return nil
}

func (c *TaskCoordinator) registerCancel(taskID core.TaskID, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFuncs[taskID] = cancel
}

func (c *TaskCoordinator) clearCancel(taskID core.TaskID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelFuncs, taskID)
}

func (c *TaskCoordinator) cancelRunning(taskID core.TaskID) {
	c.mu.Lock()
	cancel, ok := c.cancelFuncs[taskID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *TaskCoordinator) emit(ctx context.Context, taskID core.TaskID, kind core.EventKind, payload map[string]interface{}) {
	if c.store == nil {
		return
	}
	if err := c.store.AppendEvent(ctx, taskID, core.NewEvent(taskID, kind, payload)); err != nil {
		c.logger.Warn("task coordinator: failed to append event", "task_id", taskID, "kind", kind, "error", err)
	}
}

func (c *TaskCoordinator) writeJSONArtifact(ctx context.Context, taskID core.TaskID, kind core.ArtifactKind, payload map[string]interface{}) {
	if c.store == nil {
		return
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		c.logger.Warn("task coordinator: failed to marshal artifact", "task_id", taskID, "kind", kind, "error", err)
		return
	}
	if err := c.store.WriteArtifact(ctx, taskID, string(kind), data); err != nil {
		c.logger.Warn("task coordinator: failed to write artifact", "task_id", taskID, "kind", kind, "error", err)
	}
}
