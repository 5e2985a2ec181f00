// Package orchestrator implements the Orchestrator Service (4.K): the
// public façade every control surface (REST API, CLI) calls through. It
// owns nothing the Task Coordinator doesn't already own — every mutation
// still routes through the repository's compare-and-set — but it is the
// one place that enforces the entry-point invariants (valid states for
// author decisions and round promotion, idempotent force-fail) before
// handing off to the Task Coordinator or the guards directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/coordinator"
	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/sandbox"
	"github.com/arbiterhq/arbiter/internal/service/workflow"
)

// merger is the narrow capability PromoteRound needs from the Sandbox
// Manager, mirroring the coordinator package's own unexported interface of
// the same name — kept separate since Go interfaces satisfy structurally
// and neither package needs to depend on the other's type.
type merger interface {
	Merge(ctx context.Context, task *core.Task) error
}

// Orchestrator implements 4.K over a Repository, Artifact Store, and Task
// Coordinator already wired to their own supporting guards/ports.
type Orchestrator struct {
	repo      core.Repository
	store     core.ArtifactStore
	tasks     *coordinator.TaskCoordinator
	evidence  core.EvidenceGuard
	promotion core.PromotionGuard
	merge     merger
	logger    *logging.Logger
}

// New constructs an Orchestrator. merge may be nil when PromoteRound will
// never be called (e.g. a deployment that only runs auto_merge=1 tasks).
func New(
	repo core.Repository,
	store core.ArtifactStore,
	tasks *coordinator.TaskCoordinator,
	evidence core.EvidenceGuard,
	promotion core.PromotionGuard,
	merge merger,
	logger *logging.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		repo: repo, store: store, tasks: tasks,
		evidence: evidence, promotion: promotion, merge: merge,
		logger: logger.With("component", "orchestrator"),
	}
}

// CreateTask validates a fully-populated task (participants, strategy
// cardinalities, command templates, merge-target requirement) and persists
// it in queued, stamping its workspace fingerprint for the Task
// Coordinator's later resume guard (4.I) to compare against.
func (o *Orchestrator) CreateTask(ctx context.Context, task *core.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if cmd := task.Strategy.TestCommand; cmd != "" && workflow.IsDangerousCommand(cmd) {
		return core.ErrValidation(core.CodeInvalidConfig, "test_command matches a destructive pattern").WithDetail("command", cmd)
	}
	if cmd := task.Strategy.LintCommand; cmd != "" && workflow.IsDangerousCommand(cmd) {
		return core.ErrValidation(core.CodeInvalidConfig, "lint_command matches a destructive pattern").WithDetail("command", cmd)
	}

	if task.WorkspaceFingerprint == "" {
		fp, err := sandbox.Fingerprint(task.WorkspacePath)
		if err != nil {
			return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("fingerprinting workspace: %v", err))
		}
		task.WithFingerprint(fp)
	}

	if err := o.repo.CreateTask(ctx, task); err != nil {
		return err
	}
	o.emit(ctx, task.ID, core.EventCreated, map[string]interface{}{"title": task.Title})
	return nil
}

// StartTask admits and drives a queued task. In background mode it returns
// as soon as the Task Coordinator accepts (or defers) admission; in
// synchronous mode it blocks until Start returns, i.e. until the task
// reaches waiting_manual or a terminal status.
func (o *Orchestrator) StartTask(ctx context.Context, id core.TaskID, background bool) error {
	task, err := o.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != core.StatusQueued {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("task %s is %s, not queued", id, task.Status))
	}

	if background {
		go func() {
			bgCtx := context.Background()
			if err := o.tasks.Start(bgCtx, task); err != nil {
				o.logger.Error("background task run failed", "task_id", id, "error", err)
			}
		}()
		return nil
	}
	return o.tasks.Start(ctx, task)
}

// CancelTask requests cooperative cancellation of a running (or queued)
// task.
func (o *Orchestrator) CancelTask(ctx context.Context, id core.TaskID) error {
	task, err := o.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if core.IsTerminalStatus(task.Status) {
		return nil
	}
	return o.tasks.Cancel(ctx, task)
}

// ForceFail is non-cooperative and idempotent on an already-terminal task.
func (o *Orchestrator) ForceFail(ctx context.Context, id core.TaskID, reason string) error {
	task, err := o.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return o.tasks.ForceFail(ctx, task, reason)
}

// SubmitAuthorDecision applies an approve/reject/revise decision to a task
// currently waiting_manual. approve and revise requeue the task (revise
// additionally seeds the note as feedback for the next proposal attempt);
// reject cancels it. When autoStart is set and the decision requeues the
// task, StartTask is invoked immediately in background mode.
func (o *Orchestrator) SubmitAuthorDecision(ctx context.Context, id core.TaskID, kind core.AuthorDecisionKind, note string, autoStart bool) error {
	task, err := o.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != core.StatusWaitingManual {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("task %s is %s, not waiting_manual", id, task.Status))
	}

	decision := core.AuthorDecision{Kind: kind, Note: note, Timestamp: time.Now()}

	var reason core.GateReason
	var next core.TaskStatus
	switch kind {
	case core.DecisionApprove:
		reason, next = core.GateReasonAuthorApproved, core.StatusQueued
	case core.DecisionRevise:
		reason, next = core.GateReasonAuthorFeedbackRequested, core.StatusQueued
	case core.DecisionReject:
		reason, next = core.GateReasonAuthorRejected, core.StatusCanceled
	default:
		return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("unknown author decision %q", kind))
	}

	if err := o.repo.UpdateTaskStatusIf(ctx, id, core.StatusWaitingManual, next, reason); err != nil {
		return err
	}
	if err := o.repo.RecordAuthorDecision(ctx, id, decision); err != nil {
		o.logger.Warn("failed to persist author decision", "task_id", id, "error", err)
	}
	o.emit(ctx, id, core.EventAuthorDecision, map[string]interface{}{"decision": string(kind), "note": note})

	if next != core.StatusQueued || !autoStart {
		return nil
	}
	return o.StartTask(ctx, id, true)
}

// PromoteRound manually promotes one round of a multi-round candidate task
// (max_rounds>1, auto_merge=0) into target_path. Only valid once the task
// has reached a terminal status — it is the manual counterpart to the
// round loop's own auto-merge step, re-running the same Evidence and
// Promotion Guards before copying anything. Per-round file snapshots are
// not separately retained (internal/service/workflow's round executor only
// persists a snapshot manifest placeholder, see DESIGN.md); PromoteRound
// therefore promotes the task's current final tree, matching what a
// multi-round candidate's last completed round actually left on disk.
func (o *Orchestrator) PromoteRound(ctx context.Context, id core.TaskID, round int, targetPath string) error {
	task, err := o.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !core.IsTerminalStatus(task.Status) {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("task %s is %s, not terminal", id, task.Status))
	}
	if task.Strategy.MaxRounds <= 1 || task.Strategy.AutoMerge {
		return core.ErrValidation(core.CodeInvalidConfig, "promote_round requires max_rounds>1 and auto_merge=0")
	}
	if round < 1 || round > task.RoundsCompleted {
		return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("round %d is out of range for %d completed rounds", round, task.RoundsCompleted))
	}

	outputs, err := o.reconstructRoundOutputs(ctx, id, round)
	if err != nil {
		return fmt.Errorf("orchestrator: reading round %d artifact: %w", round, err)
	}
	evidenceDecision, err := o.evidence.Verify(ctx, task, round, outputs)
	if err != nil {
		return fmt.Errorf("orchestrator: evidence guard: %w", err)
	}
	if !evidenceDecision.Passed {
		return core.ErrGate(string(evidenceDecision.Reason), evidenceDecision.Detail)
	}

	promotionDecision, err := o.promotion.Check(ctx, task, targetPath)
	if err != nil {
		return fmt.Errorf("orchestrator: promotion guard: %w", err)
	}
	if !promotionDecision.Passed {
		return core.ErrGate(string(promotionDecision.Reason), promotionDecision.Detail)
	}

	if o.merge == nil {
		return core.ErrExecution("ORCHESTRATOR_NO_MERGER", "no merger configured for promote-round")
	}
	withTarget := *task
	withTarget.MergeTargetPath = targetPath
	if err := o.merge.Merge(ctx, &withTarget); err != nil {
		return fmt.Errorf("orchestrator: merging round %d: %w", round, err)
	}

	summary, err := json.MarshalIndent(map[string]interface{}{
		"task_id":     id,
		"round":       round,
		"target_path": targetPath,
		"promoted_at": time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal promote summary: %w", err)
	}
	if err := o.store.WriteArtifact(ctx, id, core.RoundPromoteSummaryPath(round), summary); err != nil {
		o.logger.Warn("failed to persist promote summary", "task_id", id, "round", round, "error", err)
	}
	return nil
}

// roundArtifactView mirrors the subset of internal/service/workflow's
// unexported roundArtifact shape PromoteRound needs to rebuild a
// core.RoundOutputs for the Evidence Guard, without depending on that
// package's private type.
type roundArtifactView struct {
	Commands map[string]struct {
		Ran bool `json:"Ran"`
	} `json:"Commands"`
}

func (o *Orchestrator) reconstructRoundOutputs(ctx context.Context, id core.TaskID, round int) (core.RoundOutputs, error) {
	raw, err := o.store.ReadArtifact(ctx, id, core.RoundArtifactPath(round))
	if err != nil {
		return core.RoundOutputs{}, err
	}
	var view roundArtifactView
	if err := json.Unmarshal(raw, &view); err != nil {
		return core.RoundOutputs{}, fmt.Errorf("unmarshaling round artifact: %w", err)
	}

	var required, evidence []string
	for name, result := range view.Commands {
		required = append(required, name)
		if result.Ran {
			evidence = append(evidence, name+"_output.log")
		}
	}
	bundleRaw, bundleErr := o.store.ReadArtifact(ctx, id, core.EvidenceBundlePath(round))
	return core.RoundOutputs{
		VerificationRan:  len(required) > 0,
		RequiredEvidence: required,
		EvidencePaths:    evidence,
		BundlePersisted:  bundleErr == nil && len(bundleRaw) > 0,
	}, nil
}

// GetEvents reads a task's event log from the repository, falling back to
// the Artifact Store's events.jsonl when the repository has no rows for it
// (a task whose events were only ever persisted to disk, e.g. from a run
// against a store-only deployment).
func (o *Orchestrator) GetEvents(ctx context.Context, id core.TaskID) ([]core.Event, error) {
	events, err := o.repo.ListEvents(ctx, id)
	if err == nil && len(events) > 0 {
		return events, nil
	}
	return o.store.ReadEvents(ctx, id)
}

// GetTask, ListTasks are read-only passthroughs; GetEvents above is the
// only one needing repository/store fallback logic.
func (o *Orchestrator) GetTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	return o.repo.GetTask(ctx, id)
}

func (o *Orchestrator) ListTasks(ctx context.Context, limit int) ([]*core.Task, error) {
	return o.repo.ListTasks(ctx, limit)
}

func (o *Orchestrator) emit(ctx context.Context, taskID core.TaskID, kind core.EventKind, payload map[string]interface{}) {
	if o.store == nil {
		return
	}
	if err := o.store.AppendEvent(ctx, taskID, core.NewEvent(taskID, kind, payload)); err != nil {
		o.logger.Warn("orchestrator: failed to append event", "task_id", taskID, "kind", kind, "error", err)
	}
}
