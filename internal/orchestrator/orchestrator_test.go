package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/coordinator"
	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/service/workflow"
)

// fakeRepository is a minimal in-memory core.Repository for orchestrator
// entry-point tests.
type fakeRepository struct {
	mu     sync.Mutex
	tasks  map[core.TaskID]*core.Task
	events []core.Event
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{tasks: make(map[core.TaskID]*core.Task)}
}

func (r *fakeRepository) put(task *core.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.tasks[task.ID] = &cp
}

func (r *fakeRepository) CreateTask(ctx context.Context, task *core.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; exists {
		return core.ErrConflict(core.CodeSeqConflict, "task id already exists")
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *fakeRepository) GetTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, core.ErrNotFound("task", string(id))
	}
	cp := *task
	return &cp, nil
}

func (r *fakeRepository) ListTasks(ctx context.Context, limit int) ([]*core.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRepository) DeleteTask(ctx context.Context, id core.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *fakeRepository) UpdateTaskStatusIf(ctx context.Context, id core.TaskID, expected, next core.TaskStatus, reason core.GateReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	if task.Status != expected {
		return core.ErrConflict(core.CodeSeqConflict, "status mismatch")
	}
	if !core.CanTransition(expected, next) {
		return core.ErrState(core.CodeInvalidState, "illegal transition")
	}
	task.Status = next
	task.LastGateReason = reason
	return nil
}

func (r *fakeRepository) UpdateTaskProgress(ctx context.Context, id core.TaskID, roundsCompleted int, reason core.GateReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	task.RoundsCompleted = roundsCompleted
	task.LastGateReason = reason
	return nil
}

func (r *fakeRepository) RecordAuthorDecision(ctx context.Context, id core.TaskID, decision core.AuthorDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return core.ErrNotFound("task", string(id))
	}
	d := decision
	task.Decision = &d
	return nil
}

func (r *fakeRepository) AppendEvent(ctx context.Context, event core.Event) (core.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.Seq = int64(len(r.events) + 1)
	r.events = append(r.events, event)
	return event, nil
}

func (r *fakeRepository) ListEvents(ctx context.Context, taskID core.TaskID) ([]core.Event, error) {
	return nil, nil
}

func (r *fakeRepository) QueryProjectHistory(ctx context.Context, project string) (*core.ProjectHistoryEntry, error) {
	return nil, core.ErrNotFound("project_history", project)
}

func (r *fakeRepository) RecordProjectHistory(ctx context.Context, entry core.ProjectHistoryEntry) error {
	return nil
}

var _ core.Repository = (*fakeRepository)(nil)

type fakeStore struct {
	mu        sync.Mutex
	events    []core.Event
	artifacts map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{artifacts: make(map[string][]byte)}
}

func (s *fakeStore) AppendEvent(ctx context.Context, taskID core.TaskID, event core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStore) ReadEvents(ctx context.Context, taskID core.TaskID) ([]core.Event, error) {
	return s.events, nil
}

func (s *fakeStore) WriteArtifact(ctx context.Context, taskID core.TaskID, relPath string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[relPath] = data
	return nil
}

func (s *fakeStore) ReadArtifact(ctx context.Context, taskID core.TaskID, relPath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.artifacts[relPath]
	if !ok {
		return nil, core.ErrNotFound("artifact", relPath)
	}
	return data, nil
}

var _ core.ArtifactStore = (*fakeStore)(nil)

type fakeGateway struct{}

func (fakeGateway) Invoke(ctx context.Context, participant core.Participant, phase core.RoundPhase, prompt string, resources core.InvokeResources, deadline time.Time) (core.Outcome, error) {
	return core.Outcome{Kind: core.OutcomeOk, Text: `{"verdict":"no_blocker"}`}, nil
}

var _ core.Gateway = fakeGateway{}

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, workDir, command string, timeout time.Duration) workflow.CommandResult {
	return workflow.CommandResult{Command: command, Ran: true, ExitCode: 0}
}

type fakeMerger struct {
	called      bool
	targetSeen  string
}

func (m *fakeMerger) Merge(ctx context.Context, task *core.Task) error {
	m.called = true
	m.targetSeen = task.MergeTargetPath
	return nil
}

type fakeGitClient struct{}

func (fakeGitClient) RepoRoot(ctx context.Context) (string, error)             { return "/repo", nil }
func (fakeGitClient) CurrentBranch(ctx context.Context) (string, error)       { return "main", nil }
func (fakeGitClient) HeadSHA(ctx context.Context, path string) (string, error) { return "sha1", nil }
func (fakeGitClient) IsClean(ctx context.Context, path string) (bool, error)   { return true, nil }
func (fakeGitClient) Status(ctx context.Context, path string) (*core.GitStatus, error) {
	return &core.GitStatus{Branch: "main"}, nil
}

type fakeGitClientFactory struct{}

func (fakeGitClientFactory) NewClient(repoPath string) (core.GitClient, error) {
	return fakeGitClient{}, nil
}

func buildOrchestrator(merge merger) (*Orchestrator, *fakeRepository, *fakeStore) {
	repo := newFakeRepository()
	store := newFakeStore()
	admission := coordinator.NewAdmissionScheduler(4, nil)
	evidence := workflow.NewEvidenceGuard(store, nil)
	rounds := workflow.NewRoundExecutor(fakeGateway{}, evidence, store, fakeRunner{}, nil)
	consensus := workflow.NewConsensusMachine(fakeGateway{}, store, nil)
	preflight := workflow.NewPreflightRiskGate(store, nil)
	promotion := workflow.NewPromotionGuard(fakeGitClientFactory{}, store, nil)

	var coordMerger interface {
		Merge(ctx context.Context, task *core.Task) error
	}
	if merge != nil {
		coordMerger = merge
	}
	tasks := coordinator.NewTaskCoordinator(repo, store, admission, nil, coordMerger, consensus, rounds, preflight, evidence, promotion, nil)

	o := New(repo, store, tasks, evidence, promotion, merge, nil)
	return o, repo, store
}

func testTask() *core.Task {
	task := core.NewTask("t1", "fix parser", "claude#primary", []core.ParticipantID{"codex#reviewer"}).
		WithWorkspacePath("/work/t1")
	task.Strategy.SelfLoopMode = true
	task.Strategy.MaxRounds = 1
	task.Strategy.TestCommand = "run-tests"
	task.Strategy.LintCommand = "run-lint"
	return task
}

func TestOrchestrator_CreateTaskRejectsDestructiveCommand(t *testing.T) {
	o, _, _ := buildOrchestrator(nil)
	task := testTask()
	task.Strategy.LintCommand = "rm -rf /"

	if err := o.CreateTask(context.Background(), task); err == nil {
		t.Fatalf("expected CreateTask to reject a destructive lint_command")
	}
}

func TestOrchestrator_CreateTaskStampsFingerprint(t *testing.T) {
	o, repo, _ := buildOrchestrator(nil)
	task := testTask()
	task.WorkspacePath = t.TempDir()

	if err := o.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, err := repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.WorkspaceFingerprint == "" {
		t.Fatalf("expected CreateTask to stamp a workspace fingerprint")
	}
}

func TestOrchestrator_StartTaskRejectsNonQueuedTask(t *testing.T) {
	o, repo, _ := buildOrchestrator(nil)
	task := testTask()
	task.MarkRunning()
	repo.put(task)

	if err := o.StartTask(context.Background(), task.ID, false); err == nil {
		t.Fatalf("expected StartTask to reject an already-running task")
	}
}

func TestOrchestrator_StartTaskSynchronousRunsToCompletion(t *testing.T) {
	o, repo, _ := buildOrchestrator(nil)
	task := testTask()
	repo.put(task)

	if err := o.StartTask(context.Background(), task.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, err := o.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != core.StatusPassed {
		t.Fatalf("expected passed, got %s/%s", stored.Status, stored.LastGateReason)
	}
}

func TestOrchestrator_ForceFailIsIdempotentOnTerminalTask(t *testing.T) {
	o, repo, _ := buildOrchestrator(nil)
	task := testTask()
	task.MarkRunning()
	task.MarkFailedSystem(core.GateReasonOperatorReason)
	repo.put(task)

	if err := o.ForceFail(context.Background(), task.ID, "already terminal"); err != nil {
		t.Fatalf("expected ForceFail to be a no-op on a terminal task, got error: %v", err)
	}
}

func TestOrchestrator_SubmitAuthorDecisionApproveRequeues(t *testing.T) {
	o, repo, _ := buildOrchestrator(nil)
	task := testTask()
	task.MarkRunning()
	task.MarkWaitingManual(core.GateReasonAuthorConfirmationRequired)
	repo.put(task)

	if err := o.SubmitAuthorDecision(context.Background(), task.ID, core.DecisionApprove, "looks good", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, err := o.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != core.StatusQueued {
		t.Fatalf("expected queued after approve, got %s", stored.Status)
	}
	if stored.Decision == nil || stored.Decision.Kind != core.DecisionApprove {
		t.Fatalf("expected the approve decision to be recorded")
	}
}

func TestOrchestrator_SubmitAuthorDecisionRejectCancels(t *testing.T) {
	o, repo, _ := buildOrchestrator(nil)
	task := testTask()
	task.MarkRunning()
	task.MarkWaitingManual(core.GateReasonAuthorConfirmationRequired)
	repo.put(task)

	if err := o.SubmitAuthorDecision(context.Background(), task.ID, core.DecisionReject, "not this", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, err := o.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != core.StatusCanceled {
		t.Fatalf("expected canceled after reject, got %s", stored.Status)
	}
}

func TestOrchestrator_SubmitAuthorDecisionRejectsWrongState(t *testing.T) {
	o, repo, _ := buildOrchestrator(nil)
	task := testTask()
	repo.put(task) // still queued

	if err := o.SubmitAuthorDecision(context.Background(), task.ID, core.DecisionApprove, "", false); err == nil {
		t.Fatalf("expected SubmitAuthorDecision to reject a task that isn't waiting_manual")
	}
}

func TestOrchestrator_PromoteRoundRejectsWhenNotTerminal(t *testing.T) {
	o, repo, _ := buildOrchestrator(&fakeMerger{})
	task := testTask()
	task.Strategy.MaxRounds = 3
	repo.put(task) // still queued, not terminal

	if err := o.PromoteRound(context.Background(), task.ID, 1, "/target"); err == nil {
		t.Fatalf("expected PromoteRound to reject a non-terminal task")
	}
}

func TestOrchestrator_PromoteRoundRejectsSingleRoundAutoMergeConfig(t *testing.T) {
	o, repo, _ := buildOrchestrator(&fakeMerger{})
	task := testTask() // MaxRounds=1
	task.MarkRunning()
	task.MarkFailedGate(core.GateReasonVerificationFailed)
	repo.put(task)

	if err := o.PromoteRound(context.Background(), task.ID, 1, "/target"); err == nil {
		t.Fatalf("expected PromoteRound to reject a max_rounds=1 task")
	}
}

func TestOrchestrator_PromoteRoundMergesOnGuardsPassing(t *testing.T) {
	merge := &fakeMerger{}
	o, repo, store := buildOrchestrator(merge)
	task := testTask()
	task.Strategy.MaxRounds = 3
	task.RoundsCompleted = 1
	task.MarkRunning()
	task.MarkFailedGate(core.GateReasonVerificationFailed)
	repo.put(task)

	store.artifacts[core.RoundArtifactPath(1)] = []byte(`{"Commands":{"test":{"Ran":true},"lint":{"Ran":true}}}`)
	store.artifacts[core.EvidenceBundlePath(1)] = []byte(`{"test":{"Ran":true}}`)

	if err := o.PromoteRound(context.Background(), task.ID, 1, "/target"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !merge.called || merge.targetSeen != "/target" {
		t.Fatalf("expected the merger to be invoked against the requested target path")
	}
	if _, err := store.ReadArtifact(context.Background(), task.ID, core.RoundPromoteSummaryPath(1)); err != nil {
		t.Fatalf("expected a promote summary artifact, got error: %v", err)
	}
}

func TestOrchestrator_GetEventsFallsBackToStore(t *testing.T) {
	o, repo, store := buildOrchestrator(nil)
	task := testTask()
	repo.put(task)
	store.events = append(store.events, core.NewEvent(task.ID, core.EventCreated, nil))

	events, err := o.GetEvents(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected GetEvents to fall back to the artifact store, got %d events", len(events))
	}
}
