package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task.
type TaskID string

// NewTaskID mints a fresh, globally unique task identifier. Callers that
// already have a caller-supplied or externally-derived ID (tests, replays,
// idempotent API retries) should construct the TaskID directly instead.
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// TaskStatus is the task's state-variable per §3/§4.I.
type TaskStatus string

const (
	StatusQueued        TaskStatus = "queued"
	StatusRunning        TaskStatus = "running"
	StatusWaitingManual TaskStatus = "waiting_manual"
	StatusPassed        TaskStatus = "passed"
	StatusFailedGate    TaskStatus = "failed_gate"
	StatusFailedSystem  TaskStatus = "failed_system"
	StatusCanceled      TaskStatus = "canceled"
)

// allowedTransitions is the exhaustive state graph from §4.I. Any transition
// not present here is rejected by UpdateTaskStatusIf, not just by this
// in-memory helper — the repository re-checks it at the SQL layer too.
var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusQueued: {
		StatusRunning:  true,
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusWaitingManual: true,
		StatusPassed:        true,
		StatusFailedGate:    true,
		StatusFailedSystem:  true,
		StatusCanceled:      true,
	},
	StatusWaitingManual: {
		StatusQueued:       true, // approve or revise
		StatusCanceled:     true, // reject
		StatusFailedSystem: true, // force_fail
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge in
// the task state graph.
func CanTransition(from, to TaskStatus) bool {
	return allowedTransitions[from][to]
}

// IsTerminalStatus reports whether s is one of the four terminal states.
func IsTerminalStatus(s TaskStatus) bool {
	switch s {
	case StatusPassed, StatusFailedGate, StatusFailedSystem, StatusCanceled:
		return true
	default:
		return false
	}
}

// AuthorDecisionKind is the closed set of decisions an author (human
// operator acting on the author's behalf, per §4.K) can submit while a task
// is waiting_manual.
type AuthorDecisionKind string

const (
	DecisionApprove AuthorDecisionKind = "approve"
	DecisionReject  AuthorDecisionKind = "reject"
	DecisionRevise  AuthorDecisionKind = "revise"
)

// AuthorDecision records the outcome of a SubmitAuthorDecision call.
type AuthorDecision struct {
	Kind      AuthorDecisionKind
	Note      string
	Timestamp time.Time
}

// Task is the unit of work driven by the Task Coordinator.
type Task struct {
	// Identity.
	ID          TaskID
	Title       string
	Description string

	// Scope.
	WorkspacePath   string
	SandboxPath     string // empty until the Sandbox Manager allocates one, unless SandboxMode=0
	MergeTargetPath string

	// Participants.
	Author    ParticipantID
	Reviewers []ParticipantID

	// Strategy (immutable after create).
	Strategy StrategyOptions

	// Runtime.
	Status              TaskStatus
	RoundsCompleted      int
	LastGateReason       GateReason
	WorkspaceFingerprint string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	TerminatedAt         *time.Time

	// Decision.
	Decision *AuthorDecision
}

// NewTask constructs a queued task from validated identity/scope/participant
// fields. Strategy defaults are DefaultStrategyOptions(); callers override
// via the With* methods before calling Validate.
func NewTask(id TaskID, title string, author ParticipantID, reviewers []ParticipantID) *Task {
	now := time.Now()
	return &Task{
		ID:        id,
		Title:     title,
		Author:    author,
		Reviewers: reviewers,
		Strategy:  DefaultStrategyOptions(),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t *Task) WithDescription(desc string) *Task {
	t.Description = desc
	return t
}

func (t *Task) WithWorkspacePath(path string) *Task {
	t.WorkspacePath = path
	return t
}

func (t *Task) WithMergeTargetPath(path string) *Task {
	t.MergeTargetPath = path
	return t
}

func (t *Task) WithStrategy(opts StrategyOptions) *Task {
	t.Strategy = opts
	return t
}

func (t *Task) WithFingerprint(fp string) *Task {
	t.WorkspaceFingerprint = fp
	return t
}

// Validate checks the identity/scope/participant invariants required before
// a task may be persisted by CreateTask.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task id cannot be empty")
	}
	if t.Title == "" {
		return ErrValidation("TASK_TITLE_REQUIRED", "task title cannot be empty")
	}
	if t.WorkspacePath == "" {
		return ErrValidation("TASK_WORKSPACE_REQUIRED", "workspace_path cannot be empty")
	}
	if err := ValidateParticipants(t.Author, t.Reviewers); err != nil {
		return err
	}
	if err := t.Strategy.Validate(); err != nil {
		return err
	}
	if t.Strategy.AutoMerge && t.MergeTargetPath == "" {
		return ErrValidation(CodeInvalidConfig, "merge_target_path is required when auto_merge=1")
	}
	return nil
}

// transition applies a status change, enforcing the state graph and
// stamping UpdatedAt/TerminatedAt. It is the in-memory mirror of the
// repository's UpdateTaskStatusIf compare-and-set; both must agree.
func (t *Task) transition(to TaskStatus, reason GateReason) error {
	if !CanTransition(t.Status, to) {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot transition task from %s to %s", t.Status, to))
	}
	t.Status = to
	t.LastGateReason = reason
	t.UpdatedAt = time.Now()
	if IsTerminalStatus(to) {
		now := t.UpdatedAt
		t.TerminatedAt = &now
	} else {
		t.TerminatedAt = nil
	}
	return nil
}

func (t *Task) MarkRunning() error {
	return t.transition(StatusRunning, GateReasonNone)
}

func (t *Task) MarkWaitingManual(reason GateReason) error {
	return t.transition(StatusWaitingManual, reason)
}

func (t *Task) MarkPassed() error {
	return t.transition(StatusPassed, GateReasonPassed)
}

func (t *Task) MarkFailedGate(reason GateReason) error {
	return t.transition(StatusFailedGate, reason)
}

func (t *Task) MarkFailedSystem(reason GateReason) error {
	return t.transition(StatusFailedSystem, reason)
}

func (t *Task) MarkCanceled(reason GateReason) error {
	return t.transition(StatusCanceled, reason)
}

// Requeue moves a waiting_manual task back to queued on approve/revise.
func (t *Task) Requeue(reason GateReason) error {
	return t.transition(StatusQueued, reason)
}

// IsTerminal reports whether the task is in one of the four terminal states.
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// IsSuccess reports whether the task reached passed.
func (t *Task) IsSuccess() bool {
	return t.Status == StatusPassed
}

// Duration returns elapsed time since creation, or until termination if the
// task has already reached a terminal state.
func (t *Task) Duration() time.Duration {
	end := time.Now()
	if t.TerminatedAt != nil {
		end = *t.TerminatedAt
	}
	return end.Sub(t.CreatedAt)
}
