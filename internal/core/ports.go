package core

import (
	"context"
	"time"
)

// =============================================================================
// Participant Gateway port (4.A)
// =============================================================================

// OutcomeKind classifies the result of one Gateway.Invoke call. The gateway
// never raises; every failure mode is a structural Outcome value.
type OutcomeKind string

const (
	OutcomeOk            OutcomeKind = "ok"
	OutcomeTimeout       OutcomeKind = "timeout"
	OutcomeNotFound      OutcomeKind = "not_found"
	OutcomeProviderLimit OutcomeKind = "provider_limit"
	OutcomeRuntimeError  OutcomeKind = "runtime_error"
)

// StreamEvent is one chunk forwarded from an adapter while stream_mode=1.
type StreamEvent struct {
	ParticipantID ParticipantID
	Chunk         string
	Timestamp     time.Time
}

// Outcome is the sum type returned by Gateway.Invoke.
type Outcome struct {
	Kind         OutcomeKind
	Text         string        // set when Kind == OutcomeOk
	StreamEvents []StreamEvent // set when Kind == OutcomeOk and stream_mode=1
	After        time.Duration // set when Kind == OutcomeTimeout
	Detail       string        // set when Kind is ProviderLimit or RuntimeError
}

func (o Outcome) Ok() bool { return o.Kind == OutcomeOk }

// InvokeResources bundles the filesystem/context the adapter runs against.
type InvokeResources struct {
	WorkDir string
	EnvVars map[string]string
}

// Gateway exposes uniform invocation of external participant processes.
type Gateway interface {
	Invoke(ctx context.Context, participant Participant, phase RoundPhase, prompt string, resources InvokeResources, deadline time.Time) (Outcome, error)
}

// =============================================================================
// Task Repository port (4.C)
// =============================================================================

// Repository persists tasks, per-task events, and the project-history
// ledger. All status transitions route through UpdateTaskStatusIf.
type Repository interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	ListTasks(ctx context.Context, limit int) ([]*Task, error)
	DeleteTask(ctx context.Context, id TaskID) error

	// UpdateTaskStatusIf performs a single-statement compare-and-set: it
	// succeeds only if the task's current status equals expected, and
	// returns ErrConflict otherwise.
	UpdateTaskStatusIf(ctx context.Context, id TaskID, expected, next TaskStatus, reason GateReason) error

	// UpdateTaskProgress persists the Task Coordinator's round-loop progress
	// (rounds_completed, last_gate_reason) without a status transition, so
	// the (status, last_gate_reason, rounds_completed) triple 4.C promises
	// stays consistent for readers polling a task mid-round. Only legal
	// while the task is running; a task that raced to a terminal status in
	// the meantime returns ErrConflict.
	UpdateTaskProgress(ctx context.Context, id TaskID, roundsCompleted int, reason GateReason) error

	// RecordAuthorDecision persists a waiting_manual task's approve/reject/
	// revise decision alongside the status transition SubmitAuthorDecision
	// (4.K) applies via UpdateTaskStatusIf. A separate method because the
	// decision is independent, append-style state rather than part of the
	// (status, reason) pair UpdateTaskStatusIf's CAS guards.
	RecordAuthorDecision(ctx context.Context, id TaskID, decision AuthorDecision) error

	// AppendEvent allocates the next per-task seq under a uniqueness
	// constraint on (task_id, seq) and durably persists the event before
	// returning.
	AppendEvent(ctx context.Context, event Event) (Event, error)
	ListEvents(ctx context.Context, taskID TaskID) ([]Event, error)

	QueryProjectHistory(ctx context.Context, project string) (*ProjectHistoryEntry, error)
	RecordProjectHistory(ctx context.Context, entry ProjectHistoryEntry) error
}

// ProjectHistoryEntry is the per-project aggregation of terminated tasks.
type ProjectHistoryEntry struct {
	Project      string
	CoreFindings []string
	Revisions    int
	Disputes     int
	NextSteps    []string
	UpdatedAt    time.Time
}

// =============================================================================
// Artifact Store port (4.B)
// =============================================================================

// ArtifactStore provides path-traversal-safe, durable-before-return access
// to a task's artifact tree, and a fallback event log reconstruction path
// for when the repository row is unavailable.
type ArtifactStore interface {
	AppendEvent(ctx context.Context, taskID TaskID, event Event) error
	ReadEvents(ctx context.Context, taskID TaskID) ([]Event, error)
	WriteArtifact(ctx context.Context, taskID TaskID, relPath string, data []byte) error
	ReadArtifact(ctx context.Context, taskID TaskID, relPath string) ([]byte, error)
}

// =============================================================================
// Sandbox Manager port (4.D)
// =============================================================================

// SandboxManager allocates and tears down per-task filtered workspace
// copies.
type SandboxManager interface {
	Allocate(ctx context.Context, task *Task) (string, error)
	Cleanup(ctx context.Context, task *Task) error
}

// =============================================================================
// Promotion Guard / Evidence Guard ports (4.E / 4.F)
// =============================================================================

// GuardDecision is the structured result of a guard check.
type GuardDecision struct {
	Passed bool
	Reason GateReason
	Detail string
}

// PromotionGuard validates branch/cleanliness/head-SHA invariants before any
// write-back to the primary workspace.
type PromotionGuard interface {
	Check(ctx context.Context, task *Task, targetPath string) (GuardDecision, error)
}

// EvidenceGuard runs the pre-completion checklist: verification executed,
// evidence paths present, bundle persisted.
type EvidenceGuard interface {
	Verify(ctx context.Context, task *Task, round int, outputs RoundOutputs) (GuardDecision, error)
}

// RoundOutputs is the set of per-phase outputs the Evidence Guard inspects.
type RoundOutputs struct {
	VerificationRan   bool
	EvidencePaths     []string
	RequiredEvidence  []string
	BundlePersisted   bool
}

// PreflightRiskGate screens a task's configured commands for destructive
// patterns before any sandbox is allocated or adapter is invoked (4.I).
type PreflightRiskGate interface {
	Check(ctx context.Context, task *Task) (GuardDecision, error)
}

// =============================================================================
// GitClient port — used by the Sandbox Manager and Promotion Guard.
// =============================================================================

// GitClient defines the git operations the Sandbox Manager and Promotion
// Guard need: branch/head inspection and cleanliness checks. It is
// deliberately narrower than a general-purpose git client port — this
// system never creates PRs or pushes on the caller's behalf.
type GitClient interface {
	RepoRoot(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	HeadSHA(ctx context.Context, path string) (string, error)
	IsClean(ctx context.Context, path string) (bool, error)
	Status(ctx context.Context, path string) (*GitStatus, error)
}

// GitClientFactory builds a GitClient bound to a specific repository path.
// The Promotion Guard uses it to inspect a task's workspace_path and
// merge_target_path, which are not known until a task is admitted.
type GitClientFactory interface {
	NewClient(repoPath string) (GitClient, error)
}

// GitStatus represents the status of a git repository.
type GitStatus struct {
	Branch       string
	Staged       []FileStatus
	Unstaged     []FileStatus
	Untracked    []string
	HasConflicts bool
}

// FileStatus represents a file's git status.
type FileStatus struct {
	Path   string
	Status string // M, A, D, R, C, U
}

// =============================================================================
// VCSMeta port — optional, best-effort GitHub branch-allow-list resolution
// used by the Promotion Guard (DESIGN.md: google/go-github wiring).
// =============================================================================

// VCSMeta resolves hosting-provider metadata the Promotion Guard can use to
// enrich its branch allow-list decision. A lookup failure here must never
// block local-only promotion — callers treat errors as "no additional
// metadata available", not as a guard failure.
type VCSMeta interface {
	AllowedBranches(ctx context.Context, owner, repo string) ([]string, error)
	CheckStatus(ctx context.Context, owner, repo, ref string) (*CheckStatus, error)
}

// CheckStatus represents the combined status of hosted CI checks for a ref.
type CheckStatus struct {
	State      string // pending, success, failure, error
	TotalCount int
	Passed     int
	Failed     int
}

func (cs *CheckStatus) IsSuccess() bool {
	return cs.State == "success" && cs.Failed == 0
}
