package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/service"
)

// issueSummaryRepeatThreshold is the Jaccard similarity above which two
// rounds' reviewer issue summaries count as "the same complaints, reworded"
// rather than genuinely new findings — a softer repeat signal than
// combinedIssueSignature's exact-match fingerprint, which misses a
// reviewer restating the same blocker in different words each round.
const issueSummaryRepeatThreshold = 0.75

// loopProgressShiftLimit is K from 4.H: the number of consecutive identical
// implementation+review fingerprints (each already answered with a
// strategy_shifted hint) tolerated before a round escalates to
// loop_no_progress. Matches the Open Question decision recorded in
// DESIGN.md.
const loopProgressShiftLimit = 2

// RoundResult is the outcome of one Round Executor pass, consumed by the
// Task Coordinator's round loop (4.I).
type RoundResult struct {
	Passed bool
	Reason core.GateReason
	Detail string

	// ShiftHint is non-empty when this round detected no forward progress;
	// the Task Coordinator seeds it into the next round's discussion prompt.
	ShiftHint string

	// Outputs is the RoundOutputs this round's Evidence Guard check was run
	// against, retained so the Task Coordinator's auto-merge step can
	// re-invoke the Evidence Guard ("no evidence, no merge", 4.F) without
	// re-running verification.
	Outputs core.RoundOutputs
}

// loopProgress is the Round Executor's per-task, cross-round memory: the
// fingerprints of the previous round's implementation summary and combined
// review signature, the run of consecutive repeats, and the set of issue ids
// the next round's reviewers must explicitly check off.
type loopProgress struct {
	implementationFP   string
	reviewFP           string
	issueSummaries     []string
	consecutiveRepeats int
	requiredIssueIDs   []string
}

// RoundExecutor implements the Round Executor (4.H): one full
// discussion → implementation → review → verification → gate cycle,
// activated once a task is in full-workflow mode (self_loop_mode=1, or after
// manual approval out of the Proposal Consensus Machine).
// commandExecutor is the subset of CommandRunner's behavior the Round
// Executor depends on; tests substitute a fake to avoid shelling out.
type commandExecutor interface {
	Run(ctx context.Context, workDir, command string, timeout time.Duration) CommandResult
}

var _ commandExecutor = (*CommandRunner)(nil)

type RoundExecutor struct {
	gateway  core.Gateway
	evidence core.EvidenceGuard
	store    core.ArtifactStore
	runner   commandExecutor
	logger   *logging.Logger

	mu       sync.Mutex
	progress map[core.TaskID]*loopProgress
}

func NewRoundExecutor(gateway core.Gateway, evidence core.EvidenceGuard, store core.ArtifactStore, runner commandExecutor, logger *logging.Logger) *RoundExecutor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if runner == nil {
		runner = NewCommandRunner(logger)
	}
	return &RoundExecutor{
		gateway:  gateway,
		evidence: evidence,
		store:    store,
		runner:   runner,
		logger:   logger,
		progress: make(map[core.TaskID]*loopProgress),
	}
}

func (e *RoundExecutor) progressFor(taskID core.TaskID) *loopProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.progress[taskID]
	if !ok {
		p = &loopProgress{}
		e.progress[taskID] = p
	}
	return p
}

// Forget releases a task's loop-progress memory; the Task Coordinator calls
// this once a task reaches a terminal status.
func (e *RoundExecutor) Forget(taskID core.TaskID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.progress, taskID)
}

// Run drives one round. A non-nil error signals a system-wide failure (every
// reviewer unavailable, or an adapter misconfiguration) that the Task
// Coordinator must translate into failed_system; any lesser failure is
// returned as a non-passing RoundResult so the coordinator can inject its
// reason into the next attempt.
func (e *RoundExecutor) Run(ctx context.Context, task *core.Task, round int) (RoundResult, error) {
	progress := e.progressFor(task.ID)
	workDir := task.SandboxPath
	if workDir == "" {
		workDir = task.WorkspacePath
	}

	discussionPrompt := e.discussionPrompt(task, round, progress)
	e.emit(ctx, task.ID, core.EventDiscussionStarted, map[string]interface{}{"round": round})
	discussion, err := e.invokeAuthor(ctx, task, core.PhaseDiscussion, discussionPrompt, workDir)
	if err != nil {
		return RoundResult{}, err
	}
	if discussion.Kind != core.OutcomeOk {
		return e.outcomeFailure(discussion), nil
	}

	e.emit(ctx, task.ID, core.EventImplementationStarted, map[string]interface{}{"round": round})
	implementationPrompt := fmt.Sprintf("Implement the plan:\n\n%s", discussion.Text)
	implementation, err := e.invokeAuthor(ctx, task, core.PhaseImplementation, implementationPrompt, workDir)
	if err != nil {
		return RoundResult{}, err
	}
	if implementation.Kind != core.OutcomeOk {
		return e.outcomeFailure(implementation), nil
	}

	e.emit(ctx, task.ID, core.EventReviewStarted, map[string]interface{}{"round": round})
	review, allUnavailable := e.runReview(ctx, task, implementation.Text, workDir)
	if allUnavailable {
		return RoundResult{}, fmt.Errorf("round executor: all reviewers unavailable in round %d", round)
	}
	if review.hardFailReason != core.GateReasonNone {
		return RoundResult{Passed: false, Reason: review.hardFailReason, Detail: review.hardFailDetail}, nil
	}

	e.emit(ctx, task.ID, core.EventVerificationStarted, map[string]interface{}{"round": round})
	outputs, verification := e.runVerification(ctx, task, workDir)
	outputs.BundlePersisted = e.persistEvidenceBundle(ctx, task, round, verification) == nil

	decision, err := e.evidence.Verify(ctx, task, round, outputs)
	if err != nil {
		return RoundResult{}, fmt.Errorf("round executor: evidence guard: %w", err)
	}

	implementationFP := core.FingerprintText(implementation.Text)
	reviewFP := combinedIssueSignature(review.verdicts)
	issueSummaries := issueSummaryTokens(collectIssues(review.verdicts))
	shiftHint := e.trackLoopProgress(progress, implementationFP, reviewFP, issueSummaries)

	result := e.gateDecision(review, verification, decision)
	result.Outputs = outputs
	result.ShiftHint = shiftHint
	if shiftHint != "" {
		e.emit(ctx, task.ID, core.EventStrategyShifted, map[string]interface{}{"round": round, "hint": shiftHint})
	}
	if progress.consecutiveRepeats >= loopProgressShiftLimit {
		result.Passed = false
		result.Reason = core.GateReasonLoopNoProgress
		result.Detail = "implementation and review signatures repeated with no forward progress"
	}

	progress.requiredIssueIDs = issueIDsOf(collectIssues(review.verdicts))
	if err := e.persistRoundArtifact(ctx, task, round, result, review, verification); err != nil {
		return RoundResult{}, err
	}
	e.emit(ctx, task.ID, core.EventGateDecision, map[string]interface{}{
		"round": round, "passed": result.Passed, "reason": string(result.Reason), "detail": result.Detail,
	})

	return result, nil
}

func (e *RoundExecutor) discussionPrompt(task *core.Task, round int, progress *loopProgress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compose the plan for round %d of %q.", round, task.Title)
	if task.LastGateReason != core.GateReasonNone {
		fmt.Fprintf(&b, " Previous round ended with: %s.", task.LastGateReason)
	}
	if len(progress.requiredIssueIDs) > 0 {
		fmt.Fprintf(&b, " Must resolve outstanding issues: %s.", strings.Join(progress.requiredIssueIDs, ", "))
	}
	return b.String()
}

func (e *RoundExecutor) invokeAuthor(ctx context.Context, task *core.Task, phase core.RoundPhase, prompt, workDir string) (core.Outcome, error) {
	deadline := time.Now().Add(phaseTimeout(task.Strategy, phase))
	return e.gateway.Invoke(ctx, core.Participant{ID: task.Author, Role: core.RoleAuthor}, phase, prompt,
		core.InvokeResources{WorkDir: workDir}, deadline)
}

// outcomeFailure maps a non-Ok author outcome to a non-terminal round
// failure; the Task Coordinator injects this reason into the next attempt
// rather than failing the task outright (single-author outages are not the
// system-wide failures 4.H reserves failed_system for).
func (e *RoundExecutor) outcomeFailure(outcome core.Outcome) RoundResult {
	switch outcome.Kind {
	case core.OutcomeTimeout:
		return RoundResult{Reason: core.GateReasonCommandTimeout, Detail: fmt.Sprintf("author timed out after %s", outcome.After)}
	case core.OutcomeNotFound:
		return RoundResult{Reason: core.GateReasonCommandNotFound, Detail: "author provider not found"}
	case core.OutcomeProviderLimit:
		return RoundResult{Reason: core.GateReasonProviderLimit, Detail: outcome.Detail}
	default:
		return RoundResult{Reason: core.GateReasonCommandNotFound, Detail: outcome.Detail}
	}
}

// reviewStepResult collects every reviewer's verdict plus any hard-fail
// reason that must short-circuit the gate decision per 4.H step 4.
type reviewStepResult struct {
	verdicts       []core.ReviewVerdict
	hardFailReason core.GateReason
	hardFailDetail string
}

// runReview fans out to every reviewer in parallel. Unlike the Consensus
// Machine's precheck/review steps, a single reviewer outage here degrades
// that reviewer to an `unknown` verdict and the round continues — only when
// every reviewer is unavailable does this escalate to a system-wide failure
// (signaled by the second return value).
func (e *RoundExecutor) runReview(ctx context.Context, task *core.Task, proposal, workDir string) (reviewStepResult, bool) {
	prompt := fmt.Sprintf("Review this implementation for %q:\n\n%s\n\nReturn a structured verdict (JSON: verdict, issues[], issue_checks[], reason).", task.Title, proposal)
	deadline := time.Now().Add(phaseTimeout(task.Strategy, core.PhaseReview))

	verdicts := make([]core.ReviewVerdict, len(task.Reviewers))
	available := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, reviewerID := range task.Reviewers {
		wg.Add(1)
		go func(i int, reviewerID core.ParticipantID) {
			defer wg.Done()
			outcome, err := e.gateway.Invoke(ctx, core.Participant{ID: reviewerID, Role: core.RoleReviewer}, core.PhaseReview, prompt,
				core.InvokeResources{WorkDir: workDir}, deadline)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || outcome.Kind != core.OutcomeOk {
				verdicts[i] = core.ReviewVerdict{ReviewerID: reviewerID, Verdict: core.VerdictUnknown}
				return
			}
			available++
			verdict := core.ParseVerdict(outcome.Text)
			verdict.ReviewerID = reviewerID
			verdicts[i] = verdict
		}(i, reviewerID)
	}
	wg.Wait()

	if len(task.Reviewers) > 0 && available == 0 {
		return reviewStepResult{}, true
	}

	progress := e.progressFor(task.ID)
	if len(progress.requiredIssueIDs) > 0 {
		if reason, detail := checkRequiredIssues(progress.requiredIssueIDs, verdicts); reason != core.GateReasonNone {
			return reviewStepResult{verdicts: verdicts, hardFailReason: reason, hardFailDetail: detail}, false
		}
	}
	return reviewStepResult{verdicts: verdicts}, false
}

// checkRequiredIssues enforces 4.H step 4: every previously-raised issue id
// must be covered by some reviewer's issue_checks[]; any id not resolved as
// covered is an unresolved-issue hard fail.
func checkRequiredIssues(required []string, verdicts []core.ReviewVerdict) (core.GateReason, string) {
	checked := make(map[string]bool)
	for _, v := range verdicts {
		for _, id := range v.IssueChecks {
			checked[id] = true
		}
	}
	var missing []string
	for _, id := range required {
		if !checked[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return core.GateReasonNone, ""
	}
	if len(missing) == len(required) {
		return core.GateReasonReviewIssueChecksMissing, fmt.Sprintf("no issue_checks[] entries for required ids: %s", strings.Join(missing, ", "))
	}
	return core.GateReasonReviewIssueUnresolved, fmt.Sprintf("issue_checks[] missing coverage for: %s", strings.Join(missing, ", "))
}

func issueIDsOf(issues []core.Issue) []string {
	ids := make([]string, 0, len(issues))
	for _, issue := range issues {
		ids = append(ids, issue.IssueID)
	}
	return ids
}

// issueSummaryTokens flattens every reviewer issue summary into its
// normalized word set, so two rounds' summaries can be compared by
// service.JaccardSimilarity at the word level rather than requiring a
// byte-for-byte match — a reviewer rephrasing "nil pointer on empty slice"
// as "panics when slice is empty" still scores as highly similar.
func issueSummaryTokens(issues []core.Issue) []string {
	var tokens []string
	for _, issue := range issues {
		if issue.Summary == "" {
			continue
		}
		tokens = append(tokens, strings.Fields(service.NormalizeText(issue.Summary))...)
	}
	return tokens
}

// runVerification executes the task's configured test and lint commands and
// builds the RoundOutputs the Evidence Guard inspects.
func (e *RoundExecutor) runVerification(ctx context.Context, task *core.Task, workDir string) (core.RoundOutputs, map[string]CommandResult) {
	timeout := phaseTimeout(task.Strategy, core.PhaseVerification)
	results := make(map[string]CommandResult)
	var required, evidence []string

	if task.Strategy.TestCommand != "" {
		result := e.runner.Run(ctx, workDir, task.Strategy.TestCommand, timeout)
		results["test"] = result
		required = append(required, "test")
		if result.Ran {
			evidence = append(evidence, "test_output.log")
		}
	}
	if task.Strategy.LintCommand != "" {
		result := e.runner.Run(ctx, workDir, task.Strategy.LintCommand, timeout)
		results["lint"] = result
		required = append(required, "lint")
		if result.Ran {
			evidence = append(evidence, "lint_output.log")
		}
	}

	return core.RoundOutputs{
		VerificationRan:  len(required) > 0,
		EvidencePaths:    evidence,
		RequiredEvidence: required,
	}, results
}

// persistEvidenceBundle writes the round's command tail output to the
// canonical evidence-bundle path so the Evidence Guard's BundlePersisted
// check reflects a real, durable artifact rather than an in-memory flag.
func (e *RoundExecutor) persistEvidenceBundle(ctx context.Context, task *core.Task, round int, results map[string]CommandResult) error {
	if e.store == nil {
		return nil
	}
	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("round executor: marshal evidence bundle: %w", err)
	}
	if err := e.store.WriteArtifact(ctx, task.ID, core.EvidenceBundlePath(round), payload); err != nil {
		e.logger.Warn("round executor: failed to persist evidence bundle", "task_id", task.ID, "round", round, "error", err)
		return err
	}
	return nil
}

// gateDecision implements 4.H step 6's medium policy: passes iff every
// reviewer returned no_blocker, every configured command exited zero, and
// the Evidence Guard passed.
func (e *RoundExecutor) gateDecision(review reviewStepResult, verification map[string]CommandResult, evidenceDecision core.GuardDecision) RoundResult {
	if !allNoBlocker(review.verdicts) {
		return RoundResult{Passed: false, Reason: core.GateReasonReviewBlocker, Detail: "one or more reviewers returned blocker or unknown"}
	}
	for name, result := range verification {
		if result.TimedOut {
			return RoundResult{Passed: false, Reason: core.GateReasonCommandTimeout, Detail: fmt.Sprintf("%s command timed out", name)}
		}
		if !result.Passed() {
			return RoundResult{Passed: false, Reason: core.GateReasonVerificationFailed, Detail: fmt.Sprintf("%s command exited %d: %s", name, result.ExitCode, result.Tail)}
		}
	}
	if !evidenceDecision.Passed {
		return RoundResult{Passed: false, Reason: evidenceDecision.Reason, Detail: evidenceDecision.Detail}
	}
	return RoundResult{Passed: true, Reason: core.GateReasonPassed}
}

// trackLoopProgress updates the task's cross-round fingerprint memory and
// returns a non-empty next-round hint whenever a round made no forward
// progress on the previous one. A round repeats either when its
// implementation and review fingerprints match verbatim, or when the
// implementation is unchanged and the reviewers' issue summaries are near-
// duplicates of last round's (Jaccard similarity above
// issueSummaryRepeatThreshold) — catching a reviewer that restates the same
// blocker in different words each round, which an exact fingerprint match
// would miss.
func (e *RoundExecutor) trackLoopProgress(progress *loopProgress, implementationFP, reviewFP string, issueSummaries []string) string {
	exactRepeat := progress.implementationFP != "" && progress.implementationFP == implementationFP && progress.reviewFP == reviewFP
	nearRepeat := !exactRepeat && progress.implementationFP != "" && progress.implementationFP == implementationFP &&
		service.JaccardSimilarity(progress.issueSummaries, issueSummaries) >= issueSummaryRepeatThreshold
	repeated := exactRepeat || nearRepeat

	progress.implementationFP = implementationFP
	progress.reviewFP = reviewFP
	progress.issueSummaries = issueSummaries
	if !repeated {
		progress.consecutiveRepeats = 0
		return ""
	}
	progress.consecutiveRepeats++
	switch progress.consecutiveRepeats % 3 {
	case 1:
		return "narrow the change scope to the smallest file set that addresses the open issues"
	case 2:
		return "add diagnostics or logging around the failing assertion before retrying"
	default:
		return "reconsider the approach entirely; the current strategy is not converging"
	}
}

type roundArtifact struct {
	Round      int                    `json:"round"`
	Passed     bool                   `json:"passed"`
	Reason     core.GateReason        `json:"reason"`
	Detail     string                 `json:"detail,omitempty"`
	Verdicts   []core.ReviewVerdict   `json:"verdicts"`
	Commands   map[string]CommandResult `json:"commands"`
}

func (e *RoundExecutor) persistRoundArtifact(ctx context.Context, task *core.Task, round int, result RoundResult, review reviewStepResult, verification map[string]CommandResult) error {
	if e.store == nil {
		return nil
	}
	payload, err := json.MarshalIndent(roundArtifact{
		Round:    round,
		Passed:   result.Passed,
		Reason:   result.Reason,
		Detail:   result.Detail,
		Verdicts: review.verdicts,
		Commands: verification,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("round executor: marshal round artifact: %w", err)
	}
	if err := e.store.WriteArtifact(ctx, task.ID, core.RoundArtifactPath(round), payload); err != nil {
		return fmt.Errorf("round executor: write round artifact: %w", err)
	}
	if task.Strategy.MaxRounds > 1 && !task.Strategy.AutoMerge {
		if err := e.store.WriteArtifact(ctx, task.ID, core.RoundReportPath(round), []byte(roundReportMarkdown(round, result))); err != nil {
			return fmt.Errorf("round executor: write round report: %w", err)
		}
		snapshotManifest := fmt.Sprintf("round %d snapshot placeholder — workspace contents are copied by the Sandbox Manager\n", round)
		if err := e.store.WriteArtifact(ctx, task.ID, core.RoundSnapshotDir(round)+"/MANIFEST.txt", []byte(snapshotManifest)); err != nil {
			return fmt.Errorf("round executor: write round snapshot manifest: %w", err)
		}
	}
	return nil
}

func roundReportMarkdown(round int, result RoundResult) string {
	status := "failed"
	if result.Passed {
		status = "passed"
	}
	return fmt.Sprintf("# Round %d\n\nStatus: %s\nReason: %s\nDetail: %s\n", round, status, result.Reason, result.Detail)
}

func (e *RoundExecutor) emit(ctx context.Context, taskID core.TaskID, kind core.EventKind, payload map[string]interface{}) {
	if e.store == nil {
		return
	}
	event := core.NewEvent(taskID, kind, payload)
	if err := e.store.AppendEvent(ctx, taskID, event); err != nil {
		e.logger.Warn("round executor: failed to append event", "task_id", taskID, "kind", kind, "error", err)
	}
}
