package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// maxConsensusRetries is the per-round retry cap from 4.G: exceeding it
// terminates the round with proposal_consensus_stalled_in_round.
const maxConsensusRetries = 10

// crossRoundRepeatLimit is the number of consecutive retries sharing an
// identical issue signature that terminates the machine with
// proposal_consensus_stalled_across_rounds. Per 4.G this only applies when
// the task is configured for more than one round — with max_rounds=1 there
// is no "next round" for the signature to repeat across, so that guard is
// structurally disabled and the in-round retry cap is the only way out (see
// DESIGN.md for this Open Question resolution).
const crossRoundRepeatLimit = 4

// ConsensusMachine implements the Proposal Consensus Machine (4.G): a
// reviewer-precheck, author-proposal, reviewer-review cycle that runs before
// a task's first full round, always handing off to waiting_manual — either
// because consensus was reached or because a stall guard tripped.
type ConsensusMachine struct {
	gateway core.Gateway
	store   core.ArtifactStore
	logger  *logging.Logger
}

func NewConsensusMachine(gateway core.Gateway, store core.ArtifactStore, logger *logging.Logger) *ConsensusMachine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ConsensusMachine{gateway: gateway, store: store, logger: logger}
}

// ConsensusResult is always a hand-off to waiting_manual; Reason distinguishes
// a clean consensus from one of the stall/unavailable exits.
type ConsensusResult struct {
	Reason  core.GateReason
	Retries int
}

// Run drives the consensus cycle for a task that has not yet received
// manual approval. It never transitions the task itself — the caller
// (Task Coordinator) applies the returned reason to a waiting_manual
// transition.
func (m *ConsensusMachine) Run(ctx context.Context, task *core.Task) (ConsensusResult, error) {
	precheckVerdicts, available := m.invokeReviewers(ctx, task, StepReviewerPrecheckPhase, m.precheckPrompt(task))
	m.emit(ctx, task.ID, core.EventProposalPrecheckReview, map[string]interface{}{"verdicts": precheckVerdicts})
	if !available {
		m.emit(ctx, task.ID, core.EventProposalPrecheckUnavailable, nil)
		return ConsensusResult{Reason: core.GateReasonPrecheckUnavailable}, nil
	}

	var previousSignature string
	repeatRun := 0
	var lastIssues []core.Issue

	for retry := 1; ; retry++ {
		if retry > maxConsensusRetries {
			if err := m.persistStall(ctx, task, lastIssues, retry-1); err != nil {
				return ConsensusResult{}, err
			}
			m.emit(ctx, task.ID, core.EventProposalConsensusStalled, map[string]interface{}{
				"reason": string(core.GateReasonConsensusStalledInRound), "retries": retry - 1,
			})
			return ConsensusResult{Reason: core.GateReasonConsensusStalledInRound, Retries: retry - 1}, nil
		}

		proposal := m.authorProposal(ctx, task, retry, lastIssues)
		if proposal.Kind != core.OutcomeOk {
			m.emit(ctx, task.ID, core.EventProposalReviewUnavailable, map[string]interface{}{"step": "author_proposal"})
			return ConsensusResult{Reason: core.GateReasonReviewUnavailable}, nil
		}

		verdicts, available := m.invokeReviewers(ctx, task, StepReviewerReviewPhase, m.reviewPrompt(task, proposal.Text))
		if !available {
			m.emit(ctx, task.ID, core.EventProposalReviewUnavailable, nil)
			return ConsensusResult{Reason: core.GateReasonReviewUnavailable}, nil
		}
		verdicts = normalizeAuditIntent(task, verdicts)
		m.emit(ctx, task.ID, core.EventProposalReview, map[string]interface{}{"verdicts": verdicts})

		if allNoBlocker(verdicts) {
			m.emit(ctx, task.ID, core.EventProposalConsensusReached, nil)
			return ConsensusResult{Reason: core.GateReasonAuthorConfirmationRequired, Retries: retry}, nil
		}

		lastIssues = collectIssues(verdicts)
		signature := combinedIssueSignature(verdicts)
		if task.Strategy.MaxRounds > 1 && signature == previousSignature && signature != "" {
			repeatRun++
			if repeatRun >= crossRoundRepeatLimit {
				if err := m.persistStall(ctx, task, lastIssues, retry); err != nil {
					return ConsensusResult{}, err
				}
				m.emit(ctx, task.ID, core.EventProposalConsensusStalled, map[string]interface{}{
					"reason": string(core.GateReasonConsensusStalledAcrossRounds), "retries": retry,
				})
				return ConsensusResult{Reason: core.GateReasonConsensusStalledAcrossRounds, Retries: retry}, nil
			}
		} else {
			repeatRun = 1
		}
		previousSignature = signature

		m.emit(ctx, task.ID, core.EventProposalConsensusRetry, map[string]interface{}{"retry": retry, "signature": signature})
	}
}

// Proposal-step labeling constants, mapped onto the RoundPhase the Gateway
// dispatches on (4.A's Invoke is typed to RoundPhase; ProposalStep exists
// only to label events and prompts within the debate round).
const (
	StepReviewerPrecheckPhase = core.PhaseReview
	StepReviewerReviewPhase   = core.PhaseReview
	stepAuthorProposalPhase   = core.PhaseDiscussion
)

func (m *ConsensusMachine) precheckPrompt(task *core.Task) string {
	return fmt.Sprintf("Review the current state of %q before any proposal exists. Return a structured verdict (JSON: verdict, issues[], issue_checks[], reason).", task.Title)
}

func (m *ConsensusMachine) reviewPrompt(task *core.Task, proposal string) string {
	return fmt.Sprintf("Review this proposal for %q:\n\n%s\n\nReturn a structured verdict (JSON: verdict, issues[], issue_checks[], reason). Any blocker or unknown verdict must list issues[].issue_id as ISSUE-xxx.", task.Title, proposal)
}

func (m *ConsensusMachine) authorProposal(ctx context.Context, task *core.Task, retry int, openIssues []core.Issue) core.Outcome {
	prompt := m.proposalPrompt(task, retry, openIssues)
	deadline := time.Now().Add(phaseTimeout(task.Strategy, stepAuthorProposalPhase))
	outcome, err := m.gateway.Invoke(ctx, core.Participant{ID: task.Author, Role: core.RoleAuthor}, stepAuthorProposalPhase, prompt,
		core.InvokeResources{WorkDir: task.WorkspacePath}, deadline)
	if err != nil {
		m.logger.Warn("consensus machine: author proposal invoke failed", "task_id", task.ID, "error", err)
		return core.Outcome{Kind: core.OutcomeRuntimeError, Detail: err.Error()}
	}
	return outcome
}

func (m *ConsensusMachine) proposalPrompt(task *core.Task, retry int, openIssues []core.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compose a proposal for %q (attempt %d). Include issue_responses[] covering every required issue id.", task.Title, retry)
	if len(openIssues) > 0 {
		b.WriteString(" Outstanding issues to address: ")
		ids := make([]string, len(openIssues))
		for i, issue := range openIssues {
			ids[i] = issue.IssueID
		}
		b.WriteString(strings.Join(ids, ", "))
	}
	return b.String()
}

// invokeReviewers fans out to every required reviewer in parallel and
// collects verdicts deterministically by reviewer index. If any reviewer's
// outcome is not Ok, the whole precheck/review step is "wholly unavailable"
// per 4.G and the caller fails fast rather than degrading to unknown.
func (m *ConsensusMachine) invokeReviewers(ctx context.Context, task *core.Task, phase core.RoundPhase, prompt string) ([]core.ReviewVerdict, bool) {
	reviewers := task.Reviewers
	verdicts := make([]core.ReviewVerdict, len(reviewers))
	available := true
	var mu sync.Mutex
	var wg sync.WaitGroup

	deadline := time.Now().Add(phaseTimeout(task.Strategy, phase))
	for i, reviewerID := range reviewers {
		wg.Add(1)
		go func(i int, reviewerID core.ParticipantID) {
			defer wg.Done()
			outcome, err := m.gateway.Invoke(ctx, core.Participant{ID: reviewerID, Role: core.RoleReviewer}, phase, prompt,
				core.InvokeResources{WorkDir: task.WorkspacePath}, deadline)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || outcome.Kind != core.OutcomeOk {
				available = false
				return
			}
			verdict := core.ParseVerdict(outcome.Text)
			verdict.ReviewerID = reviewerID
			verdicts[i] = verdict
		}(i, reviewerID)
	}
	wg.Wait()
	return verdicts, available
}

func allNoBlocker(verdicts []core.ReviewVerdict) bool {
	if len(verdicts) == 0 {
		return false
	}
	for _, v := range verdicts {
		if v.Verdict != core.VerdictNoBlocker {
			return false
		}
	}
	return true
}

func collectIssues(verdicts []core.ReviewVerdict) []core.Issue {
	var issues []core.Issue
	for _, v := range verdicts {
		issues = append(issues, v.Issues...)
	}
	return issues
}

func combinedIssueSignature(verdicts []core.ReviewVerdict) string {
	sigs := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		sigs = append(sigs, v.IssueSignature())
	}
	sort.Strings(sigs)
	return core.FingerprintText(strings.Join(sigs, "|"))
}

// auditIntentKeywords mark a task description as broad audit/discovery
// work, per 4.G's audit-intent normalization.
var auditIntentKeywords = []string{"audit", "discovery", "explore", "survey"}

// scopeAmbiguityKeywords mark a blocker issue as pure scope ambiguity rather
// than a real defect.
var scopeAmbiguityKeywords = []string{"scope", "ambigu", "unclear requirement"}

// normalizeAuditIntent rewrites scope-ambiguity-only blockers to no_blocker
// when the task description signals broad audit/discovery intent, per 4.G,
// to prevent such tasks from trivially stalling on "which exact thing do
// you mean" blockers.
func normalizeAuditIntent(task *core.Task, verdicts []core.ReviewVerdict) []core.ReviewVerdict {
	if !containsAnyFold(task.Description, auditIntentKeywords) {
		return verdicts
	}
	normalized := make([]core.ReviewVerdict, len(verdicts))
	for i, v := range verdicts {
		if v.Verdict == core.VerdictBlocker && len(v.Issues) > 0 && allIssuesScopeAmbiguity(v.Issues) {
			v.Verdict = core.VerdictNoBlocker
			v.Issues = nil
		}
		normalized[i] = v
	}
	return normalized
}

func allIssuesScopeAmbiguity(issues []core.Issue) bool {
	for _, issue := range issues {
		if !containsAnyFold(issue.Summary, scopeAmbiguityKeywords) {
			return false
		}
	}
	return true
}

func containsAnyFold(s string, substrings []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

type stallArtifact struct {
	TaskID  core.TaskID  `json:"task_id"`
	Retries int          `json:"retries"`
	Issues  []core.Issue `json:"open_issues"`
}

func (m *ConsensusMachine) persistStall(ctx context.Context, task *core.Task, issues []core.Issue, retries int) error {
	if m.store == nil {
		return nil
	}
	payload, err := json.MarshalIndent(stallArtifact{TaskID: task.ID, Retries: retries, Issues: issues}, "", "  ")
	if err != nil {
		return fmt.Errorf("consensus machine: marshal stall artifact: %w", err)
	}
	if err := m.store.WriteArtifact(ctx, task.ID, string(core.ArtifactConsensusStall), payload); err != nil {
		return fmt.Errorf("consensus machine: write consensus_stall.json: %w", err)
	}
	if err := m.store.WriteArtifact(ctx, task.ID, string(core.ArtifactPendingProposal), payload); err != nil {
		return fmt.Errorf("consensus machine: write pending_proposal.json: %w", err)
	}
	return nil
}

func (m *ConsensusMachine) emit(ctx context.Context, taskID core.TaskID, kind core.EventKind, payload interface{}) {
	if m.store == nil {
		return
	}
	var fields map[string]interface{}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err == nil {
			_ = json.Unmarshal(encoded, &fields)
		}
	}
	event := core.NewEvent(taskID, kind, fields)
	if err := m.store.AppendEvent(ctx, taskID, event); err != nil {
		m.logger.Warn("consensus machine: failed to append event", "task_id", taskID, "kind", kind, "error", err)
	}
}
