package core

import "time"

// EventKind is the closed enum of event kinds appended to a task's event
// log. The list in §3 is explicitly "includes but is not limited to" — new
// kinds may be added here as the implementation grows, but every kind that
// exists must appear in this file, never constructed from a raw string at a
// call site.
type EventKind string

const (
	// Lifecycle.
	EventCreated          EventKind = "created"
	EventStarted          EventKind = "started"
	EventStartDeferred     EventKind = "start_deferred"
	EventQueuedForManual   EventKind = "queued_for_manual"
	EventAuthorDecision    EventKind = "author_decision"
	EventCanceled          EventKind = "canceled"
	EventForceFailed       EventKind = "force_failed"
	EventTerminated        EventKind = "terminated"

	// Phase.
	EventDiscussionStarted     EventKind = "discussion_started"
	EventImplementationStarted EventKind = "implementation_started"
	EventReviewStarted         EventKind = "review_started"
	EventVerificationStarted   EventKind = "verification_started"
	EventGateDecision          EventKind = "gate_decision"

	// Proposal.
	EventProposalPrecheckReview   EventKind = "proposal_precheck_review"
	EventProposalReview           EventKind = "proposal_review"
	EventProposalConsensusReached EventKind = "proposal_consensus_reached"
	EventProposalConsensusRetry   EventKind = "proposal_consensus_retry"
	EventProposalConsensusStalled EventKind = "proposal_consensus_stalled"
	EventProposalReviewPartial    EventKind = "proposal_review_partial"
	EventProposalPrecheckUnavailable EventKind = "proposal_precheck_unavailable"
	EventProposalReviewUnavailable   EventKind = "proposal_review_unavailable"

	// Guards.
	EventPrecompletionChecklist EventKind = "precompletion_checklist"
	EventWorkspaceResumeGuard   EventKind = "workspace_resume_guard"
	EventPreflightRiskGate      EventKind = "preflight_risk_gate"
	EventPromotionGuardChecked  EventKind = "promotion_guard_checked"
	EventHeadSHAMismatch        EventKind = "head_sha_mismatch"

	// Progress.
	EventStrategyShifted EventKind = "strategy_shifted"

	// Stream.
	EventParticipantStream EventKind = "participant_stream"
)

// Event is an immutable, append-only record in a task's event log. Seq is
// allocated under a per-task uniqueness constraint by the repository
// (4.C) — never assigned by the caller.
type Event struct {
	TaskID        TaskID
	Seq           int64
	Kind          EventKind
	ParticipantID ParticipantID // empty when not participant-scoped
	Payload       map[string]interface{}
	Timestamp     time.Time
}

// NewEvent constructs an event with the current time; Seq is left zero for
// the repository to assign at append time.
func NewEvent(taskID TaskID, kind EventKind, payload map[string]interface{}) Event {
	return Event{
		TaskID:    taskID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// WithParticipant attaches a participant id to the event and returns it.
func (e Event) WithParticipant(id ParticipantID) Event {
	e.ParticipantID = id
	return e
}
