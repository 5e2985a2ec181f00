package core

import "strings"

// ParticipantRole tags whether a participant produces proposals/implementations
// (author) or returns structured verdicts against them (reviewer). The role is
// a tag carried by the task, not a distinct Go type, per the redesign guidance
// of collapsing polymorphic author/reviewer behavior into one capability.
type ParticipantRole string

const (
	RoleAuthor   ParticipantRole = "author"
	RoleReviewer ParticipantRole = "reviewer"
)

// ParticipantID is the provider#alias identifier of an external coding agent.
type ParticipantID string

// Provider returns the portion of the id before '#'.
func (p ParticipantID) Provider() string {
	provider, _, _ := strings.Cut(string(p), "#")
	return provider
}

// Alias returns the portion of the id after '#'.
func (p ParticipantID) Alias() string {
	_, alias, _ := strings.Cut(string(p), "#")
	return alias
}

// Valid reports whether the id matches the provider#alias grammar with a
// non-empty provider and a non-empty alias.
func (p ParticipantID) Valid() bool {
	provider, alias, found := strings.Cut(string(p), "#")
	return found && provider != "" && alias != ""
}

// Participant is one named slot in a task: an id plus the role it plays and
// any per-participant overrides of the provider's default model/args.
type Participant struct {
	ID              ParticipantID
	Role            ParticipantRole
	ModelOverride   string
	ArgsOverride    string
	FallbackProvider string // consulted by the Admission Scheduler during provider cooldown
}

// ValidateParticipants enforces the task-level participant invariants: the
// author id must be valid and unique, every reviewer id must be valid, and no
// participant id may repeat within the task.
func ValidateParticipants(author ParticipantID, reviewers []ParticipantID) error {
	if !author.Valid() {
		return ErrValidation(CodeInvalidConfig, "author participant id must be of the form provider#alias")
	}
	if len(reviewers) == 0 {
		return ErrValidation(CodeNoReviewers, "at least one reviewer participant is required")
	}
	seen := map[ParticipantID]bool{author: true}
	for _, r := range reviewers {
		if !r.Valid() {
			return ErrValidation(CodeInvalidConfig, "reviewer participant id must be of the form provider#alias").
				WithDetail("participant_id", string(r))
		}
		if seen[r] {
			return ErrValidation(CodeDuplicateParticipant, "participant id is not unique within the task").
				WithDetail("participant_id", string(r))
		}
		seen[r] = true
	}
	return nil
}
