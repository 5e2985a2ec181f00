package core

import (
	"encoding/json"
	"regexp"
	"strings"
)

// VerdictKind is the closed set of structured verdicts a reviewer may return
// against a proposal (4.G) or an implementation (4.H).
type VerdictKind string

const (
	VerdictNoBlocker VerdictKind = "no_blocker"
	VerdictBlocker   VerdictKind = "blocker"
	VerdictUnknown   VerdictKind = "unknown"
)

// issueIDPattern enforces the ISSUE-xxx grammar (4.G): a blocker or unknown
// verdict must list explicit issue ids in this form.
var issueIDPattern = regexp.MustCompile(`^ISSUE-\d+$`)

// ValidIssueID reports whether id matches the ISSUE-xxx grammar.
func ValidIssueID(id string) bool {
	return issueIDPattern.MatchString(id)
}

// Issue is one blocking or advisory item a reviewer raised against a
// proposal or implementation.
type Issue struct {
	IssueID string `json:"issue_id"`
	Summary string `json:"summary,omitempty"`
}

// ReviewVerdict is a reviewer's structured response, parsed from either the
// preferred JSON shape or the regex fallback grammar.
type ReviewVerdict struct {
	ReviewerID  ParticipantID
	Verdict     VerdictKind
	Issues      []Issue  `json:"issues"`
	IssueChecks []string `json:"issue_checks"`
	Reason      string   `json:"reason"`

	// Parsed is false when neither the JSON nor the regex grammar could be
	// recovered from raw text; the caller treats this as VerdictUnknown.
	Parsed bool
}

// jsonVerdict mirrors the wire shape documented in 4.G for unmarshaling.
type jsonVerdict struct {
	Verdict     string   `json:"verdict"`
	Issues      []Issue  `json:"issues"`
	IssueChecks []string `json:"issue_checks"`
	Reason      string   `json:"reason"`
}

var (
	verdictLinePattern     = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(no_blocker|blocker|unknown)\s*$`)
	nextActionLinePattern  = regexp.MustCompile(`(?im)^\s*NEXT_ACTION:\s*(.+)$`)
	issueIDLinePattern     = regexp.MustCompile(`ISSUE-\d+`)
)

// ParseVerdict recovers a ReviewVerdict from raw adapter text: JSON is tried
// first (the preferred schema); on failure it falls back to the VERDICT: /
// NEXT_ACTION: line grammar. If neither yields a recognizable verdict kind,
// Parsed is false and Verdict is VerdictUnknown.
func ParseVerdict(raw string) ReviewVerdict {
	if v, ok := parseJSONVerdict(raw); ok {
		return v
	}
	return parseRegexVerdict(raw)
}

func parseJSONVerdict(raw string) (ReviewVerdict, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ReviewVerdict{}, false
	}
	var parsed jsonVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return ReviewVerdict{}, false
	}
	kind := VerdictKind(parsed.Verdict)
	switch kind {
	case VerdictNoBlocker, VerdictBlocker, VerdictUnknown:
	default:
		return ReviewVerdict{}, false
	}
	return ReviewVerdict{
		Verdict:     kind,
		Issues:      parsed.Issues,
		IssueChecks: parsed.IssueChecks,
		Reason:      parsed.Reason,
		Parsed:      true,
	}, true
}

func parseRegexVerdict(raw string) ReviewVerdict {
	match := verdictLinePattern.FindStringSubmatch(raw)
	if match == nil {
		return ReviewVerdict{Verdict: VerdictUnknown, Parsed: false}
	}
	verdict := ReviewVerdict{Verdict: VerdictKind(strings.ToLower(match[1])), Parsed: true}
	if next := nextActionLinePattern.FindStringSubmatch(raw); next != nil {
		verdict.Reason = strings.TrimSpace(next[1])
	}
	for _, id := range issueIDLinePattern.FindAllString(raw, -1) {
		verdict.Issues = append(verdict.Issues, Issue{IssueID: id})
	}
	return verdict
}

// RequiresIssueIDs reports whether this verdict kind obligates the reviewer
// to have listed at least one ISSUE-xxx id.
func (v ReviewVerdict) RequiresIssueIDs() bool {
	return v.Verdict == VerdictBlocker || v.Verdict == VerdictUnknown
}

// IssueSignature returns a stable, order-independent fingerprint of the
// verdict's issue ids, used by the Consensus Machine's cross-round stall
// guard and the Round Executor's loop-progress guard.
func (v ReviewVerdict) IssueSignature() string {
	ids := make([]string, 0, len(v.Issues))
	for _, issue := range v.Issues {
		ids = append(ids, issue.IssueID)
	}
	return fingerprintStrings(ids)
}
