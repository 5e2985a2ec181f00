package core

import "testing"

func TestNewEvent(t *testing.T) {
	event := NewEvent("t1", EventGateDecision, map[string]interface{}{"round": 2})
	if event.TaskID != "t1" || event.Kind != EventGateDecision {
		t.Fatalf("unexpected event fields: %+v", event)
	}
	if event.Seq != 0 {
		t.Fatalf("expected Seq to be left unassigned (0), got %d", event.Seq)
	}
	if event.Timestamp.IsZero() {
		t.Fatalf("expected event to be stamped with the current time")
	}
	if event.Payload["round"] != 2 {
		t.Fatalf("expected payload to round-trip")
	}
}

func TestEvent_WithParticipant(t *testing.T) {
	event := NewEvent("t1", EventProposalReview, nil).WithParticipant("codex#reviewer")
	if event.ParticipantID != "codex#reviewer" {
		t.Fatalf("expected participant id to be attached, got %q", event.ParticipantID)
	}
}
