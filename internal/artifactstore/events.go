package artifactstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
)

// eventRecord is the on-disk JSON shape of one event.jsonl line. It exists
// separately from core.Event so the wire format is pinned independently of
// the domain type's Go field layout.
type eventRecord struct {
	TaskID        core.TaskID            `json:"task_id"`
	Seq           int64                  `json:"seq"`
	Kind          core.EventKind         `json:"kind"`
	ParticipantID core.ParticipantID     `json:"participant_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

func toRecord(e core.Event) eventRecord {
	return eventRecord{
		TaskID:        e.TaskID,
		Seq:           e.Seq,
		Kind:          e.Kind,
		ParticipantID: e.ParticipantID,
		Payload:       e.Payload,
		Timestamp:     e.Timestamp,
	}
}

func (r eventRecord) toEvent() core.Event {
	return core.Event{
		TaskID:        r.TaskID,
		Seq:           r.Seq,
		Kind:          r.Kind,
		ParticipantID: r.ParticipantID,
		Payload:       r.Payload,
		Timestamp:     r.Timestamp,
	}
}

// appendMu serializes concurrent appenders against the same events.jsonl
// file; the repository is the authority on seq allocation, this log is a
// durable mirror so append order here only needs to be crash-safe, not
// globally serialized across processes.
var appendMu sync.Mutex

// AppendEvent appends event as one JSON line to the task's event log,
// fsyncing before returning so a crash immediately after AppendEvent never
// loses the write.
func (s *Store) AppendEvent(_ context.Context, taskID core.TaskID, event core.Event) error {
	appendMu.Lock()
	defer appendMu.Unlock()

	dir := s.threadDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating thread directory for %s: %w", taskID, err)
	}

	line, err := json.Marshal(toRecord(event))
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.eventsPath(taskID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log for %s: %w", taskID, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending event for %s: %w", taskID, err)
	}
	return f.Sync()
}

// ReadEvents replays a task's event log in append order.
func (s *Store) ReadEvents(_ context.Context, taskID core.TaskID) ([]core.Event, error) {
	f, err := os.Open(s.eventsPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for %s: %w", taskID, err)
	}
	defer f.Close()

	var events []core.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record eventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("decoding event line for %s: %w", taskID, err)
		}
		events = append(events, record.toEvent())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log for %s: %w", taskID, err)
	}
	return events, nil
}
