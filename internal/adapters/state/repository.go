// Package state implements the Task Repository (spec §4.C): the
// SQLite-backed system of record for tasks, their event logs, and the
// per-project history ledger.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// Repository implements core.Repository with SQLite storage, split across a
// single-writer connection and a pooled read-only connection so readers
// never block behind an in-flight write.
type Repository struct {
	dbPath string
	db     *sql.DB // write connection, one open conn (SQLite allows one writer)
	readDB *sql.DB // read-only connection pool

	maxRetries    int
	baseRetryWait time.Duration

	mu sync.RWMutex
}

// Option configures a Repository at construction time.
type Option func(*Repository)

// WithMaxRetries overrides the SQLITE_BUSY retry budget (default 5).
func WithMaxRetries(n int) Option {
	return func(r *Repository) { r.maxRetries = n }
}

// NewRepository opens (creating if necessary) the SQLite database at dbPath
// and runs any pending migrations.
func NewRepository(dbPath string, opts ...Option) (*Repository, error) {
	r := &Repository{
		dbPath:        dbPath,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	r.db = db

	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	r.readDB = readDB

	if err := r.migrate(); err != nil {
		_ = db.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return r, nil
}

// Close releases both database connections.
func (r *Repository) Close() error {
	var errs []error
	if r.readDB != nil {
		if err := r.readDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing read connection: %w", err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing write connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (r *Repository) migrate() error {
	var version int
	err := r.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := r.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// retryWrite executes fn, retrying with exponential backoff on SQLITE_BUSY.
func (r *Repository) retryWrite(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := fn(); err != nil {
			if isSQLiteBusy(err) {
				lastErr = err
				if attempt < r.maxRetries {
					wait := r.baseRetryWait * time.Duration(1<<attempt)
					select {
					case <-ctx.Done():
						return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), lastErr)
					case <-time.After(wait):
						continue
					}
				}
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%s: max retries exceeded: %w", operation, lastErr)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "SQLITE_BUSY") ||
		strings.Contains(s, "SQLITE_LOCKED")
}

// taskRow mirrors the tasks table for scan/marshal convenience.
type taskRow struct {
	reviewers string
	strategy  string
	decision  sql.NullString
}

func marshalTask(t *core.Task) (reviewers, strategy, decision string, err error) {
	reviewersJSON, err := json.Marshal(t.Reviewers)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling reviewers: %w", err)
	}
	strategyJSON, err := json.Marshal(t.Strategy)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling strategy: %w", err)
	}
	decisionJSON := ""
	if t.Decision != nil {
		b, err := json.Marshal(t.Decision)
		if err != nil {
			return "", "", "", fmt.Errorf("marshaling decision: %w", err)
		}
		decisionJSON = string(b)
	}
	return string(reviewersJSON), string(strategyJSON), decisionJSON, nil
}

func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*core.Task, error) {
	var t core.Task
	var row taskRow
	var terminatedAt sql.NullTime

	err := scanner.Scan(
		&t.ID, &t.Title, &t.Description, &t.WorkspacePath, &t.SandboxPath,
		&t.MergeTargetPath, &t.Author, &row.reviewers, &row.strategy, &t.Status,
		&t.RoundsCompleted, &t.LastGateReason, &t.WorkspaceFingerprint,
		&t.CreatedAt, &t.UpdatedAt, &terminatedAt, &row.decision,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(row.reviewers), &t.Reviewers); err != nil {
		return nil, fmt.Errorf("unmarshaling reviewers: %w", err)
	}
	if err := json.Unmarshal([]byte(row.strategy), &t.Strategy); err != nil {
		return nil, fmt.Errorf("unmarshaling strategy: %w", err)
	}
	if terminatedAt.Valid {
		tt := terminatedAt.Time
		t.TerminatedAt = &tt
	}
	if row.decision.Valid && row.decision.String != "" {
		var d core.AuthorDecision
		if err := json.Unmarshal([]byte(row.decision.String), &d); err != nil {
			return nil, fmt.Errorf("unmarshaling decision: %w", err)
		}
		t.Decision = &d
	}
	return &t, nil
}

const taskColumns = `id, title, description, workspace_path, sandbox_path,
	merge_target_path, author, reviewers, strategy, status,
	rounds_completed, last_gate_reason, workspace_fingerprint,
	created_at, updated_at, terminated_at, decision`

// CreateTask inserts a new task row. The caller must have already run
// task.Validate().
func (r *Repository) CreateTask(ctx context.Context, task *core.Task) error {
	reviewers, strategy, decision, err := marshalTask(task)
	if err != nil {
		return err
	}
	var decisionArg interface{}
	if decision != "" {
		decisionArg = decision
	}

	return r.retryWrite(ctx, "create_task", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			task.ID, task.Title, task.Description, task.WorkspacePath, task.SandboxPath,
			task.MergeTargetPath, task.Author, reviewers, strategy, task.Status,
			task.RoundsCompleted, task.LastGateReason, task.WorkspaceFingerprint,
			task.CreatedAt, task.UpdatedAt, task.TerminatedAt, decisionArg,
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.ErrConflict(core.CodeSeqConflict, "task id already exists").WithDetail("task_id", string(task.ID))
		}
		return err
	})
}

// GetTask fetches a task by id from the read connection.
func (r *Repository) GetTask(ctx context.Context, id core.TaskID) (*core.Task, error) {
	row := r.readDB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrNotFound("task", string(id))
		}
		return nil, fmt.Errorf("scanning task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns the most recently created tasks, newest first.
func (r *Repository) ListTasks(ctx context.Context, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.readDB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and its events (cascades via foreign key).
func (r *Repository) DeleteTask(ctx context.Context, id core.TaskID) error {
	return r.retryWrite(ctx, "delete_task", func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrNotFound("task", string(id))
		}
		_, _ = r.db.ExecContext(ctx, `DELETE FROM task_seq_counters WHERE task_id = ?`, id)
		return nil
	})
}

// UpdateTaskStatusIf performs a single-statement compare-and-set on status.
// A zero rows-affected result is disambiguated into ErrNotFound (no such
// task) or ErrConflict (task exists but its status no longer matches
// expected — another writer beat the caller to the transition).
func (r *Repository) UpdateTaskStatusIf(ctx context.Context, id core.TaskID, expected, next core.TaskStatus, reason core.GateReason) error {
	if !core.CanTransition(expected, next) {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("illegal transition %s -> %s", expected, next))
	}

	now := time.Now()
	var terminatedAt interface{}
	if core.IsTerminalStatus(next) {
		terminatedAt = now
	}

	return r.retryWrite(ctx, "update_task_status_if", func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_gate_reason = ?, updated_at = ?, terminated_at = ?
			WHERE id = ? AND status = ?
		`, next, reason, now, terminatedAt, id, expected)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var current core.TaskStatus
		scanErr := r.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
		if scanErr == sql.ErrNoRows {
			return core.ErrNotFound("task", string(id))
		}
		if scanErr != nil {
			return scanErr
		}
		return core.ErrConflict(core.CodeSeqConflict,
			fmt.Sprintf("task %s status is %s, expected %s", id, current, expected)).
			WithDetail("task_id", string(id)).WithDetail("current_status", string(current))
	})
}

// UpdateTaskProgress persists rounds_completed/last_gate_reason for a task
// that remains in running — the Task Coordinator's per-round checkpoint
// between status transitions.
func (r *Repository) UpdateTaskProgress(ctx context.Context, id core.TaskID, roundsCompleted int, reason core.GateReason) error {
	return r.retryWrite(ctx, "update_task_progress", func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE tasks SET rounds_completed = ?, last_gate_reason = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, roundsCompleted, reason, time.Now(), id, core.StatusRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var current core.TaskStatus
		scanErr := r.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
		if scanErr == sql.ErrNoRows {
			return core.ErrNotFound("task", string(id))
		}
		if scanErr != nil {
			return scanErr
		}
		return core.ErrConflict(core.CodeSeqConflict,
			fmt.Sprintf("task %s status is %s, expected running", id, current)).
			WithDetail("task_id", string(id)).WithDetail("current_status", string(current))
	})
}

// RecordAuthorDecision persists a task's approve/reject/revise decision.
// Unconditional on the current status — SubmitAuthorDecision's own
// UpdateTaskStatusIf call is what enforces waiting_manual as a
// precondition; by the time this runs that CAS has already succeeded.
func (r *Repository) RecordAuthorDecision(ctx context.Context, id core.TaskID, decision core.AuthorDecision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshaling decision: %w", err)
	}
	return r.retryWrite(ctx, "record_author_decision", func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE tasks SET decision = ?, updated_at = ? WHERE id = ?
		`, string(payload), time.Now(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrNotFound("task", string(id))
		}
		return nil
	})
}

// AppendEvent allocates the next per-task seq and durably persists the
// event in the same transaction, so a concurrent allocation can never
// collide with a partially written event.
func (r *Repository) AppendEvent(ctx context.Context, event core.Event) (core.Event, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return core.Event{}, fmt.Errorf("marshaling event payload: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	err = r.retryWrite(ctx, "append_event", func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_seq_counters (task_id, next_seq) VALUES (?, 2)
			ON CONFLICT(task_id) DO UPDATE SET next_seq = next_seq + 1
		`, event.TaskID)
		if err != nil {
			return fmt.Errorf("allocating seq: %w", err)
		}

		var allocated int64
		err = tx.QueryRowContext(ctx, `SELECT next_seq - 1 FROM task_seq_counters WHERE task_id = ?`, event.TaskID).Scan(&allocated)
		if err != nil {
			return fmt.Errorf("reading allocated seq: %w", err)
		}
		event.Seq = allocated

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, seq, kind, participant_id, payload, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, event.TaskID, event.Seq, event.Kind, event.ParticipantID, string(payload), event.Timestamp)
		if err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return core.Event{}, err
	}
	return event, nil
}

// ListEvents returns a task's event log in seq order.
func (r *Repository) ListEvents(ctx context.Context, taskID core.TaskID) ([]core.Event, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT task_id, seq, kind, participant_id, payload, timestamp
		FROM task_events WHERE task_id = ? ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var e core.Event
		var payload string
		if err := rows.Scan(&e.TaskID, &e.Seq, &e.Kind, &e.ParticipantID, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// QueryProjectHistory fetches the aggregated ledger entry for a project.
func (r *Repository) QueryProjectHistory(ctx context.Context, project string) (*core.ProjectHistoryEntry, error) {
	row := r.readDB.QueryRowContext(ctx, `
		SELECT project, core_findings, revisions, disputes, next_steps, updated_at
		FROM project_history WHERE project = ?
	`, project)

	var entry core.ProjectHistoryEntry
	var coreFindings, nextSteps string
	if err := row.Scan(&entry.Project, &coreFindings, &entry.Revisions, &entry.Disputes, &nextSteps, &entry.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrNotFound("project_history", project)
		}
		return nil, fmt.Errorf("scanning project history for %s: %w", project, err)
	}
	if err := json.Unmarshal([]byte(coreFindings), &entry.CoreFindings); err != nil {
		return nil, fmt.Errorf("unmarshaling core_findings: %w", err)
	}
	if err := json.Unmarshal([]byte(nextSteps), &entry.NextSteps); err != nil {
		return nil, fmt.Errorf("unmarshaling next_steps: %w", err)
	}
	return &entry, nil
}

// RecordProjectHistory upserts the aggregated ledger entry for a project.
func (r *Repository) RecordProjectHistory(ctx context.Context, entry core.ProjectHistoryEntry) error {
	coreFindings, err := json.Marshal(entry.CoreFindings)
	if err != nil {
		return fmt.Errorf("marshaling core_findings: %w", err)
	}
	nextSteps, err := json.Marshal(entry.NextSteps)
	if err != nil {
		return fmt.Errorf("marshaling next_steps: %w", err)
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}

	return r.retryWrite(ctx, "record_project_history", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO project_history (project, core_findings, revisions, disputes, next_steps, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(project) DO UPDATE SET
				core_findings = excluded.core_findings,
				revisions = excluded.revisions,
				disputes = excluded.disputes,
				next_steps = excluded.next_steps,
				updated_at = excluded.updated_at
		`, entry.Project, string(coreFindings), entry.Revisions, entry.Disputes, string(nextSteps), entry.UpdatedAt)
		return err
	})
}

var _ core.Repository = (*Repository)(nil)
