// Package sandbox implements the Sandbox Manager: it allocates per-task
// filtered copies of a task's workspace for isolated review/execution, and
// tears them down once a task is done with them.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// excludedDirNames are directory basenames never copied into a sandbox.
var excludedDirNames = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"venv":          true,
	".venv":         true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".tox":          true,
	".terraform":    true,
}

// secretGlobs are filepath.Match patterns (matched against the file
// basename) that are never copied into a sandbox.
var secretGlobs = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"id_rsa",
	"id_rsa.*",
	"*.p12",
	"*.pfx",
	"credentials.json",
}

func isExcludedDir(name string) bool {
	return excludedDirNames[name]
}

func isSecretFile(name string) bool {
	for _, pattern := range secretGlobs {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Manager allocates and tears down per-task sandbox directories under a
// configured base directory.
type Manager struct {
	baseDir string
	logger  *logging.Logger

	mu       sync.Mutex
	watchers map[core.TaskID]*watch
}

// NewManager constructs a Manager rooted at baseDir, creating it if absent.
func NewManager(baseDir string, logger *logging.Logger) (*Manager, error) {
	if baseDir == "" {
		return nil, core.ErrValidation("SANDBOX_BASE_REQUIRED", "sandbox base directory is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, core.ErrExecution("SANDBOX_BASE_INVALID", fmt.Sprintf("resolving sandbox base: %v", err))
	}
	if err := os.MkdirAll(absBase, 0o755); err != nil {
		return nil, core.ErrExecution("SANDBOX_BASE_UNCREATABLE", fmt.Sprintf("creating sandbox base: %v", err))
	}
	return &Manager{
		baseDir:  absBase,
		logger:   logger.With("component", "sandbox"),
		watchers: make(map[core.TaskID]*watch),
	}, nil
}

// projectSlug derives a filesystem-safe slug from a task's workspace path.
func projectSlug(workspacePath string) string {
	base := filepath.Base(filepath.Clean(workspacePath))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "workspace"
	}
	return base
}

// Allocate creates a filtered copy of task.WorkspacePath under
// <base>/<project-slug>-lab/<timestamp>-<taskid>/ and returns its path. On
// any failure the partially-created directory is removed before the error
// is surfaced.
func (m *Manager) Allocate(ctx context.Context, task *core.Task) (string, error) {
	if task.WorkspacePath == "" {
		return "", core.ErrValidation("SANDBOX_NO_WORKSPACE", "task has no workspace_path to sandbox")
	}

	dirName := fmt.Sprintf("%s-lab", projectSlug(task.WorkspacePath))
	leafName := fmt.Sprintf("%d-%s", time.Now().UnixNano(), task.ID)
	sandboxPath := filepath.Join(m.baseDir, dirName, leafName)

	if err := os.MkdirAll(sandboxPath, 0o755); err != nil {
		return "", core.ErrExecution("SANDBOX_ALLOC_FAILED", fmt.Sprintf("creating sandbox directory: %v", err))
	}

	if err := copyFilteredTree(ctx, task.WorkspacePath, sandboxPath); err != nil {
		_ = os.RemoveAll(sandboxPath)
		return "", core.ErrExecution("SANDBOX_ALLOC_FAILED", fmt.Sprintf("copying workspace into sandbox: %v", err))
	}

	if w, err := startWatch(sandboxPath, m.logger.With("task_id", string(task.ID))); err == nil {
		m.mu.Lock()
		m.watchers[task.ID] = w
		m.mu.Unlock()
	} else {
		m.logger.Warn("sandbox mutation watch unavailable", "task_id", task.ID, "error", err)
	}

	m.logger.Info("sandbox allocated", "task_id", task.ID, "path", sandboxPath)
	return sandboxPath, nil
}

// Cleanup removes a task's sandbox once it is no longer needed: the task has
// reached a terminal passed state, any required auto-merge has been
// recorded, and the sandbox was allocated by this manager instance.
func (m *Manager) Cleanup(ctx context.Context, task *core.Task) error {
	if task.SandboxPath == "" {
		return nil
	}

	m.mu.Lock()
	w, allocatedHere := m.watchers[task.ID]
	m.mu.Unlock()
	if !allocatedHere {
		return nil
	}

	if !shouldCleanup(task) {
		return nil
	}

	w.stop()
	m.mu.Lock()
	delete(m.watchers, task.ID)
	m.mu.Unlock()

	if err := os.RemoveAll(task.SandboxPath); err != nil {
		return core.ErrExecution("SANDBOX_CLEANUP_FAILED", fmt.Sprintf("removing sandbox directory: %v", err))
	}
	m.logger.Info("sandbox cleaned up", "task_id", task.ID, "path", task.SandboxPath)
	return nil
}

// Merge copies a task's active working tree — its sandbox if one was
// allocated, otherwise the workspace itself — into MergeTargetPath, applying
// the same exclusion filters as Allocate. Used by the Task Coordinator's
// auto-merge step and by PromoteRound (4.I, 4.K). It never removes anything
// already present at the target; a prior file at the same rel_path is
// overwritten.
func (m *Manager) Merge(ctx context.Context, task *core.Task) error {
	if task.MergeTargetPath == "" {
		return core.ErrValidation("SANDBOX_NO_MERGE_TARGET", "task has no merge_target_path to merge into")
	}
	src := task.SandboxPath
	if src == "" {
		src = task.WorkspacePath
	}
	if err := os.MkdirAll(task.MergeTargetPath, 0o755); err != nil {
		return core.ErrExecution("SANDBOX_MERGE_FAILED", fmt.Sprintf("creating merge target: %v", err))
	}
	if err := copyFilteredTree(ctx, src, task.MergeTargetPath); err != nil {
		return core.ErrExecution("SANDBOX_MERGE_FAILED", fmt.Sprintf("copying into merge target: %v", err))
	}
	m.logger.Info("task merged into target", "task_id", task.ID, "target", task.MergeTargetPath)
	return nil
}

// shouldCleanup decides whether a terminal task's sandbox is safe to
// reclaim. A task with auto-merge disabled needs nothing beyond terminal
// pass; one with auto-merge enabled must also have a recorded author
// decision, standing in for the completed merge step.
func shouldCleanup(task *core.Task) bool {
	if task.Status != core.StatusPassed {
		return false
	}
	if !task.Strategy.AutoMerge {
		return true
	}
	return task.Decision != nil
}

var _ core.SandboxManager = (*Manager)(nil)
