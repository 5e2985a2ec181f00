package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "sandboxes"), logging.NewNop())
	if err != nil {
		t.Fatalf("unexpected error constructing manager: %v", err)
	}
	return m
}

func buildWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.go"), "package main\n")
	writeFile(t, filepath.Join(root, ".env"), "SECRET=hunter2\n")
	writeFile(t, filepath.Join(root, "config.pem"), "-----BEGIN-----\n")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main\n")
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"), "module.exports = {}\n")
	writeFile(t, filepath.Join(root, "pkg", "util.go"), "package pkg\n")
	return root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func sampleSandboxTask(id core.TaskID, workspace string) *core.Task {
	return core.NewTask(id, "review the parser", "claude#primary", []core.ParticipantID{"codex#reviewer"}).
		WithWorkspacePath(workspace)
}

func TestManager_Allocate_CopiesFilteredTree(t *testing.T) {
	m := newTestManager(t)
	workspace := buildWorkspace(t)
	task := sampleSandboxTask("t1", workspace)

	path, err := m.Allocate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error allocating sandbox: %v", err)
	}
	defer os.RemoveAll(path)

	if _, err := os.Stat(filepath.Join(path, "main.go")); err != nil {
		t.Fatalf("expected main.go copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "pkg", "util.go")); err != nil {
		t.Fatalf("expected nested file copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, ".env")); !os.IsNotExist(err) {
		t.Fatalf("expected .env excluded, got err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "config.pem")); !os.IsNotExist(err) {
		t.Fatalf("expected config.pem excluded, got err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); !os.IsNotExist(err) {
		t.Fatalf("expected .git excluded, got err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "node_modules")); !os.IsNotExist(err) {
		t.Fatalf("expected node_modules excluded, got err=%v", err)
	}
}

func TestManager_Allocate_RequiresWorkspacePath(t *testing.T) {
	m := newTestManager(t)
	task := sampleSandboxTask("t1", "")
	if _, err := m.Allocate(context.Background(), task); err == nil {
		t.Fatalf("expected error for missing workspace path")
	}
}

func TestManager_Allocate_RollsBackOnFailure(t *testing.T) {
	m := newTestManager(t)
	task := sampleSandboxTask("t1", filepath.Join(t.TempDir(), "missing-workspace"))

	if _, err := m.Allocate(context.Background(), task); err == nil {
		t.Fatalf("expected error for nonexistent workspace")
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		t.Fatalf("unexpected error reading base dir: %v", err)
	}
	for _, e := range entries {
		sub, _ := os.ReadDir(filepath.Join(m.baseDir, e.Name()))
		if len(sub) != 0 {
			t.Fatalf("expected no leftover sandbox directories after failed allocation, found %v under %s", sub, e.Name())
		}
	}
}

func TestManager_Cleanup_SkipsNonTerminalTask(t *testing.T) {
	m := newTestManager(t)
	workspace := buildWorkspace(t)
	task := sampleSandboxTask("t1", workspace)

	path, err := m.Allocate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer os.RemoveAll(path)
	task.SandboxPath = path
	task.Status = core.StatusRunning

	if err := m.Cleanup(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected sandbox to survive cleanup while task is running: %v", err)
	}
}

func TestManager_Cleanup_RemovesPassedTaskWithoutAutoMerge(t *testing.T) {
	m := newTestManager(t)
	workspace := buildWorkspace(t)
	task := sampleSandboxTask("t1", workspace)
	task.Strategy.AutoMerge = false

	path, err := m.Allocate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task.SandboxPath = path
	task.Status = core.StatusPassed

	if err := m.Cleanup(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected sandbox removed after cleanup, got err=%v", err)
	}
}

func TestManager_Cleanup_WaitsForAuthorDecisionWhenAutoMergeEnabled(t *testing.T) {
	m := newTestManager(t)
	workspace := buildWorkspace(t)
	task := sampleSandboxTask("t1", workspace)
	task.Strategy.AutoMerge = true
	task.MergeTargetPath = workspace

	path, err := m.Allocate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer os.RemoveAll(path)
	task.SandboxPath = path
	task.Status = core.StatusPassed

	if err := m.Cleanup(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected sandbox to survive cleanup pending author decision: %v", err)
	}

	task.Decision = &core.AuthorDecision{Kind: core.DecisionApprove}
	if err := m.Cleanup(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected sandbox removed once decision recorded, got err=%v", err)
	}
}

func TestManager_Cleanup_NoopWithoutSandboxPath(t *testing.T) {
	m := newTestManager(t)
	task := sampleSandboxTask("t1", buildWorkspace(t))
	task.Status = core.StatusPassed
	if err := m.Cleanup(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
