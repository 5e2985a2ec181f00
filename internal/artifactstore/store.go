// Package artifactstore implements the Artifact Store (spec §4.B): a
// path-traversal-safe, durable-before-return filesystem tree holding one
// directory per task — its append-only event log plus every named artifact
// a round produces.
package artifactstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/fsutil"
)

// Store is a filesystem-backed core.ArtifactStore rooted at one directory.
// Every task gets its own subtree at <root>/threads/<task_id>/.
type Store struct {
	root string
}

// New constructs a Store rooted at root, creating it if it does not exist.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "artifact store root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact root %s: %w", root, err)
	}
	return &Store{root: abs}, nil
}

// threadDir returns the directory owning a task's events and artifacts.
func (s *Store) threadDir(taskID core.TaskID) string {
	return filepath.Join(s.root, "threads", string(taskID))
}

// eventsPath returns the path of a task's append-only event log.
func (s *Store) eventsPath(taskID core.TaskID) string {
	return filepath.Join(s.threadDir(taskID), "events.jsonl")
}

// resolveArtifactPath validates relPath against invariant 8 (no path escape)
// and returns the absolute path under the task's thread directory.
func (s *Store) resolveArtifactPath(taskID core.TaskID, relPath string) (string, error) {
	if err := core.ValidateRelPath(relPath); err != nil {
		return "", err
	}
	return filepath.Join(s.threadDir(taskID), filepath.FromSlash(relPath)), nil
}

// WriteArtifact durably persists data at relPath under the task's thread
// directory before returning, creating any missing parent directories.
func (s *Store) WriteArtifact(_ context.Context, taskID core.TaskID, relPath string, data []byte) error {
	path, err := s.resolveArtifactPath(taskID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory for %s: %w", relPath, err)
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact %s: %w", relPath, err)
	}
	return nil
}

// ReadArtifact reads a previously written artifact, scoping access to its
// parent directory so a traversal attempt in relPath can never escape it.
func (s *Store) ReadArtifact(_ context.Context, taskID core.TaskID, relPath string) ([]byte, error) {
	path, err := s.resolveArtifactPath(taskID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("artifact", relPath)
		}
		return nil, fmt.Errorf("reading artifact %s: %w", relPath, err)
	}
	return data, nil
}

var _ core.ArtifactStore = (*Store)(nil)
