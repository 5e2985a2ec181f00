// Package git implements core.GitClient: the narrow set of branch/head/
// cleanliness inspections the Promotion Guard and Sandbox Manager need.
// It never pushes, merges, or opens pull requests on the caller's behalf.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
)

var _ core.GitClient = (*Client)(nil)

// Client wraps the subset of the git CLI that core.GitClient needs. It is
// bound to a default repository (for RepoRoot/CurrentBranch) but accepts an
// explicit path on calls that may target a different worktree or merge
// target, so one Client can service checks across a task's workspace_path
// and merge_target_path without reconstruction.
type Client struct {
	repoPath string
	timeout  time.Duration
	gitPath  string
}

// NewClient creates a git client bound to repoPath, verifying it's inside a
// git working tree.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	gitPath, err := resolveGitBinaryPath(absPath)
	if err != nil {
		return nil, err
	}

	c := &Client{repoPath: absPath, timeout: 30 * time.Second, gitPath: gitPath}
	if err := c.verifyRepo(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) verifyRepo() error {
	if _, err := c.run(context.Background(), c.repoPath, "rev-parse", "--git-dir"); err != nil {
		return core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// run executes a git command with the given working directory, defaulting
// to the client's bound repository when dir is empty.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = c.repoPath
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// exec.CommandContext does not invoke a shell, so arguments are not
	// subject to shell interpolation.
	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RepoRoot returns the repository root this client is bound to.
func (c *Client) RepoRoot(_ context.Context) (string, error) {
	return c.repoPath, nil
}

// CurrentBranch returns the branch checked out in the bound repository.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, c.repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadSHA returns the commit SHA at HEAD for the given path.
func (c *Client) HeadSHA(ctx context.Context, path string) (string, error) {
	return c.run(ctx, path, "rev-parse", "HEAD")
}

// IsClean reports whether the working tree at path has no staged, unstaged,
// or untracked changes and no unresolved conflicts.
func (c *Client) IsClean(ctx context.Context, path string) (bool, error) {
	status, err := c.Status(ctx, path)
	if err != nil {
		return false, err
	}
	return len(status.Staged) == 0 && len(status.Unstaged) == 0 &&
		len(status.Untracked) == 0 && !status.HasConflicts, nil
}

// Status returns the working-tree status at path.
func (c *Client) Status(ctx context.Context, path string) (*core.GitStatus, error) {
	output, err := c.run(ctx, path, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, err
	}
	return parseStatus(output), nil
}

func parseStatus(output string) *core.GitStatus {
	status := &core.GitStatus{
		Staged:    make([]core.FileStatus, 0),
		Unstaged:  make([]core.FileStatus, 0),
		Untracked: make([]string, 0),
	}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			status.Branch = strings.TrimPrefix(line, "# branch.head ")
		case len(line) > 2 && line[0] == '1': // ordinary changed entry
			if len(line) > 113 {
				path := line[113:]
				xy := line[2:4]
				if xy[0] != '.' {
					status.Staged = append(status.Staged, core.FileStatus{Path: path, Status: string(xy[0])})
				}
				if xy[1] != '.' {
					status.Unstaged = append(status.Unstaged, core.FileStatus{Path: path, Status: string(xy[1])})
				}
			}
		case len(line) > 2 && line[0] == 'u': // unmerged: conflict
			status.HasConflicts = true
		case strings.HasPrefix(line, "? "):
			status.Untracked = append(status.Untracked, strings.TrimPrefix(line, "? "))
		}
	}
	return status
}

func resolveGitBinaryPath(repoAbs string) (string, error) {
	p, err := exec.LookPath("git")
	if err != nil {
		return "", fmt.Errorf("git not found in PATH: %w", err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving git path: %w", err)
	}

	real := abs
	if rr, err := filepath.EvalSymlinks(abs); err == nil {
		real = rr
	}

	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("stat git binary: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("git binary is not a regular file: %s", real)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("git binary is not executable: %s", real)
	}

	// Defensive: avoid executing a "git" that lives inside the repository
	// itself, in case PATH was manipulated to include the repo.
	if isPathWithinDir(repoAbs, real) {
		return "", fmt.Errorf("refusing to execute git from within repository: %s", real)
	}
	return real, nil
}

func isPathWithinDir(root, path string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, pathAbs)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
