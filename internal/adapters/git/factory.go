package git

import (
	"github.com/arbiterhq/arbiter/internal/core"
)

// ClientFactory builds repo-bound core.GitClient instances on demand, so the
// Promotion Guard can check a task's workspace_path and merge_target_path
// without pre-wiring every repository a deployment might ever touch.
type ClientFactory struct{}

var _ core.GitClientFactory = (*ClientFactory)(nil)

// NewClientFactory constructs a ClientFactory.
func NewClientFactory() *ClientFactory {
	return &ClientFactory{}
}

// NewClient implements core.GitClientFactory.
func (f *ClientFactory) NewClient(repoPath string) (core.GitClient, error) {
	return NewClient(repoPath)
}
