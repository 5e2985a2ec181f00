package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
)

// Shared test fakes for this package's _test.go files.

type fakeGitClient struct {
	repoRoot string
	branch   string
	headSHA  string
	clean    bool
	err      error
}

func (c *fakeGitClient) RepoRoot(context.Context) (string, error)       { return c.repoRoot, c.err }
func (c *fakeGitClient) CurrentBranch(context.Context) (string, error)  { return c.branch, c.err }
func (c *fakeGitClient) HeadSHA(context.Context, string) (string, error) { return c.headSHA, c.err }
func (c *fakeGitClient) IsClean(context.Context, string) (bool, error)  { return c.clean, c.err }
func (c *fakeGitClient) Status(context.Context, string) (*core.GitStatus, error) {
	return &core.GitStatus{Branch: c.branch}, c.err
}

type fakeGitClientFactory struct {
	client core.GitClient
	err    error
}

func (f *fakeGitClientFactory) NewClient(string) (core.GitClient, error) {
	return f.client, f.err
}

type fakeArtifactStore struct {
	events    []core.Event
	artifacts map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{artifacts: make(map[string][]byte)}
}

func (s *fakeArtifactStore) AppendEvent(_ context.Context, _ core.TaskID, event core.Event) error {
	event.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	return nil
}
func (s *fakeArtifactStore) ReadEvents(context.Context, core.TaskID) ([]core.Event, error) {
	return s.events, nil
}
func (s *fakeArtifactStore) WriteArtifact(_ context.Context, _ core.TaskID, relPath string, data []byte) error {
	if s.artifacts == nil {
		s.artifacts = make(map[string][]byte)
	}
	s.artifacts[relPath] = data
	return nil
}
func (s *fakeArtifactStore) ReadArtifact(_ context.Context, _ core.TaskID, relPath string) ([]byte, error) {
	data, ok := s.artifacts[relPath]
	if !ok {
		return nil, core.ErrNotFound("artifact", relPath)
	}
	return data, nil
}

func promotionTestTask() *core.Task {
	return core.NewTask("t1", "fix parser", "claude#primary", []core.ParticipantID{"codex#reviewer"}).
		WithWorkspacePath("/work/t1")
}

// fakeGateway implements core.Gateway with a per-participant outcome queue;
// an exhausted or unconfigured queue serves a default no_blocker verdict so
// tests only need to stub the participants whose behavior they care about.
type fakeGateway struct {
	mu        sync.Mutex
	responses map[core.ParticipantID][]core.Outcome
	calls     []fakeInvokeCall
}

type fakeInvokeCall struct {
	Participant core.ParticipantID
	Phase       core.RoundPhase
	Prompt      string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{responses: make(map[core.ParticipantID][]core.Outcome)}
}

func (g *fakeGateway) enqueue(id core.ParticipantID, outcomes ...core.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses[id] = append(g.responses[id], outcomes...)
}

func (g *fakeGateway) Invoke(_ context.Context, participant core.Participant, phase core.RoundPhase, prompt string, _ core.InvokeResources, _ time.Time) (core.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, fakeInvokeCall{Participant: participant.ID, Phase: phase, Prompt: prompt})
	queue := g.responses[participant.ID]
	if len(queue) == 0 {
		return core.Outcome{Kind: core.OutcomeOk, Text: `{"verdict":"no_blocker"}`}, nil
	}
	next := queue[0]
	g.responses[participant.ID] = queue[1:]
	return next, nil
}

func consensusTestTask() *core.Task {
	task := core.NewTask("t1", "fix parser", "claude#primary", []core.ParticipantID{"codex#reviewer"}).
		WithWorkspacePath("/work/t1")
	task.Strategy.MaxRounds = 1
	return task
}

// fakeCommandExecutor serves a scripted CommandResult per command string
// without shelling out, so Round Executor tests stay hermetic.
type fakeCommandExecutor struct {
	results map[string]CommandResult
}

func newFakeCommandExecutor() *fakeCommandExecutor {
	return &fakeCommandExecutor{results: make(map[string]CommandResult)}
}

func (f *fakeCommandExecutor) set(command string, result CommandResult) {
	f.results[command] = result
}

func (f *fakeCommandExecutor) Run(_ context.Context, _, command string, _ time.Duration) CommandResult {
	if result, ok := f.results[command]; ok {
		return result
	}
	return CommandResult{Command: command, Ran: true, ExitCode: 0}
}

func roundExecutorTestTask() *core.Task {
	task := core.NewTask("t1", "fix parser", "claude#primary", []core.ParticipantID{"codex#reviewer"}).
		WithWorkspacePath("/work/t1")
	task.Strategy.MaxRounds = 5
	task.Strategy.TestCommand = "run-tests"
	task.Strategy.LintCommand = "run-lint"
	return task
}
