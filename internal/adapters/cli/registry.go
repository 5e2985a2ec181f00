package cli

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/diagnostics"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// Registry resolves a core.ParticipantID's provider segment (the text
// before '#' in "provider#alias") to the ProcessAdapter configured for that
// provider, and implements core.Gateway by dispatching each Invoke call to
// the resolved adapter. One registry instance is shared by every task; there
// is no per-task registry state.
type Registry struct {
	mu       sync.RWMutex
	configs  map[string]ProviderConfig
	adapters map[string]*ProcessAdapter

	logger          *logging.Logger
	safeExec        *diagnostics.SafeExecutor
	crashDumpWriter *diagnostics.CrashDumpWriter
}

// NewRegistry constructs an empty registry. Call Configure for every
// provider named in the strategy's reviewer/author participant list before
// the first Invoke.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		configs:  make(map[string]ProviderConfig),
		adapters: make(map[string]*ProcessAdapter),
		logger:   logger,
	}
}

// Configure registers or replaces a provider's defaults. Any cached adapter
// for that provider is dropped so the next resolution rebuilds it.
func (r *Registry) Configure(provider string, cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.Provider = provider
	r.configs[provider] = cfg
	delete(r.adapters, provider)
}

// SetDiagnostics wires preflight/crash-dump tooling into every adapter
// created from this point forward, and into already-cached adapters.
func (r *Registry) SetDiagnostics(safeExec *diagnostics.SafeExecutor, dumpWriter *diagnostics.CrashDumpWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.safeExec = safeExec
	r.crashDumpWriter = dumpWriter
	for _, a := range r.adapters {
		a.WithDiagnostics(safeExec, dumpWriter)
	}
}

// resolve returns (creating if necessary) the adapter for a participant's
// provider segment.
func (r *Registry) resolve(participant core.ParticipantID) (*ProcessAdapter, error) {
	provider := participant.Provider()
	if provider == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "participant id missing provider segment").
			WithDetail("participant", string(participant))
	}

	r.mu.RLock()
	if a, ok := r.adapters[provider]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	cfg, ok := r.configs[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound("provider", provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	adapter := NewProcessAdapter(cfg, r.logger)
	if r.safeExec != nil || r.crashDumpWriter != nil {
		adapter.WithDiagnostics(r.safeExec, r.crashDumpWriter)
	}
	r.adapters[provider] = adapter
	return adapter, nil
}

// Invoke implements core.Gateway by dispatching to the participant's
// resolved provider adapter. A resolution failure (unconfigured provider,
// malformed id) is returned as a system error, not an Outcome — the caller
// asked the gateway to do something the gateway was never told how to do.
func (r *Registry) Invoke(ctx context.Context, participant core.Participant, phase core.RoundPhase, prompt string, resources core.InvokeResources, deadline time.Time) (core.Outcome, error) {
	adapter, err := r.resolve(participant.ID)
	if err != nil {
		return core.Outcome{}, err
	}
	return adapter.Invoke(ctx, participant, phase, prompt, resources, deadline)
}

// CheckAvailability verifies the CLI for participant's provider resolves on
// PATH, without invoking it.
func (r *Registry) CheckAvailability(ctx context.Context, participant core.ParticipantID) error {
	adapter, err := r.resolve(participant)
	if err != nil {
		return err
	}
	return adapter.CheckAvailability(ctx)
}

// Providers returns the configured provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	return names
}

var _ core.Gateway = (*Registry)(nil)
