// Package coordinator implements the Task Coordinator (4.I) and the
// Admission Scheduler (4.J): the per-task round-driving loop and the
// process-wide gate that guards entry into it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// AdmissionScheduler implements 4.J: a process-wide semaphore bounding how
// many tasks may be actively running at once, plus start-dedup so a second
// concurrent Start(task) observes start_deduped instead of racing the
// first.
type AdmissionScheduler struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[core.TaskID]bool

	logger *logging.Logger
}

// NewAdmissionScheduler constructs a scheduler with the given concurrency
// capacity (default 1 per 4.J if capacity <= 0).
func NewAdmissionScheduler(capacity int64, logger *logging.Logger) *AdmissionScheduler {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &AdmissionScheduler{
		sem:      semaphore.NewWeighted(capacity),
		inFlight: make(map[core.TaskID]bool),
		logger:   logger,
	}
}

// TryAdmit attempts to begin running taskID. A true result obligates the
// caller to eventually call Release(taskID) exactly once. A false result
// carries the advisory gate reason to emit (start_deduped or
// concurrency_limit) — neither is a task failure.
func (s *AdmissionScheduler) TryAdmit(taskID core.TaskID) (bool, core.GateReason) {
	s.mu.Lock()
	if s.inFlight[taskID] {
		s.mu.Unlock()
		return false, core.GateReasonStartDeduped
	}
	s.mu.Unlock()

	if !s.sem.TryAcquire(1) {
		return false, core.GateReasonConcurrencyLimit
	}

	s.mu.Lock()
	s.inFlight[taskID] = true
	s.mu.Unlock()
	return true, core.GateReasonNone
}

// Release frees taskID's admission slot. Safe to call even if the task was
// never admitted (a no-op in that case).
func (s *AdmissionScheduler) Release(taskID core.TaskID) {
	s.mu.Lock()
	admitted := s.inFlight[taskID]
	delete(s.inFlight, taskID)
	s.mu.Unlock()
	if admitted {
		s.sem.Release(1)
	}
}

// errProviderLimit marks a genuine OutcomeProviderLimit result inside a
// circuit breaker's Execute closure, distinguishing it from the breaker's
// own ErrOpenState refusal (which never called the inner gateway at all).
var errProviderLimit = errors.New("provider limit outcome")

// CooldownGateway wraps a core.Gateway with the per-provider cooldown
// window from 4.J: a provider that returns OutcomeProviderLimit trips that
// provider's circuit breaker, and subsequent invocations during the
// cooldown window are redirected to the participant's configured fallback
// provider (if any) or returned as a synthetic OutcomeProviderLimit.
type CooldownGateway struct {
	inner    core.Gateway
	cooldown time.Duration
	logger   *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[core.Outcome]
}

var _ core.Gateway = (*CooldownGateway)(nil)

// NewCooldownGateway wraps inner with a per-provider cooldown window. A
// zero cooldown defaults to one minute.
func NewCooldownGateway(inner core.Gateway, cooldown time.Duration, logger *logging.Logger) *CooldownGateway {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CooldownGateway{
		inner:    inner,
		cooldown: cooldown,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[core.Outcome]),
	}
}

func (g *CooldownGateway) breakerFor(provider string) *gobreaker.CircuitBreaker[core.Outcome] {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[core.Outcome](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     g.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Info("provider cooldown state change", "provider", name, "from", from, "to", to)
		},
	})
	g.breakers[provider] = cb
	return cb
}

// Invoke implements core.Gateway. A participant whose provider is cooling
// down and who configured a FallbackProvider is retried once against that
// fallback; otherwise the caller sees a synthetic OutcomeProviderLimit
// without ever reaching the inner gateway.
func (g *CooldownGateway) Invoke(ctx context.Context, participant core.Participant, phase core.RoundPhase, prompt string, resources core.InvokeResources, deadline time.Time) (core.Outcome, error) {
	outcome, err := g.invokeThroughBreaker(ctx, participant, phase, prompt, resources, deadline)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		return outcome, err
	}

	if participant.FallbackProvider == "" {
		return core.Outcome{Kind: core.OutcomeProviderLimit, Detail: fmt.Sprintf("provider %q is in cooldown, no fallback configured", participant.ID.Provider())}, nil
	}
	fallback := participant
	fallback.ID = core.ParticipantID(participant.FallbackProvider + "#" + participant.ID.Alias())
	return g.invokeThroughBreaker(ctx, fallback, phase, prompt, resources, deadline)
}

func (g *CooldownGateway) invokeThroughBreaker(ctx context.Context, participant core.Participant, phase core.RoundPhase, prompt string, resources core.InvokeResources, deadline time.Time) (core.Outcome, error) {
	cb := g.breakerFor(participant.ID.Provider())
	var innerErr error
	outcome, err := cb.Execute(func() (core.Outcome, error) {
		outcome, callErr := g.inner.Invoke(ctx, participant, phase, prompt, resources, deadline)
		innerErr = callErr
		if callErr != nil {
			return outcome, callErr
		}
		if outcome.Kind == core.OutcomeProviderLimit {
			// Trips the breaker's failure counter without surfacing a
			// participant-classifiable outcome as a Go error to the caller.
			return outcome, errProviderLimit
		}
		return outcome, nil
	})
	if errors.Is(err, errProviderLimit) {
		return outcome, innerErr
	}
	return outcome, err
}
