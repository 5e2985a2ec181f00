package workflow

import (
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
)

// defaultPhaseTimeout is used whenever a task's StrategyOptions.PhaseTimeouts
// leaves a phase at its zero value.
const defaultPhaseTimeout = 5 * time.Minute

// phaseTimeout resolves the configured timeout for a round phase, falling
// back to defaultPhaseTimeout when the task did not override it.
func phaseTimeout(opts core.StrategyOptions, phase core.RoundPhase) time.Duration {
	var configured time.Duration
	switch phase {
	case core.PhaseDiscussion:
		configured = opts.PhaseTimeouts.Discussion
	case core.PhaseImplementation:
		configured = opts.PhaseTimeouts.Implementation
	case core.PhaseReview:
		configured = opts.PhaseTimeouts.Review
	case core.PhaseVerification:
		configured = opts.PhaseTimeouts.Verification
	}
	if configured > 0 {
		return configured
	}
	return defaultPhaseTimeout
}
