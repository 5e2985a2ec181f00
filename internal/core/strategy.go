package core

import "time"

// RepairMode controls how aggressively the author is instructed to restructure
// code when resolving reviewer blockers.
type RepairMode string

const (
	RepairMinimal    RepairMode = "minimal"
	RepairBalanced   RepairMode = "balanced"
	RepairStructural RepairMode = "structural"
)

// MemoryMode controls how much prior-round context is seeded into the next
// discussion phase prompt.
type MemoryMode string

const (
	MemoryOff    MemoryMode = "off"
	MemoryBasic  MemoryMode = "basic"
	MemoryStrict MemoryMode = "strict"
)

// ConversationLanguage is the closed set of languages a task may request from
// its participants.
type ConversationLanguage string

const (
	LanguageEN ConversationLanguage = "en"
	LanguageZH ConversationLanguage = "zh"
)

// PhaseTimeouts overrides the default command timeout per round phase. A zero
// value means "use the configured default".
type PhaseTimeouts struct {
	Discussion     time.Duration
	Implementation time.Duration
	Review         time.Duration
	Verification   time.Duration
}

// StrategyOptions is the closed configuration record for a task, replacing
// the dynamic per-provider option dicts of the source system: every field is
// enumerated, and only `ExtraArgs` carries a free-form pass-through string to
// adapters.
type StrategyOptions struct {
	SandboxMode    bool
	SelfLoopMode   bool
	AutoMerge      bool
	DebateMode     bool
	PlainMode      bool
	StreamMode     bool
	EvolutionLevel int // 0..3
	RepairMode     RepairMode
	MaxRounds      int // 1..20
	EvolveUntil    *time.Time
	Language       ConversationLanguage
	MemoryMode     MemoryMode
	PhaseTimeouts  PhaseTimeouts

	ClaudeTeamAgents bool
	CodexMultiAgents bool

	// AllowedBranches restricts the Promotion Guard to targets whose current
	// branch is in this list; empty means no restriction.
	AllowedBranches []string
	// RequireCleanWorktree gates promotion on the target worktree having no
	// staged/unstaged/untracked changes and no unresolved conflicts.
	RequireCleanWorktree bool

	// TestCommand and LintCommand are the Round Executor's verification-phase
	// commands (4.H), run with PhaseTimeouts.Verification (or the default
	// command timeout). An empty command is skipped; the verification phase
	// itself still runs and still counts toward VerificationRan as long as at
	// least one of the two is configured.
	TestCommand string
	LintCommand string

	ExtraArgs string
}

// DefaultStrategyOptions returns the baseline a CreateTask call starts from
// before applying the caller's overrides.
func DefaultStrategyOptions() StrategyOptions {
	return StrategyOptions{
		SandboxMode:          true,
		SelfLoopMode:         false,
		AutoMerge:            false,
		DebateMode:           true,
		EvolutionLevel:       1,
		RepairMode:           RepairBalanced,
		MaxRounds:            1,
		Language:             LanguageEN,
		MemoryMode:           MemoryBasic,
		RequireCleanWorktree: true,
	}
}

// Validate enforces the cardinalities called out in §3: max_rounds in
// [1,20], evolution_level in [0,3], repair_mode/language/memory_mode in their
// closed sets.
func (o StrategyOptions) Validate() error {
	if o.MaxRounds < 1 || o.MaxRounds > 20 {
		return ErrValidation(CodeInvalidMaxRounds, "max_rounds must be between 1 and 20").
			WithDetail("max_rounds", o.MaxRounds)
	}
	if o.EvolutionLevel < 0 || o.EvolutionLevel > 3 {
		return ErrValidation(CodeInvalidConfig, "evolution_level must be between 0 and 3").
			WithDetail("evolution_level", o.EvolutionLevel)
	}
	switch o.RepairMode {
	case RepairMinimal, RepairBalanced, RepairStructural:
	default:
		return ErrValidation(CodeInvalidConfig, "repair_mode must be minimal, balanced, or structural").
			WithDetail("repair_mode", string(o.RepairMode))
	}
	switch o.Language {
	case LanguageEN, LanguageZH:
	default:
		return ErrValidation(CodeInvalidConfig, "conversation_language must be en or zh").
			WithDetail("conversation_language", string(o.Language))
	}
	switch o.MemoryMode {
	case MemoryOff, MemoryBasic, MemoryStrict:
	default:
		return ErrValidation(CodeInvalidConfig, "memory_mode must be off, basic, or strict").
			WithDetail("memory_mode", string(o.MemoryMode))
	}
	return nil
}

// DeadlineReached reports whether EvolveUntil is configured and has passed as
// of now. Per §4.I, evolve_until takes precedence over max_rounds as the stop
// condition whenever it is present.
func (o StrategyOptions) DeadlineReached(now time.Time) bool {
	return o.EvolveUntil != nil && !now.Before(*o.EvolveUntil)
}
