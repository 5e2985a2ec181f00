// Package cli implements the Participant Gateway (spec §4.A): uniform
// subprocess invocation of external coding-agent CLIs, classified into a
// structural core.Outcome rather than raised as an error.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core"
	"github.com/arbiterhq/arbiter/internal/diagnostics"
	"github.com/arbiterhq/arbiter/internal/logging"
)

// ProviderConfig holds the per-provider defaults the registry resolves
// before a participant-level override is applied.
type ProviderConfig struct {
	Provider string
	Path     string
	Model    string
	Timeout  time.Duration
	ExtraArgs string
}

// GracePeriod is the window GracefulKill waits for SIGTERM to take effect
// before escalating to SIGKILL, per §5's "adapters must return within a
// small grace window" requirement.
const GracePeriod = 5 * time.Second

// ProcessAdapter runs one provider's CLI as a subprocess and implements
// core.Gateway for participants whose provider resolves to it.
type ProcessAdapter struct {
	config ProviderConfig
	logger *logging.Logger

	safeExec   *diagnostics.SafeExecutor
	dumpWriter *diagnostics.CrashDumpWriter

	mu        sync.Mutex
	activeCmd *exec.Cmd
}

// NewProcessAdapter constructs an adapter bound to one provider's config.
func NewProcessAdapter(cfg ProviderConfig, logger *logging.Logger) *ProcessAdapter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ProcessAdapter{config: cfg, logger: logger}
}

// WithDiagnostics wires in resource preflighting and crash-dump capture.
func (a *ProcessAdapter) WithDiagnostics(exec *diagnostics.SafeExecutor, dump *diagnostics.CrashDumpWriter) {
	a.safeExec = exec
	a.dumpWriter = dump
}

// commandResult mirrors the subprocess's raw outcome before classification.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Invoke implements core.Gateway. It never returns a non-nil error for a
// participant-classifiable failure — every such failure is encoded in the
// returned Outcome. A non-nil error is reserved for gateway misconfiguration
// (e.g. empty provider path) that the caller should treat as a system fault.
func (a *ProcessAdapter) Invoke(ctx context.Context, participant core.Participant, phase core.RoundPhase, prompt string, resources core.InvokeResources, deadline time.Time) (core.Outcome, error) {
	if a.config.Path == "" {
		return core.Outcome{}, core.ErrValidation(core.CodeInvalidConfig, "provider path not configured").
			WithDetail("provider", a.config.Provider)
	}

	timeout := time.Until(deadline)
	if timeout <= 0 {
		return core.Outcome{Kind: core.OutcomeTimeout, After: 0}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.safeExec != nil {
		preflight := a.safeExec.RunPreflight()
		if !preflight.OK {
			return core.Outcome{Kind: core.OutcomeRuntimeError, Detail: fmt.Sprintf("preflight failed: %v", preflight.Errors)}, nil
		}
	}

	model := participant.ModelOverride
	if model == "" {
		model = a.config.Model
	}
	extraArgs := participant.ArgsOverride
	if extraArgs == "" {
		extraArgs = a.config.ExtraArgs
	}

	args := buildArgs(model, extraArgs)

	cmdPath, cmdArgs, err := splitCommand(a.config.Path, args)
	if err != nil {
		return core.Outcome{}, err
	}

	resolved, lookErr := exec.LookPath(cmdPath)
	if lookErr != nil {
		return core.Outcome{Kind: core.OutcomeNotFound}, nil
	}

	// #nosec G204 -- cmdPath/args come from validated provider/participant config, never from task content.
	cmd := exec.CommandContext(ctx, resolved, cmdArgs...)
	configureProcAttr(cmd)
	if resources.WorkDir != "" {
		cmd.Dir = resources.WorkDir
	}
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "ARBITER_MANAGED=true", "ARBITER_PARTICIPANT="+string(participant.ID), "ARBITER_PHASE="+string(phase))
	for k, v := range resources.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Info("gateway: invoking participant",
		"provider", a.config.Provider,
		"participant", string(participant.ID),
		"phase", string(phase),
		"timeout", timeout,
	)

	start := time.Now()
	if startErr := cmd.Start(); startErr != nil {
		return core.Outcome{Kind: core.OutcomeRuntimeError, Detail: startErr.Error()}, nil
	}
	a.setActiveProcess(cmd)
	defer a.clearActiveProcess()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		a.logger.Warn("gateway: participant timed out", "participant", string(participant.ID), "after", duration)
		return core.Outcome{Kind: core.OutcomeTimeout, After: duration}, nil
	case ctx.Err() == context.Canceled:
		return core.Outcome{Kind: core.OutcomeRuntimeError, Detail: "invocation canceled"}, nil
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return a.classify(result), nil
		}
		return core.Outcome{Kind: core.OutcomeRuntimeError, Detail: waitErr.Error()}, nil
	}

	result.ExitCode = 0
	return core.Outcome{Kind: core.OutcomeOk, Text: extractText(result.Stdout)}, nil
}

// classify maps a non-zero-exit subprocess result to its Outcome kind per
// §4.A's provider_limit/runtime_error split.
func (a *ProcessAdapter) classify(result commandResult) core.Outcome {
	msg := strings.TrimSpace(result.Stderr)
	if msg == "" {
		msg = lastNonEmptyLine(result.Stdout)
	}
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", result.ExitCode)
	}
	lower := strings.ToLower(msg)
	if containsAny(lower, []string{"rate limit", "too many requests", "429", "quota"}) {
		return core.Outcome{Kind: core.OutcomeProviderLimit, Detail: msg}
	}
	return core.Outcome{Kind: core.OutcomeRuntimeError, Detail: msg}
}

// buildArgs constructs the provider-facing argument list from the resolved
// model override and free-form extra-args string.
func buildArgs(model, extraArgs string) []string {
	var args []string
	if model != "" {
		args = append(args, "--model", model)
	}
	if extraArgs != "" {
		args = append(args, strings.Fields(extraArgs)...)
	}
	return args
}

// splitCommand separates a (possibly multi-word, e.g. "gh copilot") command
// path from its leading arguments, preserving Windows drive-letter tokens
// (a bare split on whitespace would otherwise never break a drive letter
// apart since "C:\foo.exe" has no embedded space, so this is purely about
// not mis-splitting already-quoted tokens passed through ExtraArgs).
func splitCommand(path string, args []string) (string, []string, error) {
	parts := strings.Fields(path)
	if len(parts) == 0 {
		return "", nil, core.ErrValidation(core.CodeInvalidConfig, "provider path resolved to an empty command")
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return parts[0], append(append([]string{}, parts[1:]...), args...), nil
}

func extractText(stdout string) string {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	var sb strings.Builder
	for _, line := range lines {
		if text := extractTextFromJSONLine(line); text != "" {
			sb.WriteString(text)
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// extractTextFromJSONLine pulls human-readable text out of one line of a
// provider's JSON event stream, covering the common shapes used by
// Claude/Gemini/Codex-style CLIs.
func extractTextFromJSONLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return ""
	}
	var event struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Result  string `json:"result"`
		Text    string `json:"text"`
		Message *struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return ""
	}
	if event.Type == "result" && event.Subtype == "success" && event.Result != "" {
		return event.Result
	}
	if event.Type == "assistant" && event.Message != nil {
		for _, c := range event.Message.Content {
			if c.Type == "text" && c.Text != "" {
				return c.Text
			}
		}
	}
	if event.Type == "text" && event.Text != "" {
		return event.Text
	}
	return ""
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			if len(line) > 200 {
				return line[:200] + "..."
			}
			return line
		}
	}
	return ""
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// CheckAvailability verifies the provider's CLI resolves on PATH.
func (a *ProcessAdapter) CheckAvailability(_ context.Context) error {
	parts := strings.Fields(a.config.Path)
	if len(parts) == 0 {
		return core.ErrValidation(core.CodeInvalidConfig, "provider path not configured")
	}
	if _, err := exec.LookPath(parts[0]); err != nil {
		return core.ErrNotFound("provider", a.config.Provider)
	}
	return nil
}
