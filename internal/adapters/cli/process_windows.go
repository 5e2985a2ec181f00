//go:build windows

package cli

import (
	"os/exec"
	"time"
)

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}

// setActiveProcess records the running command for graceful termination.
func (a *ProcessAdapter) setActiveProcess(cmd *exec.Cmd) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeCmd = cmd
}

// clearActiveProcess clears the active command reference.
func (a *ProcessAdapter) clearActiveProcess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeCmd = nil
}

// GracefulKill on Windows falls back to Process.Kill().
func (a *ProcessAdapter) GracefulKill(_ time.Duration) error {
	a.mu.Lock()
	cmd := a.activeCmd
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
