package infra

import (
	"os/exec"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// PlatformCapabilities implements domain.CapabilityChecker against the
// host: monitoring access means the process table is readable, overlay
// access means a notifier is available.
type PlatformCapabilities struct {
	logger *zap.Logger
}

// NewCapabilityChecker creates a host-backed capability checker.
func NewCapabilityChecker(logger *zap.Logger) *PlatformCapabilities {
	return &PlatformCapabilities{logger: logger}
}

// IsAuthorized returns the current capability state.
func (c *PlatformCapabilities) IsAuthorized() domain.CapabilityState {
	return domain.CapabilityState{
		HasMonitoringAccess: c.canListProcesses(),
		HasOverlayAccess:    c.hasNotifier(),
	}
}

// RequestAuthorization opens the platform settings pane where the missing
// capabilities can be granted. Fire-and-forget: the spawned process is not
// waited on and failures are only logged.
func (c *PlatformCapabilities) RequestAuthorization() {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "x-apple.systempreferences:com.apple.preference.security?Privacy")
	case "linux":
		if _, err := exec.LookPath("xdg-open"); err != nil {
			c.logger.Debug("no settings opener available")
			return
		}
		cmd = exec.Command("xdg-open", "gnome-control-center://privacy")
	default:
		return
	}

	if err := cmd.Start(); err != nil {
		c.logger.Warn("failed to open platform settings", zap.Error(err))
		return
	}
	// Detach: the settings app outlives us and we never reap it here.
	go func() { _ = cmd.Wait() }()
}

func (c *PlatformCapabilities) canListProcesses() bool {
	procs, err := process.Processes()
	return err == nil && len(procs) > 0
}

// DaemonRunning reports whether an enforcement daemon process exists,
// identified by executable name plus the hidden daemon argument. Errors
// read as "not running".
func DaemonRunning(executable string) bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name != executable {
			continue
		}
		args, err := p.CmdlineSlice()
		if err != nil || len(args) < 2 {
			continue
		}
		for _, arg := range args[1:] {
			if arg == "daemon" {
				return true
			}
		}
	}
	return false
}

func (c *PlatformCapabilities) hasNotifier() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("osascript")
		return err == nil
	case "linux":
		_, err := exec.LookPath("notify-send")
		return err == nil
	default:
		return false
	}
}

// Ensure PlatformCapabilities implements domain.CapabilityChecker.
var _ domain.CapabilityChecker = (*PlatformCapabilities)(nil)
