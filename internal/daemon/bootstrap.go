package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// enforcerArgs builds the argument vector for the hidden daemon command.
// The data directory must travel with the spawn: the child resolves flag
// defaults on its own, and without it the daemon would watch a different
// state directory than the control plane publishes to.
func enforcerArgs(poll bool, dataDir string) []string {
	args := []string{"daemon", "--data-dir", dataDir}
	if poll {
		args = append(args, "--poll")
	}
	return args
}

// SpawnEnforcer starts the enforcement daemon as a detached process by
// self-exec'ing the hidden "daemon" command. The child survives the
// spawning CLI and its terminal.
func SpawnEnforcer(poll bool, dataDir string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, enforcerArgs(poll, dataDir)...)

	// Detach from parent process and terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}
