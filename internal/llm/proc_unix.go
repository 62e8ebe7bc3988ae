//go:build unix

package llm

import (
	"os/exec"
	"syscall"
)

// configureProcess starts the command in its own process group so that
// cancellation kills every process the CLI spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
