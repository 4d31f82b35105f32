//go:build unix

package pipeline

import (
	"os/exec"
	"syscall"
)

// isolateProcess runs the child in its own process group and kills the
// whole group when the invocation context ends.
func isolateProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
