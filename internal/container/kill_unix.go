//go:build !windows

package container

import (
	"os/exec"
	"syscall"
	"time"
)

// killGraceDelay separates the polite SIGTERM from the SIGKILL follow-up.
const killGraceDelay = 2 * time.Second

// setProcessGroup puts the child in its own process group so signals reach
// every descendant the agent spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup terminates the child's process group: SIGTERM first, then
// SIGKILL after a grace period for anything that ignored it.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGraceDelay)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}
