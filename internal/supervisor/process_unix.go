//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// processGroupsSupported is true where the whole group can be signalled.
const processGroupsSupported = true

// setupProcessGroup makes the child a new process group leader.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// groupID returns the pgid of a started child.
func groupID(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}

// signalGroup delivers sig to every member of the group. A vanished group
// is not an error.
func signalGroup(h *Handle, graceful bool) error {
	sig := unix.SIGKILL
	if graceful {
		sig = unix.SIGTERM
	}
	err := unix.Kill(-h.pgid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// groupAlive reports whether any member of the group still exists.
func groupAlive(h *Handle) bool {
	return unix.Kill(-h.pgid, 0) == nil
}
