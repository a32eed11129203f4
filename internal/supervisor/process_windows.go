//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

const processGroupsSupported = false

func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func groupID(pid int) int {
	return 0
}

// signalGroup walks the process tree and applies the same two-phase policy
// to each child individually, deepest first.
func signalGroup(h *Handle, graceful bool) error {
	root, err := process.NewProcess(int32(h.pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil
	}
	var firstErr error
	for _, p := range descendants(root) {
		if err := signalOne(p, graceful); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := signalOne(root, graceful); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func signalOne(p *process.Process, graceful bool) error {
	if graceful {
		return p.Terminate()
	}
	return p.Kill()
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(c)...)
		out = append(out, c)
	}
	return out
}

func groupAlive(h *Handle) bool {
	running, err := process.PidExists(int32(h.pid)) //nolint:gosec // pids fit in int32
	return err == nil && running
}
