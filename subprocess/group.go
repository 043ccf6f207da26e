package subprocess

import (
	stderrors "errors"
	"os/exec"
	"syscall"
	"time"
)

// SetProcessGroup makes cmd start as a process group leader so signals reach
// any helper processes the child spawns.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SignalGroup delivers sig to cmd's whole process group. A process that is
// already gone counts as success.
func SignalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if stderrors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !stderrors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Terminate stops the process group: SIGTERM first, SIGKILL after grace. The
// wait channel must carry the result of cmd.Wait; Terminate always drains it
// so the child is fully reaped before returning.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = SignalGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		_ = SignalGroup(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}
