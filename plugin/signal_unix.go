//go:build unix

package plugin

import (
	"os"

	"golang.org/x/sys/unix"
)

func terminateGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	err := unix.Kill(-p.Pid, sig)
	if err == unix.ESRCH {
		// group already gone; fall back to the leader in case it was reparented
		if err := p.Signal(sig); err != nil {
			return os.ErrProcessDone
		}
		return nil
	}
	return err
}
