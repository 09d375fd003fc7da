//go:build linux

package plugin

import "syscall"

// Children are placed in their own process group and receive SIGTERM if the
// daemon dies without stopping them.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGTERM}
}
