//go:build !unix

package action

import "syscall"

func detachAttr() *syscall.SysProcAttr { return nil }
