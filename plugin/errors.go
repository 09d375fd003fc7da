package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrationTimeout reports a plugin that did not register in time.
	ErrRegistrationTimeout = errors.New("plugin did not register within the grace period")
	// ErrRegistryClosed is returned once the supervisor loop has exited.
	ErrRegistryClosed = errors.New("plugin registry is closed")
	// ErrProcessClosed is returned when sending to an exited process.
	ErrProcessClosed = errors.New("plugin process has exited")
	// ErrQueueFull is returned when a process's outbound queue is full.
	ErrQueueFull = errors.New("plugin outbound queue is full")
	// ErrNotFound is returned by Spawn and Restart for an unregistered id.
	ErrNotFound = errors.New("plugin not registered")
)

// SpawnError reports a plugin executable that could not be started
type SpawnError struct {
	Plugin ID
	Path   string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn plugin %s (%s): %v", e.Plugin, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SendErrorType classifies a failed send
type SendErrorType int

const (
	SendErrorNotFound SendErrorType = iota
	SendErrorNotRunning
	SendErrorQueueFull
	SendErrorClosed
)

// SendError reports a message that could not be queued for a plugin
type SendError struct {
	Type   SendErrorType
	Plugin ID
	State  HealthState
}

func (e *SendError) Error() string {
	switch e.Type {
	case SendErrorNotFound:
		return fmt.Sprintf("send to %s: no such plugin", e.Plugin)
	case SendErrorNotRunning:
		return fmt.Sprintf("send to %s: plugin is %s", e.Plugin, e.State)
	case SendErrorQueueFull:
		return fmt.Sprintf("send to %s: outbound queue full", e.Plugin)
	case SendErrorClosed:
		return fmt.Sprintf("send to %s: process exited", e.Plugin)
	default:
		return fmt.Sprintf("send to %s: unknown error", e.Plugin)
	}
}

// Is maps send errors onto the process sentinels.
func (e *SendError) Is(target error) bool {
	switch e.Type {
	case SendErrorQueueFull:
		return target == ErrQueueFull
	case SendErrorClosed:
		return target == ErrProcessClosed
	default:
		return false
	}
}

// CrashReason describes why the supervisor declared a plugin crashed
type CrashReason int

const (
	CrashExited CrashReason = iota
	CrashUnresponsive
	CrashProtocol
)

// PluginCrash is the registry-internal record of a crash, passed to the
// restart policy and logged.
type PluginCrash struct {
	Plugin ID
	Reason CrashReason
	Err    error
}

func (e *PluginCrash) Error() string {
	switch e.Reason {
	case CrashExited:
		if e.Err != nil {
			return fmt.Sprintf("plugin %s exited: %v", e.Plugin, e.Err)
		}
		return fmt.Sprintf("plugin %s exited", e.Plugin)
	case CrashUnresponsive:
		return fmt.Sprintf("plugin %s missed its liveness checks", e.Plugin)
	case CrashProtocol:
		return fmt.Sprintf("plugin %s violated the protocol: %v", e.Plugin, e.Err)
	default:
		return fmt.Sprintf("plugin %s crashed", e.Plugin)
	}
}

func (e *PluginCrash) Unwrap() error { return e.Err }

// RegistrationError reports a rejected registration record
type RegistrationError struct {
	Plugin ID
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("plugin %s registration rejected: %v", e.Plugin, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
