package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// runWaitDelay bounds how long Run keeps reading the command's output after
// it exits or its context ends. Children that inherit stderr hold the pipe
// open past that point.
const runWaitDelay = 500 * time.Millisecond

// ProcessRunner runs real child processes
type ProcessRunner struct{}

// Start launches the command in its own session and reaps it in the
// background.
func (ProcessRunner) Start(name string, args []string) error {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = detachAttr()
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Run runs the command to completion with stdin attached
func (ProcessRunner) Run(ctx context.Context, name string, args []string, stdin string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = runWaitDelay
	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) {
		// exited cleanly; only the output copy was cut short
		err = nil
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
