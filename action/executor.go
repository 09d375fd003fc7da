// Package action performs the side effects of activated match actions.
//
// Every action kind except callback is executed by the daemon itself;
// callbacks belong to the plugin that produced the match and are handed
// back to the caller for forwarding.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// ErrNotConfigured is returned when the command for an action kind is empty
var ErrNotConfigured = errors.New("no command configured for action")

// Commands are the command vectors used for open, clipboard and launch
// actions. The action argument is appended to the vector.
type Commands struct {
	Open      []string
	Clipboard []string
	Launch    []string
}

// DefaultCommands returns the freedesktop defaults
func DefaultCommands() Commands {
	return Commands{
		Open:      []string{"xdg-open"},
		Clipboard: []string{"wl-copy"},
		Launch:    []string{"gtk-launch"},
	}
}

// Runner starts external commands
type Runner interface {
	// Start runs a command detached from the daemon and does not wait.
	Start(name string, args []string) error
	// Run runs a command with stdin and waits for it.
	Run(ctx context.Context, name string, args []string, stdin string) error
}

// Executor dispatches actions to their side effect
type Executor struct {
	commands Commands
	runner   Runner
	logger   *slog.Logger
}

// NewExecutor creates an Executor. A nil runner executes real processes.
func NewExecutor(commands Commands, runner Runner, logger *slog.Logger) *Executor {
	if runner == nil {
		runner = ProcessRunner{}
	}
	return &Executor{
		commands: commands,
		runner:   runner,
		logger:   logging.NewComponentLogger(logger, "action"),
	}
}

// Execute performs a. A callback action is not executed: it is returned so
// the caller can forward it to the plugin that owns it.
func (e *Executor) Execute(ctx context.Context, a wire.Action) (*wire.CallbackAction, error) {
	var err error
	switch v := a.(type) {
	case wire.ExecAction:
		err = e.runner.Start(v.Command, v.Args)
	case wire.OpenAction:
		err = e.start(e.commands.Open, v.URI)
	case wire.ClipboardAction:
		err = e.run(ctx, e.commands.Clipboard, v.Text)
	case wire.LaunchAction:
		args := []string{v.AppID}
		args = append(args, v.Args...)
		err = e.start(e.commands.Launch, args...)
	case wire.CallbackAction:
		return &v, nil
	case nil:
		return nil, errors.New("no action")
	default:
		return nil, fmt.Errorf("%w: %s", wire.ErrUnknownAction, a.Type())
	}
	if err != nil {
		e.logger.Warn("action failed",
			logging.String("action", string(a.Type())),
			logging.Error(err),
			logging.EventType("action_failed"),
		)
		return nil, &wire.Error{Code: wire.CodeActionFailed, Message: err.Error()}
	}
	e.logger.Debug("action executed", logging.String("action", string(a.Type())))
	return nil, nil
}

func (e *Executor) start(command []string, args ...string) error {
	if len(command) == 0 {
		return ErrNotConfigured
	}
	return e.runner.Start(command[0], append(append([]string{}, command[1:]...), args...))
}

func (e *Executor) run(ctx context.Context, command []string, stdin string) error {
	if len(command) == 0 {
		return ErrNotConfigured
	}
	return e.runner.Run(ctx, command[0], command[1:], stdin)
}
