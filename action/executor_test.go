package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

type call struct {
	detached bool
	name     string
	args     []string
	stdin    string
}

type fakeRunner struct {
	calls []call
	err   error
}

func (f *fakeRunner) Start(name string, args []string) error {
	f.calls = append(f.calls, call{detached: true, name: name, args: args})
	return f.err
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, stdin string) error {
	f.calls = append(f.calls, call{name: name, args: args, stdin: stdin})
	return f.err
}

// TEST801: each action kind maps to its command
func Test801_actions_map_to_commands(t *testing.T) {
	r := &fakeRunner{}
	cmds := DefaultCommands()
	cmds.Clipboard = []string{"wl-copy", "--trim-newline"}
	e := NewExecutor(cmds, r, logging.NewNop())
	ctx := context.Background()

	for _, a := range []wire.Action{
		wire.ExecAction{Command: "foot", Args: []string{"-e", "htop"}},
		wire.OpenAction{URI: "https://example.org"},
		wire.ClipboardAction{Text: "42"},
		wire.LaunchAction{AppID: "firefox", Args: []string{"--private-window"}},
	} {
		fwd, err := e.Execute(ctx, a)
		require.NoError(t, err, a.Type())
		assert.Nil(t, fwd)
	}

	assert.Equal(t, []call{
		{detached: true, name: "foot", args: []string{"-e", "htop"}},
		{detached: true, name: "xdg-open", args: []string{"https://example.org"}},
		{name: "wl-copy", args: []string{"--trim-newline"}, stdin: "42"},
		{detached: true, name: "gtk-launch", args: []string{"firefox", "--private-window"}},
	}, r.calls)
}

// TEST802: callbacks are returned for forwarding, never executed
func Test802_callback_forwarded(t *testing.T) {
	r := &fakeRunner{}
	e := NewExecutor(DefaultCommands(), r, logging.NewNop())

	cb := wire.CallbackAction{Key: "kill", Params: map[string]string{"pid": "7"}}
	fwd, err := e.Execute(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, &cb, fwd)
	assert.Empty(t, r.calls)
}

// TEST803: failures surface as action_failed errors
func Test803_failures(t *testing.T) {
	r := &fakeRunner{err: errors.New("exec: not found")}
	e := NewExecutor(DefaultCommands(), r, logging.NewNop())

	_, err := e.Execute(context.Background(), wire.OpenAction{URI: "x"})
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.CodeActionFailed, we.Code)
	assert.Contains(t, we.Message, "not found")

	e = NewExecutor(Commands{}, &fakeRunner{}, logging.NewNop())
	_, err = e.Execute(context.Background(), wire.ClipboardAction{Text: "x"})
	require.ErrorAs(t, err, &we)
	assert.Contains(t, we.Message, ErrNotConfigured.Error())

	_, err = e.Execute(context.Background(), nil)
	assert.Error(t, err)
}

// TEST804: the process runner pipes stdin and reports failures
func Test804_process_runner(t *testing.T) {
	var r ProcessRunner
	require.NoError(t, r.Run(context.Background(), "/bin/sh", []string{"-c", `read line; test "$line" = hello`}, "hello\n"))

	err := r.Run(context.Background(), "/bin/sh", []string{"-c", "echo broken >&2; exit 2"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	require.NoError(t, r.Start("/bin/sh", []string{"-c", "exit 0"}))
	assert.Error(t, r.Start("/definitely/not/here", nil))
}

// TEST805: a command that leaves a child holding stderr open still returns
// once it exits or its deadline passes
func Test805_process_runner_bounded_by_forked_child(t *testing.T) {
	var r ProcessRunner
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Run(ctx, "sh", []string{"-c", "cat >/dev/null; sleep 3 &"}, "42")
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)

	ctx, cancel = context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start = time.Now()
	err = r.Run(ctx, "sh", []string{"-c", "sleep 3 & sleep 3"}, "")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}
