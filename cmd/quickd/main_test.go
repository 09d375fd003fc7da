package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/quickd/config"
	"github.com/machinefabric/quickd/daemon"
	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/plugin"
)

const shellPlugin = `#!/bin/sh
printf '{"name":"shell","capabilities":["search"],"version":"0.2"}\n'
while read -r line; do
	case "$line" in
	*'"search"'*)
		id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
		printf '{"id":%s,"result":{"type":"matches","data":[{"title":"from shell","description":"sh","actions":[]}]}}\n' "$id" ;;
	*'"quit"'*) exit 0 ;;
	*'"ping"'*) printf '{"method":"pong"}\n' ;;
	esac
done
`

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	socketPath string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	base, err := os.MkdirTemp("", "qdcli")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(base) })

	pluginDir := filepath.Join(base, "plugins")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "shell"), []byte(shellPlugin), 0o755))

	cfgVal := config.Default()
	cfg := &cfgVal
	cfg.Daemon.Socket = filepath.Join(base, "quickd.sock")
	cfg.Plugins.Dirs = []string{pluginDir}
	cfg.Plugins.StopGrace = config.Duration(500 * time.Millisecond)

	configPath := filepath.Join(base, "config.toml")
	data, err := cfg.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0o644))

	d, err := daemon.New(cfg, logging.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	require.Eventually(t, func() bool {
		info, ok := d.Registry().Lookup("shell")
		return ok && info.State == plugin.StateReady
	}, 10*time.Second, 20*time.Millisecond)

	return &cliTestEnv{cfg: cfg, daemon: d, socketPath: cfg.Daemon.Socket, configPath: configPath}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "quickd "+daemon.Version)
	assert.Contains(t, out, "shell")
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "search")

	out, _, err = runCLI(t, []string{"status", "--json"}, env.socketPath, env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"plugins"`)
	assert.Contains(t, out, `"state": "ready"`)
}

func TestQueryCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"query", "hello", "world"}, env.socketPath, env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "from shell")
	assert.Contains(t, out, "shell")
}

func TestRestartCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"restart", "shell"}, env.socketPath, env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Restarted shell")

	_, _, err = runCLI(t, []string{"restart", "ghost"}, env.socketPath, env.configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_not_found")
}

func TestActivateRejectsBadAction(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"activate", `{"type":"teleport"}`}, env.socketPath, env.configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse action")
}

func TestDialErrorMentionsRun(t *testing.T) {
	base := t.TempDir()
	_, _, err := runCLI(t, []string{"status"}, filepath.Join(base, "missing.sock"), filepath.Join(base, "none.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quickd run")
}

func TestConfigInitAndShow(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "nested", "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, filepath.Join(base, "q.sock"), "")
	require.NoError(t, err)
	assert.Contains(t, out, target)

	_, _, err = runCLI(t, []string{"config", "init", "--path", target}, filepath.Join(base, "q.sock"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--overwrite")

	out, _, err = runCLI(t, []string{"config", "show"}, filepath.Join(base, "q.sock"), target)
	require.NoError(t, err)
	assert.Contains(t, out, "# loaded from "+target)
	assert.Contains(t, out, "[routing]")
	assert.True(t, strings.Contains(out, filepath.Join(base, "q.sock")))
}
