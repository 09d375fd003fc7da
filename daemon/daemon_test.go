package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/machinefabric/quickd/client"
	"github.com/machinefabric/quickd/config"
	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/plugin"
	"github.com/machinefabric/quickd/sdk"
	"github.com/machinefabric/quickd/wire"
)

const testPluginEnv = "QUICKD_TEST_PLUGIN"

// TestMain doubles as the test plugins: the daemon re-executes this binary
// with testPluginEnv naming the plugin to run.
func TestMain(m *testing.M) {
	if name := os.Getenv(testPluginEnv); name != "" {
		if err := runTestPlugin(name); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runTestPlugin(name string) error {
	pr := sdk.NewPluginRuntime(name, sdk.WithVersion("test"))
	switch name {
	case "echo", "mirror":
		pr.Register(wire.MethodSearch, func(_ context.Context, req *sdk.Request) (json.RawMessage, error) {
			var p sdk.SearchParams
			if err := req.Bind(&p); err != nil {
				return nil, err
			}
			return wire.MatchesResult([]wire.Match{{Title: name + ":" + p.Query, Actions: []wire.MatchAction{}}})
		})
		pr.Register(wire.MethodCallback, func(_ context.Context, req *sdk.Request) (json.RawMessage, error) {
			var cb wire.CallbackParams
			if err := req.Bind(&cb); err != nil {
				return nil, err
			}
			return wire.MatchesResult([]wire.Match{{Title: cb.Key + "=" + cb.Params["v"], Actions: []wire.MatchAction{}}})
		})
	case "slow":
		pr.Register(wire.MethodSearch, func(ctx context.Context, req *sdk.Request) (json.RawMessage, error) {
			var p sdk.SearchParams
			if err := req.Bind(&p); err != nil {
				return nil, err
			}
			if p.Query != "fast" {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(10 * time.Second):
				}
			}
			return wire.MatchesResult([]wire.Match{{Title: "slow:" + p.Query, Actions: []wire.MatchAction{}}})
		})
	default:
		return errors.New("unknown test plugin " + name)
	}
	return pr.Run()
}

func testPlugin(name string) plugin.Descriptor {
	return plugin.Descriptor{Name: name, Path: os.Args[0], Env: []string{testPluginEnv + "=" + name}}
}

type recordingRunner struct {
	mu      sync.Mutex
	started [][]string
	stdin   []string
}

func (r *recordingRunner) Start(name string, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, append([]string{name}, args...))
	return nil
}

func (r *recordingRunner) Run(_ context.Context, name string, args []string, stdin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, append([]string{name}, args...))
	r.stdin = append(r.stdin, stdin)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "qd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Daemon.Socket = filepath.Join(dir, "quickd.sock")
	cfg.Plugins.Dirs = []string{filepath.Join(dir, "plugins")}
	cfg.Plugins.StopGrace = config.Duration(500 * time.Millisecond)
	cfg.Routing.RequestTimeout = config.Duration(2 * time.Second)
	return &cfg
}

type harness struct {
	d      *Daemon
	cfg    *config.Config
	runner *recordingRunner
	cancel context.CancelFunc
	errCh  chan error
}

func startDaemon(t *testing.T, cfg *config.Config, plugins ...plugin.Descriptor) *harness {
	t.Helper()
	runner := &recordingRunner{}
	d, err := New(cfg, logging.NewNop(), WithRunner(runner), WithPlugins(plugins...))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{d: d, cfg: cfg, runner: runner, cancel: cancel, errCh: make(chan error, 1)}
	go func() { h.errCh <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-h.errCh:
		cancel()
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon not ready")
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.errCh:
	case <-time.After(10 * time.Second):
	}
}

func (h *harness) waitReady(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		require.Eventually(t, func() bool {
			info, ok := h.d.Registry().Lookup(name)
			return ok && info.State == plugin.StateReady
		}, 10*time.Second, 20*time.Millisecond, "plugin %s not ready", name)
	}
}

func dial(t *testing.T, h *harness) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, h.cfg.Daemon.Socket, client.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func titles(t *testing.T, resps []*wire.Response) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, r := range resps {
		require.Nil(t, r.Error, "unexpected error from %s", r.Source)
		result, err := wire.ParseResult(r.Result)
		require.NoError(t, err)
		ms, err := result.Matches()
		require.NoError(t, err)
		require.Len(t, ms, 1)
		out[r.Source] = ms[0].Title
	}
	return out
}

// TEST901: a search fans out to every plugin and each answer names its source
func Test901_search_fan_out(t *testing.T) {
	h := startDaemon(t, testConfig(t), testPlugin("echo"), testPlugin("mirror"))
	h.waitReady(t, "echo", "mirror")
	c := dial(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resps, err := c.Search(ctx, "fire", "", 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.Equal(t, map[string]string{"echo": "echo:fire", "mirror": "mirror:fire"}, titles(t, resps))
}

// TEST902: a second daemon on the same socket is refused
func Test902_single_instance(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	d, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	err = d.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

// TEST903: status reports plugins, router counters and connections
func Test903_status(t *testing.T) {
	h := startDaemon(t, testConfig(t), testPlugin("echo"))
	h.waitReady(t, "echo")
	c := dial(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Search(ctx, "a", "", 200*time.Millisecond)
	require.NoError(t, err)

	raw, err := c.Status(ctx)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, Version, st.Version)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, h.cfg.Daemon.Socket, st.Socket)
	require.Len(t, st.Plugins, 1)
	assert.Equal(t, "echo", st.Plugins[0].Name)
	assert.Equal(t, plugin.StateReady, st.Plugins[0].State)
	assert.Equal(t, uint64(1), st.Router.Dispatched)
	assert.Equal(t, uint64(1), st.Router.Completed)
	assert.Len(t, st.Connections, 1)
}

// TEST904: non-callback actions run through the executor
func Test904_activate_side_effects(t *testing.T) {
	h := startDaemon(t, testConfig(t))
	c := dial(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Activate(ctx, "", wire.ClipboardAction{Text: "hello"})
	require.NoError(t, err)
	result, err := wire.ParseResult(resp.Result)
	require.NoError(t, err)
	assert.Equal(t, wire.ResultActivated, result.Type)

	_, err = c.Activate(ctx, "", wire.OpenAction{URI: "https://example.org"})
	require.NoError(t, err)

	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	assert.Equal(t, [][]string{{"wl-copy"}, {"xdg-open", "https://example.org"}}, h.runner.started)
	assert.Equal(t, []string{"hello"}, h.runner.stdin)
}

// TEST905: callback actions are forwarded to the plugin that produced them
func Test905_activate_callback(t *testing.T) {
	h := startDaemon(t, testConfig(t), testPlugin("echo"))
	h.waitReady(t, "echo")
	c := dial(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Activate(ctx, "echo", wire.CallbackAction{Key: "k", Params: map[string]string{"v": "1"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "k=1"}, titles(t, []*wire.Response{resp}))

	_, err = c.Activate(ctx, "", wire.CallbackAction{Key: "k"})
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.CodeInvalidRequest, we.Code)

	_, err = c.Activate(ctx, "ghost", wire.CallbackAction{Key: "k"})
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.CodeTargetNotFound, we.Code)
}

// TEST906: a newer query in the same context supersedes the slow one
func Test906_supersede(t *testing.T) {
	h := startDaemon(t, testConfig(t), testPlugin("slow"))
	h.waitReady(t, "slow")
	c := dial(t, h)

	params := json.RawMessage(`{"query":"wait"}`)
	first, firstCh, err := c.Send(&wire.Request{Method: wire.MethodSearch, Params: params, Context: "box"})
	require.NoError(t, err)
	defer c.Unsubscribe(first)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resps, err := c.Search(ctx, "fast", "box", 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"slow": "slow:fast"}, titles(t, resps))

	select {
	case r := <-firstCh:
		t.Fatalf("superseded request answered: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}

	raw, err := c.Status(ctx)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, uint64(1), st.Router.Cancelled)
}

// TEST907: restart respawns a plugin by name
func Test907_restart(t *testing.T) {
	h := startDaemon(t, testConfig(t), testPlugin("echo"))
	h.waitReady(t, "echo")
	before, _ := h.d.Registry().Lookup("echo")
	c := dial(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Restart(ctx, "echo"))
	require.Eventually(t, func() bool {
		info, _ := h.d.Registry().Lookup("echo")
		return info.State == plugin.StateReady && info.PID != before.PID
	}, 10*time.Second, 20*time.Millisecond)
	info, _ := h.d.Registry().Lookup("echo")
	assert.Equal(t, 1, info.Restarts)

	err := c.Restart(ctx, "ghost")
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.CodeTargetNotFound, we.Code)
}

// TEST908: ping answers without plugins, an unserved method yields the empty
// result and reserved methods are rejected
func Test908_ping_and_unknown(t *testing.T) {
	h := startDaemon(t, testConfig(t))
	c := dial(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Ping(ctx))

	resps, err := c.Search(ctx, "nobody", "", 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, resps, 1)
	result, err := wire.ParseResult(resps[0].Result)
	require.NoError(t, err)
	assert.Equal(t, wire.ResultEmpty, result.Type)

	_, err = c.Call(ctx, &wire.Request{Method: wire.MethodPong})
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.CodeUnknownMethod, we.Code)
}

// TEST909: plugins found in the configured directories are started
func Test909_discovered_plugins(t *testing.T) {
	cfg := testConfig(t)
	dir := cfg.Plugins.Dirs[0]
	require.NoError(t, os.MkdirAll(dir, 0o755))
	script := "#!/bin/sh\nprintf '{\"name\":\"shell\",\"capabilities\":[\"search\"]}\\n'\n" +
		"while read -r line; do case \"$line\" in *'\"quit\"'*) exit 0 ;; esac; done\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shell"), []byte(script), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a plugin"), 0o644))

	h := startDaemon(t, cfg)
	h.waitReady(t, "shell")
	snap := h.d.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []string{"search"}, snap[0].Capabilities)
}

// TEST910: shutdown stops plugins and removes the socket and lock
func Test910_shutdown(t *testing.T) {
	cfg := testConfig(t)
	h := startDaemon(t, cfg, testPlugin("echo"))
	h.waitReady(t, "echo")
	info, _ := h.d.Registry().Lookup("echo")

	h.cancel()
	select {
	case err := <-h.errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	h.errCh <- nil

	_, err := os.Stat(cfg.Daemon.Socket)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.Daemon.Socket + ".lock")
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, syscallKill(info.PID))
}

// syscallKill probes pid with signal 0
func syscallKill(pid int) error {
	return unix.Kill(pid, 0)
}
