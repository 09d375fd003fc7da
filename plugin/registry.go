// Package plugin supervises out-of-process plugins.
//
// A Registry owns every plugin: its descriptor, process, declared
// capabilities and health. All of that state is mutated by a single
// supervisor goroutine (Run); other goroutines talk to it through commands
// and read an immutable routing table that the supervisor republishes after
// every change.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// ID identifies a plugin within a Registry
type ID string

// Descriptor describes how to start a plugin
type Descriptor struct {
	// Name is the plugin id; it defaults to the executable's basename.
	Name string
	Path string
	Args []string
	Env  []string
}

// Info is a point-in-time view of one plugin
type Info struct {
	ID           ID          `json:"id"`
	Name         string      `json:"name"`
	Path         string      `json:"path,omitempty"`
	Version      string      `json:"version,omitempty"`
	State        HealthState `json:"state"`
	Capabilities []string    `json:"capabilities"`
	Restarts     int         `json:"restarts"`
	LastRestart  time.Time   `json:"last_restart,omitzero"`
	PID          int         `json:"pid,omitempty"`
	Attached     bool        `json:"attached,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
}

// Serves reports whether the plugin declared the method
func (i *Info) Serves(method string) bool {
	for _, c := range i.Capabilities {
		if c == method {
			return true
		}
	}
	return false
}

// Sink receives what plugins produce. Calls come from the supervisor
// goroutine and must not call back into the Registry synchronously.
type Sink interface {
	// PluginResponse delivers a response with Source set to the plugin name.
	PluginResponse(id ID, resp *wire.Response)
	// PluginLost reports that a serving plugin went away; anything still
	// pending on it will not be answered.
	PluginLost(id ID, err error)
}

// BroadcastResult is the per-plugin outcome of Broadcast
type BroadcastResult struct {
	Plugin ID
	Err    error
}

// Options configures the supervisor
type Options struct {
	RegistrationTimeout time.Duration
	LivenessInterval    time.Duration
	LivenessThreshold   int
	MaxRestarts         int
	RestartBackoff      time.Duration
	MaxBackoff          time.Duration
	RestartWindow       time.Duration
	StopGrace           time.Duration
	Limits              wire.Limits
	SendQueue           int
	Logger              *slog.Logger
}

// DefaultOptions returns the supervisor defaults
func DefaultOptions() Options {
	return Options{
		RegistrationTimeout: 3 * time.Second,
		LivenessInterval:    5 * time.Second,
		LivenessThreshold:   3,
		MaxRestarts:         5,
		RestartBackoff:      500 * time.Millisecond,
		MaxBackoff:          30 * time.Second,
		RestartWindow:       5 * time.Minute,
		StopGrace:           time.Second,
		Limits:              wire.DefaultLimits(),
		SendQueue:           defaultSendQueue,
	}
}

type eventKind int

const (
	evMessage eventKind = iota
	evExit
	evRegTimeout
	evRestartDue
)

type event struct {
	kind eventKind
	id   ID
	gen  uint64
	msg  wire.Message
	err  error
}

// managed is the supervisor's private record of a plugin.
type managed struct {
	id       ID
	desc     Descriptor
	attached bool

	name    string
	version string
	caps    []string

	state    HealthState
	proc     *Process
	gen      uint64
	missed   int
	lastPing time.Time

	crashes     []time.Time
	restarts    int
	lastRestart time.Time
	lastErr     error

	regTimer     *time.Timer
	restartTimer *time.Timer
}

func (m *managed) info() Info {
	info := Info{
		ID:           m.id,
		Name:         m.name,
		Path:         m.desc.Path,
		Version:      m.version,
		State:        m.state,
		Capabilities: append([]string{}, m.caps...),
		Restarts:     m.restarts,
		LastRestart:  m.lastRestart,
		Attached:     m.attached,
	}
	if info.Name == "" {
		info.Name = string(m.id)
	}
	if m.proc != nil {
		info.PID = m.proc.PID()
	}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	return info
}

func (m *managed) stopTimers() {
	if m.regTimer != nil {
		m.regTimer.Stop()
		m.regTimer = nil
	}
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
}

type entry struct {
	info Info
	proc *Process
}

// table is the immutable routing view published by the supervisor.
type table struct {
	entries map[ID]*entry
	order   []ID
}

// Registry owns the plugin set. Create it with New, set a Sink, then keep
// Run going for the registry's lifetime.
type Registry struct {
	opts   Options
	logger *slog.Logger
	sink   Sink

	cmdCh   chan func()
	events  chan event
	quit    chan struct{}
	stopped chan struct{}
	runOnce sync.Once

	table atomic.Pointer[table]

	// owned by the supervisor goroutine
	plugins map[ID]*managed
	order   []ID
}

// New creates a Registry. Zero timeouts, liveness settings, backoffs,
// RestartWindow and SendQueue take their defaults. MaxRestarts and
// StopGrace are used as given: zero MaxRestarts stops a plugin at its first
// crash and zero StopGrace kills without waiting.
func New(opts Options) *Registry {
	def := DefaultOptions()
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = def.RegistrationTimeout
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = def.LivenessInterval
	}
	if opts.LivenessThreshold <= 0 {
		opts.LivenessThreshold = def.LivenessThreshold
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = def.RestartBackoff
	}
	if opts.MaxBackoff < opts.RestartBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.RestartBackoff)
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = def.RestartWindow
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}

	r := &Registry{
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "registry"),
		cmdCh:   make(chan func()),
		events:  make(chan event, 256),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		plugins: make(map[ID]*managed),
	}
	r.table.Store(&table{entries: map[ID]*entry{}})
	return r
}

// SetSink installs the receiver of plugin output. Call before Run.
func (r *Registry) SetSink(s Sink) {
	r.sink = s
}

// Run drives the supervisor until ctx is cancelled, then stops every plugin
// (quit, grace, SIGTERM, grace, SIGKILL) before returning.
func (r *Registry) Run(ctx context.Context) error {
	started := false
	r.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("registry already running")
	}

	ticker := time.NewTicker(r.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case fn := <-r.cmdCh:
			fn()
		case ev := <-r.events:
			r.handleEvent(ev)
		case <-ticker.C:
			r.checkLiveness()
		}
	}
}

// Done is closed once Run has stopped every plugin and returned
func (r *Registry) Done() <-chan struct{} { return r.stopped }

// do runs fn on the supervisor goroutine and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.cmdCh <- func() { fn(); close(done) }:
	case <-r.quit:
		return ErrRegistryClosed
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrRegistryClosed
	}
}

func (r *Registry) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.quit:
	}
}

// Register adds a plugin without starting it. The returned id is the
// descriptor name, or the executable basename when the name is empty.
func (r *Registry) Register(desc Descriptor) (ID, error) {
	if desc.Path == "" {
		return "", errors.New("register plugin: empty path")
	}
	id := ID(desc.Name)
	if id == "" {
		id = ID(descriptorName(desc.Path))
	}
	desc.Name = string(id)

	var err error
	cmdErr := r.do(func() {
		if _, exists := r.plugins[id]; exists {
			err = fmt.Errorf("register plugin: %s already registered", id)
			return
		}
		r.add(&managed{id: id, desc: desc, state: StateStopped})
		r.publish()
	})
	if cmdErr != nil {
		return "", cmdErr
	}
	return id, err
}

// Spawn starts a registered plugin that is not running. A failure to start
// the executable leaves the plugin Stopped and returns a *SpawnError. An
// unknown id yields ErrNotFound.
func (r *Registry) Spawn(id ID) error {
	var err error
	cmdErr := r.do(func() {
		m, ok := r.plugins[id]
		if !ok {
			err = fmt.Errorf("spawn %s: %w", id, ErrNotFound)
			return
		}
		if m.attached {
			err = fmt.Errorf("spawn %s: attached plugins have no executable", id)
			return
		}
		if m.state != StateStopped {
			err = fmt.Errorf("spawn %s: plugin is %s", id, m.state)
			return
		}
		err = r.spawn(m)
	})
	if cmdErr != nil {
		return cmdErr
	}
	return err
}

// Attach wires a plugin that is already connected over rd and wr. It gets
// the same registration and liveness handling as a spawned plugin but no
// restart policy: when the stream ends the plugin is Stopped.
func (r *Registry) Attach(name string, rd io.Reader, wr io.Writer) (ID, error) {
	id := ID(name)
	if id == "" {
		return "", errors.New("attach plugin: empty name")
	}
	var err error
	cmdErr := r.do(func() {
		if _, exists := r.plugins[id]; exists {
			err = fmt.Errorf("attach plugin: %s already registered", id)
			return
		}
		m := &managed{id: id, desc: Descriptor{Name: name}, attached: true, state: StateStopped}
		r.add(m)
		r.track(m, AttachProcess(name, rd, wr, r.procOpts(nil)))
	})
	if cmdErr != nil {
		return "", cmdErr
	}
	return id, err
}

// Restart is the external intervention for a plugin: crash history is
// forgotten and the plugin is started again, whatever its state.
func (r *Registry) Restart(id ID) error {
	var err error
	cmdErr := r.do(func() {
		m, ok := r.plugins[id]
		if !ok {
			err = fmt.Errorf("restart %s: %w", id, ErrNotFound)
			return
		}
		if m.attached {
			err = fmt.Errorf("restart %s: attached plugins cannot be restarted", id)
			return
		}
		m.stopTimers()
		m.crashes = nil
		if m.proc != nil {
			old := m.proc
			m.proc = nil
			go old.Stop(r.opts.StopGrace)
		}
		wasServing := m.state.Running()
		r.setState(m, StateStopped)
		if wasServing && r.sink != nil {
			r.sink.PluginLost(m.id, errors.New("plugin restarted"))
		}
		m.restarts++
		m.lastRestart = time.Now()
		r.logger.Info("plugin restart requested",
			logging.Plugin(string(id)),
			logging.EventType("plugin_restart"),
		)
		err = r.spawn(m)
	})
	if cmdErr != nil {
		return cmdErr
	}
	return err
}

// Health returns the plugin's current state
func (r *Registry) Health(id ID) (HealthState, bool) {
	e, ok := r.table.Load().entries[id]
	if !ok {
		return StateStopped, false
	}
	return e.info.State, true
}

// Snapshot returns every plugin in registration order
func (r *Registry) Snapshot() []Info {
	t := r.table.Load()
	out := make([]Info, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id].info)
	}
	return out
}

// Lookup finds a plugin by id or by its declared name
func (r *Registry) Lookup(target string) (Info, bool) {
	t := r.table.Load()
	if e, ok := t.entries[ID(target)]; ok {
		return e.info, true
	}
	for _, id := range t.order {
		if e := t.entries[id]; e.info.Name == target {
			return e.info, true
		}
	}
	return Info{}, false
}

// Ready returns the Ready plugins that declare method, in registration order
func (r *Registry) Ready(method string) []Info {
	t := r.table.Load()
	var out []Info
	for _, id := range t.order {
		e := t.entries[id]
		if e.info.State == StateReady && e.info.Serves(method) {
			out = append(out, e.info)
		}
	}
	return out
}

// Send queues m for one plugin without blocking. Ready and Degraded plugins
// accept messages.
func (r *Registry) Send(id ID, m wire.Message) error {
	e, ok := r.table.Load().entries[id]
	if !ok {
		return &SendError{Type: SendErrorNotFound, Plugin: id}
	}
	return sendTo(e, m)
}

// Broadcast queues m for every Ready or Degraded plugin
func (r *Registry) Broadcast(m wire.Message) []BroadcastResult {
	t := r.table.Load()
	var out []BroadcastResult
	for _, id := range t.order {
		e := t.entries[id]
		if !e.info.State.Running() {
			continue
		}
		out = append(out, BroadcastResult{Plugin: id, Err: sendTo(e, m)})
	}
	return out
}

func sendTo(e *entry, m wire.Message) error {
	if !e.info.State.Running() || e.proc == nil {
		return &SendError{Type: SendErrorNotRunning, Plugin: e.info.ID, State: e.info.State}
	}
	switch err := e.proc.TrySend(m); {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueFull):
		return &SendError{Type: SendErrorQueueFull, Plugin: e.info.ID, State: e.info.State}
	default:
		return &SendError{Type: SendErrorClosed, Plugin: e.info.ID, State: e.info.State}
	}
}

// --- supervisor goroutine below ---

func (r *Registry) add(m *managed) {
	r.plugins[m.id] = m
	r.order = append(r.order, m.id)
}

func (r *Registry) publish() {
	t := &table{
		entries: make(map[ID]*entry, len(r.plugins)),
		order:   append([]ID(nil), r.order...),
	}
	for id, m := range r.plugins {
		t.entries[id] = &entry{info: m.info(), proc: m.proc}
	}
	r.table.Store(t)
}

func (r *Registry) setState(m *managed, to HealthState) bool {
	if m.state == to {
		return false
	}
	if !CanTransition(m.state, to) {
		r.logger.Error("illegal plugin state transition",
			logging.Plugin(string(m.id)),
			logging.String("from", m.state.String()),
			logging.String("to", to.String()),
		)
		return false
	}
	r.logger.Debug("plugin state",
		logging.Plugin(string(m.id)),
		logging.String("from", m.state.String()),
		logging.String("to", to.String()),
	)
	m.state = to
	return true
}

func (r *Registry) procOpts(env []string) ProcessOptions {
	return ProcessOptions{
		Limits:    r.opts.Limits,
		SendQueue: r.opts.SendQueue,
		Logger:    r.opts.Logger,
		Env:       env,
	}
}

func (r *Registry) spawn(m *managed) error {
	p, err := StartProcess(string(m.id), m.desc.Path, m.desc.Args, r.procOpts(m.desc.Env))
	if err != nil {
		serr := &SpawnError{Plugin: m.id, Path: m.desc.Path, Err: err}
		m.lastErr = serr
		r.setState(m, StateStopped)
		logging.WarnWithContext(r.logger, "plugin failed to start", "plugin_spawn_failed",
			logging.Plugin(string(m.id)),
			logging.Error(serr),
			logging.String(logging.FieldErrorHint, "check the plugin path and its exec permission"),
		)
		r.publish()
		return serr
	}
	r.track(m, p)
	return nil
}

// track adopts a fresh process for m and arms its registration deadline.
func (r *Registry) track(m *managed, p *Process) {
	m.gen++
	gen := m.gen
	m.proc = p
	m.missed = 0
	m.lastPing = time.Time{}
	m.lastErr = nil
	r.setState(m, StateStarting)

	id := m.id
	m.regTimer = time.AfterFunc(r.opts.RegistrationTimeout, func() {
		r.post(event{kind: evRegTimeout, id: id, gen: gen})
	})
	go r.forward(id, gen, p)

	r.logger.Debug("plugin started", logging.Plugin(string(id)), logging.Int("pid", p.PID()))
	r.publish()
}

func (r *Registry) forward(id ID, gen uint64, p *Process) {
	for msg := range p.Messages() {
		r.post(event{kind: evMessage, id: id, gen: gen, msg: msg})
	}
	<-p.Done()
	r.post(event{kind: evExit, id: id, gen: gen, err: p.Err()})
}

func (r *Registry) handleEvent(ev event) {
	m, ok := r.plugins[ev.id]
	if !ok || ev.gen != m.gen {
		return
	}
	switch ev.kind {
	case evMessage:
		r.handleMessage(m, ev.msg)
	case evExit:
		r.handleExit(m, ev.err)
	case evRegTimeout:
		m.regTimer = nil
		if m.state == StateStarting {
			r.failRegistration(m, ErrRegistrationTimeout)
		}
	case evRestartDue:
		m.restartTimer = nil
		if m.state == StateRestarting {
			m.restarts++
			m.lastRestart = time.Now()
			_ = r.spawn(m)
		}
	}
}

func (r *Registry) handleMessage(m *managed, msg wire.Message) {
	switch m.state {
	case StateStarting:
		r.handleRegistration(m, msg)
	case StateReady, StateDegraded:
		if m.state == StateDegraded {
			m.missed = 0
			r.setState(m, StateReady)
			r.logger.Info("plugin responsive again", logging.Plugin(string(m.id)), logging.EventType("plugin_recovered"))
			r.publish()
		}
		switch v := msg.(type) {
		case *wire.Response:
			v.Source = m.name
			if r.sink != nil {
				r.sink.PluginResponse(m.id, v)
			}
		case *wire.Notification:
			if v.Method != wire.MethodPong {
				r.logger.Debug("ignoring plugin notification", logging.Plugin(string(m.id)), logging.String("method", v.Method))
			}
		default:
			r.logger.Debug("ignoring plugin record", logging.Plugin(string(m.id)), logging.String("kind", msg.Kind().String()))
		}
	}
}

func (r *Registry) handleRegistration(m *managed, msg wire.Message) {
	reg, ok := msg.(*wire.Register)
	if !ok {
		r.failRegistration(m, fmt.Errorf("first record was a %s, not a registration", msg.Kind()))
		return
	}
	if err := wire.ValidateRegister(reg); err != nil {
		r.failRegistration(m, err)
		return
	}
	if owner := r.nameOwner(reg.Name); owner != nil && owner != m {
		r.failRegistration(m, fmt.Errorf("name %q is already used by plugin %s", reg.Name, owner.id))
		return
	}

	if m.regTimer != nil {
		m.regTimer.Stop()
		m.regTimer = nil
	}
	m.name = reg.Name
	m.version = reg.Version
	m.caps = append([]string(nil), reg.Capabilities...)
	r.setState(m, StateReady)
	r.logger.Info("plugin registered",
		logging.Plugin(string(m.id)),
		logging.String("name", m.name),
		logging.Any("capabilities", m.caps),
		logging.EventType("plugin_ready"),
	)
	r.publish()
}

func (r *Registry) nameOwner(name string) *managed {
	for _, id := range r.order {
		other := r.plugins[id]
		if string(other.id) == name || other.name == name {
			return other
		}
	}
	return nil
}

// failRegistration kills a plugin that never became Ready. It is not retried.
func (r *Registry) failRegistration(m *managed, err error) {
	rerr := &RegistrationError{Plugin: m.id, Err: err}
	m.stopTimers()
	m.lastErr = rerr
	if p := m.proc; p != nil {
		m.proc = nil
		p.Kill()
	}
	r.setState(m, StateStopped)
	logging.WarnWithContext(r.logger, "plugin registration failed", "plugin_registration_failed",
		logging.Plugin(string(m.id)),
		logging.Error(rerr),
		logging.String(logging.FieldErrorHint, "the plugin must print its registration record first"),
	)
	r.publish()
}

func (r *Registry) handleExit(m *managed, err error) {
	switch m.state {
	case StateStarting, StateReady, StateDegraded:
		r.crash(m, &PluginCrash{Plugin: m.id, Reason: CrashExited, Err: err})
	default:
		if m.proc != nil {
			m.proc = nil
			r.publish()
		}
	}
}

// crash records a crash and applies the restart policy.
func (r *Registry) crash(m *managed, crash *PluginCrash) {
	wasServing := m.state.Running()
	m.stopTimers()
	if p := m.proc; p != nil {
		m.proc = nil
		p.Kill()
	}
	m.lastErr = crash
	r.setState(m, StateCrashed)
	r.logger.Warn("plugin crashed",
		logging.Plugin(string(m.id)),
		logging.Error(crash),
		logging.EventType("plugin_crashed"),
	)
	if wasServing && r.sink != nil {
		r.sink.PluginLost(m.id, crash)
	}

	if m.attached {
		r.setState(m, StateStopped)
		r.publish()
		return
	}

	now := time.Now()
	m.crashes = pruneBefore(m.crashes, now.Add(-r.opts.RestartWindow))
	m.crashes = append(m.crashes, now)
	if len(m.crashes) > r.opts.MaxRestarts {
		r.setState(m, StateStopped)
		logging.WarnWithContext(r.logger, "plugin keeps crashing; not restarting", "plugin_stopped",
			logging.Plugin(string(m.id)),
			logging.Int("crashes", len(m.crashes)),
			logging.Duration("window", r.opts.RestartWindow),
			logging.String(logging.FieldErrorHint, "fix the plugin, then run: quickd restart "+string(m.id)),
		)
		r.publish()
		return
	}

	delay := Backoff(r.opts.RestartBackoff, r.opts.MaxBackoff, len(m.crashes))
	r.setState(m, StateRestarting)
	id, gen := m.id, m.gen
	m.restartTimer = time.AfterFunc(delay, func() {
		r.post(event{kind: evRestartDue, id: id, gen: gen})
	})
	r.logger.Info("plugin restart scheduled",
		logging.Plugin(string(m.id)),
		logging.Duration("delay", delay),
		logging.Int("attempt", len(m.crashes)),
	)
	r.publish()
}

func (r *Registry) checkLiveness() {
	now := time.Now()
	changed := false
	for _, id := range r.order {
		m := r.plugins[id]
		if !m.state.Running() || m.proc == nil {
			continue
		}
		heard := m.lastPing.IsZero() || m.proc.LastSeen().After(m.lastPing)
		if heard {
			m.missed = 0
			if m.state == StateDegraded {
				changed = r.setState(m, StateReady) || changed
			}
		} else {
			m.missed++
			if m.missed >= r.opts.LivenessThreshold {
				r.crash(m, &PluginCrash{Plugin: m.id, Reason: CrashUnresponsive})
				continue
			}
			if m.state == StateReady {
				changed = r.setState(m, StateDegraded) || changed
				r.logger.Warn("plugin missed a liveness check",
					logging.Plugin(string(m.id)),
					logging.Int("missed", m.missed),
					logging.EventType("plugin_degraded"),
				)
			}
		}
		if err := m.proc.TrySend(&wire.Notification{Method: wire.MethodPing}); err != nil {
			r.logger.Debug("ping not queued", logging.Plugin(string(m.id)), logging.Error(err))
		}
		m.lastPing = now
	}
	if changed {
		r.publish()
	}
}

func (r *Registry) shutdown() {
	close(r.quit)

	var wg sync.WaitGroup
	for _, id := range r.order {
		m := r.plugins[id]
		m.stopTimers()
		if p := m.proc; p != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Stop(r.opts.StopGrace)
			}()
		}
	}
	wg.Wait()

	for _, id := range r.order {
		m := r.plugins[id]
		m.proc = nil
		r.setState(m, StateStopped)
	}
	r.publish()
	r.logger.Info("plugins stopped", logging.Int("count", len(r.order)))
	close(r.stopped)
}

// Backoff returns the delay before restart attempt n (1-based):
// base * 2^(n-1), capped at limit.
func Backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
