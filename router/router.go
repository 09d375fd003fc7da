// Package router turns front-end requests into plugin work and plugin
// responses back into front-end batches.
//
// All routing state (the in-flight table and the supersede tracker) is owned
// by the goroutine running Router.Run; connections and the plugin registry
// hand work to it over a bounded channel.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/machinefabric/quickd/batch"
	"github.com/machinefabric/quickd/conn"
	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/plugin"
	"github.com/machinefabric/quickd/tracker"
	"github.com/machinefabric/quickd/wire"
)

// Plugins is the registry view the router dispatches through
type Plugins interface {
	Ready(method string) []plugin.Info
	Lookup(target string) (plugin.Info, bool)
	Send(id plugin.ID, m wire.Message) error
}

// Replier sends an unbatched response to a connection
type Replier interface {
	Reply(connID string, resp *wire.Response) error
}

// Batcher accumulates routed responses per connection
type Batcher interface {
	Ingest(key string, tag uint64, resp *wire.Response)
	Complete(key string, tag uint64)
	Drop(key string, tag uint64) int
	Discard(key string)
}

var _ Batcher = (*batch.Batcher)(nil)

// Outcome is what an internal method produces. Forward re-enters routing
// with the original request id instead of answering directly.
type Outcome struct {
	Result  json.RawMessage
	Err     *wire.Error
	Forward *wire.Request
}

// InternalFunc serves a method inside the daemon. It runs on its own
// goroutine and must respect ctx.
type InternalFunc func(ctx context.Context, c *conn.Conn, req *wire.Request) Outcome

// Options configures the router
type Options struct {
	RequestTimeout time.Duration
	SweepInterval  time.Duration
	Logger         *slog.Logger
}

// Stats are the router's diagnostic counters
type Stats struct {
	Dispatched       uint64 `json:"dispatched"`
	Completed        uint64 `json:"completed"`
	Cancelled        uint64 `json:"cancelled"`
	DroppedCancelled uint64 `json:"dropped_cancelled"`
	DroppedUnknown   uint64 `json:"dropped_unknown"`
	TimedOut         uint64 `json:"timed_out"`
	InFlight         int64  `json:"in_flight"`
}

type clientKey struct {
	conn string
	id   uint64
}

// inflight is one routed request, keyed by its global id.
type inflight struct {
	global   uint64
	conn     *conn.Conn
	clientID uint64
	method   string
	pending  map[plugin.ID]string
	deadline time.Time
}

type opKind int

const (
	opRequest opKind = iota
	opCancel
	opConnClosed
	opResponse
	opPluginLost
)

type op struct {
	kind     opKind
	conn     *conn.Conn
	req      *wire.Request
	clientID uint64
	plugin   plugin.ID
	resp     *wire.Response
	err      error
	// forwarded requests skip internal method lookup
	forwarded bool
}

// Router correlates front-end requests with plugin responses
type Router struct {
	plugins Plugins
	out     Replier
	batches Batcher
	opts    Options
	logger  *slog.Logger

	internal map[string]InternalFunc

	ops  chan op
	quit chan struct{}
	ctx  context.Context

	// owned by the Run goroutine
	nextID    uint64
	requests  map[uint64]*inflight
	byClient  map[clientKey]uint64
	tracker   *tracker.Tracker
	cancelled map[uint64]time.Time

	dispatched       atomic.Uint64
	completed        atomic.Uint64
	cancelledCount   atomic.Uint64
	droppedCancelled atomic.Uint64
	droppedUnknown   atomic.Uint64
	timedOut         atomic.Uint64
	inFlight         atomic.Int64
}

// New creates a Router
func New(plugins Plugins, out Replier, batches Batcher, opts Options) *Router {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = min(max(opts.RequestTimeout/10, 10*time.Millisecond), time.Second)
	}
	return &Router{
		plugins:   plugins,
		out:       out,
		batches:   batches,
		opts:      opts,
		logger:    logging.NewComponentLogger(opts.Logger, "router"),
		internal:  make(map[string]InternalFunc),
		ops:       make(chan op, 1024),
		quit:      make(chan struct{}),
		ctx:       context.Background(),
		requests:  make(map[uint64]*inflight),
		byClient:  make(map[clientKey]uint64),
		tracker:   tracker.New(),
		cancelled: make(map[uint64]time.Time),
	}
}

// Handle serves method inside the daemon instead of routing it to plugins.
// Register handlers before Run.
func (r *Router) Handle(method string, fn InternalFunc) {
	r.internal[method] = fn
}

// Stats returns a snapshot of the counters
func (r *Router) Stats() Stats {
	return Stats{
		Dispatched:       r.dispatched.Load(),
		Completed:        r.completed.Load(),
		Cancelled:        r.cancelledCount.Load(),
		DroppedCancelled: r.droppedCancelled.Load(),
		DroppedUnknown:   r.droppedUnknown.Load(),
		TimedOut:         r.timedOut.Load(),
		InFlight:         r.inFlight.Load(),
	}
}

// Run processes routing work until ctx is cancelled
func (r *Router) Run(ctx context.Context) error {
	r.ctx = ctx
	sweep := time.NewTicker(r.opts.SweepInterval)
	defer sweep.Stop()
	defer close(r.quit)

	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-r.ops:
			r.handle(o)
		case now := <-sweep.C:
			r.sweep(now)
		}
	}
}

func (r *Router) post(o op) {
	select {
	case r.ops <- o:
	case <-r.quit:
	}
}

// HandleMessage implements conn.Handler
func (r *Router) HandleMessage(c *conn.Conn, m wire.Message) {
	switch v := m.(type) {
	case *wire.Request:
		r.post(op{kind: opRequest, conn: c, req: v})
	case *wire.Cancel:
		r.post(op{kind: opCancel, conn: c, clientID: v.ID})
	default:
		r.logger.Debug("ignoring client record", logging.Conn(c.ID()), logging.String("kind", m.Kind().String()))
	}
}

// ConnClosed implements conn.Handler
func (r *Router) ConnClosed(c *conn.Conn) {
	r.post(op{kind: opConnClosed, conn: c})
}

// PluginResponse implements plugin.Sink
func (r *Router) PluginResponse(id plugin.ID, resp *wire.Response) {
	r.post(op{kind: opResponse, plugin: id, resp: resp})
}

// PluginLost implements plugin.Sink
func (r *Router) PluginLost(id plugin.ID, err error) {
	r.post(op{kind: opPluginLost, plugin: id, err: err})
}

func (r *Router) handle(o op) {
	switch o.kind {
	case opRequest:
		r.handleRequest(o.conn, o.req, o.forwarded)
	case opCancel:
		r.handleCancel(o.conn, o.clientID)
	case opConnClosed:
		r.handleConnClosed(o.conn)
	case opResponse:
		r.handleResponse(o.plugin, o.resp)
	case opPluginLost:
		r.handlePluginLost(o.plugin, o.err)
	}
}

func (r *Router) reply(c *conn.Conn, resp *wire.Response) {
	if err := r.out.Reply(c.ID(), resp); err != nil {
		r.logger.Debug("reply not queued", logging.Conn(c.ID()), logging.Error(err))
	}
}

func (r *Router) handleRequest(c *conn.Conn, req *wire.Request, forwarded bool) {
	if fn, ok := r.internal[req.Method]; ok && !forwarded {
		go r.runInternal(c, req, fn)
		return
	}
	switch req.Method {
	case wire.MethodPong, wire.MethodQuit, wire.MethodCancel:
		r.reply(c, wire.NewErrorResponse(req.ID, wire.CodeUnknownMethod, "method "+req.Method+" is reserved"))
		return
	}

	targets, err := r.resolve(req)
	if err != nil {
		r.reply(c, ErrorResponse(req.ID, err))
		return
	}

	// a request superseding an active one takes over its in-flight slot
	if _, superseding := r.tracker.Active(c.ID(), req.Method, req.Context); !superseding {
		if err := c.AcquireInFlight(); err != nil {
			r.reply(c, ErrorResponse(req.ID, err))
			return
		}
	}

	r.nextID++
	global := r.nextID
	if prior, superseded := r.tracker.Admit(c.ID(), req.Method, req.Context, global); superseded {
		if f, ok := r.requests[prior]; ok {
			r.logger.Debug("request superseded",
				logging.Conn(c.ID()),
				logging.Uint64(logging.FieldRequestID, f.clientID),
				logging.Uint64("superseded_by", req.ID),
			)
			r.abandon(f)
		}
	}

	f := &inflight{
		global:   global,
		conn:     c,
		clientID: req.ID,
		method:   req.Method,
		pending:  make(map[plugin.ID]string, len(targets)),
		deadline: time.Now().Add(r.opts.RequestTimeout),
	}
	r.requests[global] = f
	r.byClient[clientKey{conn: c.ID(), id: req.ID}] = global
	r.inFlight.Add(1)
	r.dispatched.Add(1)

	if len(targets) == 0 {
		r.batches.Ingest(c.ID(), global, wire.NewResultResponse(req.ID, wire.EmptyResult()))
		r.finish(f)
		return
	}

	out := &wire.Request{ID: global, Method: req.Method, Params: req.Params, Context: req.Context}
	for _, t := range targets {
		f.pending[t.ID] = t.Name
	}
	for _, t := range targets {
		if err := r.plugins.Send(t.ID, out); err != nil {
			r.contribute(f, t.ID, wire.NewErrorResponse(0, ErrorCode(err), err.Error()))
		}
	}
	if len(f.pending) > 0 {
		r.logger.Debug("request dispatched",
			logging.Conn(c.ID()),
			logging.Uint64(logging.FieldRequestID, req.ID),
			logging.Uint64(logging.FieldGlobalID, global),
			logging.String("method", req.Method),
			logging.Int("targets", len(targets)),
		)
	}
}

func (r *Router) resolve(req *wire.Request) ([]plugin.Info, error) {
	if req.Target == "" {
		return r.plugins.Ready(req.Method), nil
	}
	info, ok := r.plugins.Lookup(req.Target)
	if !ok {
		return nil, &RouteError{Type: TargetNotFound, Target: req.Target}
	}
	if info.State != plugin.StateReady {
		return nil, &RouteError{Type: TargetUnavailable, Target: req.Target, State: info.State}
	}
	return []plugin.Info{info}, nil
}

// contribute records one target's answer. The request finishes once no
// target is pending.
func (r *Router) contribute(f *inflight, from plugin.ID, resp *wire.Response) {
	name, ok := f.pending[from]
	if !ok {
		return
	}
	delete(f.pending, from)
	out := *resp
	out.ID = f.clientID
	if out.Source == "" {
		out.Source = name
	}
	r.batches.Ingest(f.conn.ID(), f.global, &out)
	if len(f.pending) == 0 {
		r.finish(f)
	}
}

// finish retires a request whose targets have all answered. Its batch
// window closes early once no other request in it is still waiting.
func (r *Router) finish(f *inflight) {
	r.remove(f)
	r.tracker.Release(f.global)
	f.conn.ReleaseInFlight()
	r.completed.Add(1)
	r.batches.Complete(f.conn.ID(), f.global)
}

// abandon cancels a request whose slot passes to the request replacing it.
func (r *Router) abandon(f *inflight) {
	r.cancelTargets(f)
	r.remove(f)
	r.cancelledCount.Add(1)
}

func (r *Router) cancelTargets(f *inflight) {
	if len(f.pending) > 0 {
		c := &wire.Cancel{ID: f.global}
		for id := range f.pending {
			if err := r.plugins.Send(id, c); err != nil {
				r.logger.Debug("cancel not delivered", logging.Plugin(string(id)), logging.Error(err))
			}
		}
	}
	r.cancelled[f.global] = time.Now()
	if n := r.batches.Drop(f.conn.ID(), f.global); n > 0 {
		r.droppedCancelled.Add(uint64(n))
	}
}

func (r *Router) remove(f *inflight) {
	if _, ok := r.requests[f.global]; !ok {
		return
	}
	delete(r.requests, f.global)
	key := clientKey{conn: f.conn.ID(), id: f.clientID}
	if r.byClient[key] == f.global {
		delete(r.byClient, key)
	}
	r.inFlight.Add(-1)
}

func (r *Router) handleCancel(c *conn.Conn, clientID uint64) {
	global, ok := r.byClient[clientKey{conn: c.ID(), id: clientID}]
	if !ok {
		return
	}
	f := r.requests[global]
	r.abandon(f)
	r.tracker.Release(global)
	c.ReleaseInFlight()
	r.logger.Debug("request cancelled by client", logging.Conn(c.ID()), logging.Uint64(logging.FieldRequestID, clientID))
}

func (r *Router) handleConnClosed(c *conn.Conn) {
	for _, global := range r.tracker.Forget(c.ID()) {
		if f, ok := r.requests[global]; ok {
			r.cancelTargets(f)
			r.remove(f)
		}
	}
	r.batches.Discard(c.ID())
}

func (r *Router) handleResponse(from plugin.ID, resp *wire.Response) {
	f, ok := r.requests[resp.ID]
	if !ok {
		if _, wasCancelled := r.cancelled[resp.ID]; wasCancelled {
			r.droppedCancelled.Add(1)
			r.logger.Debug("dropping response to cancelled request", logging.Plugin(string(from)), logging.Uint64(logging.FieldGlobalID, resp.ID))
		} else {
			r.droppedUnknown.Add(1)
			r.logger.Debug("dropping response to unknown request", logging.Plugin(string(from)), logging.Uint64(logging.FieldGlobalID, resp.ID))
		}
		return
	}
	if _, pending := f.pending[from]; !pending {
		r.droppedUnknown.Add(1)
		return
	}
	r.contribute(f, from, resp)
}

func (r *Router) handlePluginLost(id plugin.ID, err error) {
	msg := "plugin crashed"
	if err != nil {
		msg = err.Error()
	}
	for _, f := range r.requests {
		if _, pending := f.pending[id]; pending {
			r.contribute(f, id, wire.NewErrorResponse(0, wire.CodePluginCrashed, msg))
		}
	}
}

// sweep resolves targets that are still pending past the deadline and
// forgets old cancellation records.
func (r *Router) sweep(now time.Time) {
	for _, f := range r.requests {
		if now.Before(f.deadline) || len(f.pending) == 0 {
			continue
		}
		r.timedOut.Add(1)
		c := &wire.Cancel{ID: f.global}
		for id := range f.pending {
			_ = r.plugins.Send(id, c)
			r.contribute(f, id, wire.NewErrorResponse(0, wire.CodeTimeout, "plugin did not answer in time"))
		}
	}
	horizon := now.Add(-2 * r.opts.RequestTimeout)
	for id, at := range r.cancelled {
		if at.Before(horizon) {
			delete(r.cancelled, id)
		}
	}
}

func (r *Router) runInternal(c *conn.Conn, req *wire.Request, fn InternalFunc) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.RequestTimeout)
	defer cancel()

	out := fn(ctx, c, req)
	switch {
	case out.Forward != nil:
		fwd := *out.Forward
		fwd.ID = req.ID
		if fwd.Context == "" {
			fwd.Context = req.Context
		}
		r.post(op{kind: opRequest, conn: c, req: &fwd, forwarded: true})
	case out.Err != nil:
		r.reply(c, &wire.Response{ID: req.ID, Error: out.Err})
	default:
		result := out.Result
		if result == nil {
			result = wire.EmptyResult()
		}
		r.reply(c, wire.NewResultResponse(req.ID, result))
	}
}

// ErrInternal wraps an error as a wire error for an Outcome
func ErrInternal(err error) *wire.Error {
	var we *wire.Error
	if errors.As(err, &we) {
		return we
	}
	return &wire.Error{Code: ErrorCode(err), Message: err.Error()}
}
