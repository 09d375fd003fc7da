// Package sdk is the Go runtime for quickd plugins. A plugin registers a
// handler per method and calls Run; the runtime writes the registration
// record, answers liveness pings, cancels handlers the daemon withdraws and
// exits on quit.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// Request is one request handed to a HandlerFunc
type Request struct {
	ID      uint64
	Method  string
	Params  json.RawMessage
	Context string
}

// Bind decodes the request params into v
func (r *Request) Bind(v any) error {
	if len(r.Params) == 0 {
		return &wire.Error{Code: wire.CodeInvalidRequest, Message: "missing params"}
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return &wire.Error{Code: wire.CodeInvalidRequest, Message: err.Error()}
	}
	return nil
}

// HandlerFunc answers a request. ctx is cancelled when the daemon withdraws
// the request or the plugin is told to quit; the result of a cancelled
// handler is discarded. Returning a *wire.Error keeps its code.
type HandlerFunc func(ctx context.Context, req *Request) (json.RawMessage, error)

// SearchParams is the params of a search request
type SearchParams struct {
	Query string `json:"query"`
}

// Option configures a PluginRuntime
type Option func(*PluginRuntime)

// WithVersion sets the version declared at registration
func WithVersion(v string) Option {
	return func(pr *PluginRuntime) { pr.version = v }
}

// WithFormat selects the framing; CBOR plugins are answered in CBOR
func WithFormat(f wire.Format) Option {
	return func(pr *PluginRuntime) { pr.format = f }
}

// WithLogger sets the runtime logger. Plugin stderr ends up in the daemon log.
func WithLogger(l *slog.Logger) Option {
	return func(pr *PluginRuntime) { pr.logger = l }
}

// WithLimits sets the record size limit
func WithLimits(l wire.Limits) Option {
	return func(pr *PluginRuntime) { pr.limits = l }
}

// PluginRuntime handles all I/O for a plugin binary
type PluginRuntime struct {
	name    string
	version string
	format  wire.Format
	limits  wire.Limits
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewPluginRuntime creates a runtime for a plugin declaring name
func NewPluginRuntime(name string, opts ...Option) *PluginRuntime {
	pr := &PluginRuntime{
		name:     name,
		format:   wire.FormatJSON,
		limits:   wire.DefaultLimits(),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(pr)
	}
	pr.logger = logging.NewComponentLogger(pr.logger, "sdk").With(logging.Plugin(name))
	return pr
}

// Register installs the handler for method. Registered methods are the
// capabilities the plugin declares.
func (pr *PluginRuntime) Register(method string, handler HandlerFunc) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.handlers[method] = handler
}

// FindHandler returns the handler for method, or nil
func (pr *PluginRuntime) FindHandler(method string) HandlerFunc {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.handlers[method]
}

func (pr *PluginRuntime) capabilities() []string {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	caps := make([]string, 0, len(pr.handlers))
	for m := range pr.handlers {
		caps = append(caps, m)
	}
	slices.Sort(caps)
	return caps
}

// Run serves the daemon over stdin and stdout until quit or end of input
func (pr *PluginRuntime) Run() error {
	return pr.Serve(context.Background(), os.Stdin, os.Stdout)
}

// Serve runs the plugin protocol over r and w. It returns nil on quit or
// end of input, and once every running handler has returned.
func (pr *PluginRuntime) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	reader := wire.NewReaderFormat(r, pr.format)
	reader.SetLimits(pr.limits)
	out := &syncWriter{w: wire.NewWriter(w, pr.format)}
	out.w.SetLimits(pr.limits)

	reg := &wire.Register{Name: pr.name, Capabilities: pr.capabilities(), Version: pr.version}
	if err := out.write(reg); err != nil {
		return fmt.Errorf("write registration: %w", err)
	}

	s := &session{pr: pr, out: out, running: make(map[uint64]*call)}
	defer s.wg.Wait()
	defer cancelAll()

	msgs := make(chan wire.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			m, err := reader.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			if quit := s.handle(ctx, m); quit {
				pr.logger.Debug("quit received")
				return nil
			}
		}
	}
}

type session struct {
	pr  *PluginRuntime
	out *syncWriter
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[uint64]*call
}

type call struct {
	cancel context.CancelFunc
}

func (s *session) handle(ctx context.Context, m wire.Message) (quit bool) {
	switch v := m.(type) {
	case *wire.Notification:
		switch v.Method {
		case wire.MethodPing:
			if err := s.out.write(&wire.Notification{Method: wire.MethodPong}); err != nil {
				s.pr.logger.Debug("pong failed", logging.Error(err))
			}
		case wire.MethodQuit:
			return true
		}
	case *wire.Cancel:
		s.mu.Lock()
		c, ok := s.running[v.ID]
		s.mu.Unlock()
		if ok {
			c.cancel()
		}
	case *wire.Request:
		s.start(ctx, v)
	default:
		s.pr.logger.Debug("ignoring record", logging.String("kind", m.Kind().String()))
	}
	return false
}

func (s *session) start(ctx context.Context, req *wire.Request) {
	handler := s.pr.FindHandler(req.Method)
	if handler == nil {
		s.reply(wire.NewErrorResponse(req.ID, wire.CodeUnknownMethod, "no handler for "+req.Method))
		return
	}
	hctx, cancel := context.WithCancel(ctx)
	c := &call{cancel: cancel}
	s.mu.Lock()
	if prior, ok := s.running[req.ID]; ok {
		prior.cancel()
	}
	s.running[req.ID] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(req.ID, c)

		result, err := handler(hctx, &Request{ID: req.ID, Method: req.Method, Params: req.Params, Context: req.Context})
		if hctx.Err() != nil {
			return
		}
		if err != nil {
			var we *wire.Error
			if !errors.As(err, &we) {
				we = &wire.Error{Code: wire.CodeInternal, Message: err.Error()}
			}
			s.reply(&wire.Response{ID: req.ID, Error: we})
			return
		}
		if result == nil {
			result = wire.EmptyResult()
		}
		s.reply(wire.NewResultResponse(req.ID, result))
	}()
}

func (s *session) finish(id uint64, c *call) {
	c.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] == c {
		delete(s.running, id)
	}
}

func (s *session) reply(resp *wire.Response) {
	if err := s.out.write(resp); err != nil {
		s.pr.logger.Warn("write response failed",
			logging.Uint64(logging.FieldRequestID, resp.ID),
			logging.Error(err),
		)
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  *wire.Writer
}

func (s *syncWriter) write(m wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.WriteMessage(m)
}
