// Package client talks to a running quickd daemon over its unix socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

const subscriberQueue = 16

// ErrClosed is returned once the connection to the daemon is gone
var ErrClosed = errors.New("client: connection closed")

// Option configures a Client
type Option func(*Client)

// WithFormat selects the framing the client writes; the daemon answers in kind
func WithFormat(f wire.Format) Option {
	return func(c *Client) { c.format = f }
}

// WithLogger sets the client logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is one front-end connection. It is safe for concurrent use.
type Client struct {
	nc     net.Conn
	format wire.Format
	logger *slog.Logger
	writer *wire.Writer

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[uint64]chan *wire.Response
	nextID  atomic.Uint64

	done chan struct{}
	err  error
}

// Dial connects to the daemon socket at path
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return New(nc, opts...), nil
}

// New wraps an established connection
func New(nc net.Conn, opts ...Option) *Client {
	c := &Client{
		nc:     nc,
		format: wire.FormatJSON,
		subs:   make(map[uint64]chan *wire.Response),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "client")
	c.writer = wire.NewWriter(nc, c.format)
	go c.readLoop()
	return c
}

// Close ends the connection
func (c *Client) Close() error {
	err := c.nc.Close()
	<-c.done
	return err
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	reader := wire.NewReader(c.nc)
	for {
		body, err := reader.ReadRaw()
		if err != nil {
			c.err = err
			c.mu.Lock()
			for id, ch := range c.subs {
				close(ch)
				delete(c.subs, id)
			}
			c.mu.Unlock()
			return
		}
		batch, err := wire.DecodeBatch(reader.Format(), body)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", logging.Error(err))
			continue
		}
		for _, resp := range batch {
			c.deliver(resp)
		}
	}
}

func (c *Client) deliver(resp *wire.Response) {
	c.mu.Lock()
	ch, ok := c.subs[resp.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", logging.Uint64(logging.FieldRequestID, resp.ID))
		return
	}
	select {
	case ch <- resp:
	default:
		c.logger.Warn("subscriber queue full, dropping response",
			logging.Uint64(logging.FieldRequestID, resp.ID))
	}
}

func (c *Client) subscribe(id uint64) chan *wire.Response {
	ch := make(chan *wire.Response, subscriberQueue)
	c.mu.Lock()
	c.subs[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unsubscribe(id uint64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Client) write(m wire.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteMessage(m)
}

// Send writes req with a fresh id and returns a channel of its responses.
// The caller must call Unsubscribe with the id when done.
func (c *Client) Send(req *wire.Request) (uint64, <-chan *wire.Response, error) {
	req.ID = c.nextID.Add(1)
	ch := c.subscribe(req.ID)
	if err := c.write(req); err != nil {
		c.unsubscribe(req.ID)
		return 0, nil, err
	}
	return req.ID, ch, nil
}

// Unsubscribe stops delivery for a request id
func (c *Client) Unsubscribe(id uint64) { c.unsubscribe(id) }

// Cancel withdraws an outstanding request
func (c *Client) Cancel(id uint64) error {
	return c.write(&wire.Cancel{ID: id})
}

// Call sends req and waits for its first response. An error response is
// returned as a *wire.Error. Cancelling ctx cancels the request daemon-side.
func (c *Client) Call(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	id, ch, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	defer c.unsubscribe(id)
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		_ = c.Cancel(id)
		return nil, ctx.Err()
	}
}

// Collect sends req and gathers responses until none arrives for idle, or
// ctx ends. Responses from several plugins may arrive in separate batches.
func (c *Client) Collect(ctx context.Context, req *wire.Request, idle time.Duration) ([]*wire.Response, error) {
	id, ch, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	defer c.unsubscribe(id)

	var out []*wire.Response
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				return out, ErrClosed
			}
			out = append(out, resp)
			timer.Reset(idle)
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			_ = c.Cancel(id)
			return out, ctx.Err()
		}
	}
}

// Search queries every plugin serving search. group ties the request to a
// context so a newer query supersedes an older one.
func (c *Client) Search(ctx context.Context, query, group string, idle time.Duration) ([]*wire.Response, error) {
	params, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	return c.Collect(ctx, &wire.Request{Method: wire.MethodSearch, Params: params, Context: group}, idle)
}

// Activate asks the daemon to execute a match action on behalf of source
func (c *Client) Activate(ctx context.Context, source string, a wire.Action) (*wire.Response, error) {
	params, err := json.Marshal(wire.Activation{Source: source, Action: a})
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, &wire.Request{Method: wire.MethodActivate, Params: params})
}

// Status returns the data of the daemon's status result
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.Call(ctx, &wire.Request{Method: wire.MethodStatus})
	if err != nil {
		return nil, err
	}
	result, err := wire.ParseResult(resp.Result)
	if err != nil {
		return nil, err
	}
	if result.Type != wire.ResultStatus {
		return nil, fmt.Errorf("unexpected %q result", result.Type)
	}
	return result.Data, nil
}

// Restart restarts the named plugin
func (c *Client) Restart(ctx context.Context, plugin string) error {
	params, err := json.Marshal(map[string]string{"plugin": plugin})
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, &wire.Request{Method: wire.MethodRestart, Params: params})
	return err
}

// Ping checks the daemon answers
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, &wire.Request{Method: wire.MethodPing})
	return err
}
