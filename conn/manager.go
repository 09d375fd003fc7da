package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// Handler consumes decoded inbound records. Both methods are called from
// the connection's dispatch goroutine.
type Handler interface {
	HandleMessage(c *Conn, m wire.Message)
	// ConnClosed runs once per connection, after its last HandleMessage.
	ConnClosed(c *Conn)
}

// Options bounds every connection
type Options struct {
	InboundQueue  int
	OutboundQueue int
	MaxInFlight   int
	Limits        wire.Limits
	Logger        *slog.Logger
}

// DefaultOptions returns the connection defaults
func DefaultOptions() Options {
	return Options{
		InboundQueue:  64,
		OutboundQueue: 256,
		MaxInFlight:   16,
		Limits:        wire.DefaultLimits(),
	}
}

// Manager owns the set of front-end connections
type Manager struct {
	opts    Options
	logger  *slog.Logger
	handler Handler

	mu    sync.RWMutex
	conns map[string]*Conn

	wg sync.WaitGroup
}

// NewManager creates a Manager. Non-positive queue sizes take the defaults.
func NewManager(opts Options) *Manager {
	def := DefaultOptions()
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = def.InboundQueue
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = def.OutboundQueue
	}
	return &Manager{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "conn"),
		conns:  make(map[string]*Conn),
	}
}

// SetHandler installs the consumer of inbound records. Call before Accept.
func (m *Manager) SetHandler(h Handler) { m.handler = h }

// Limits returns the message size limits applied to every connection
func (m *Manager) Limits() wire.Limits { return m.opts.Limits }

// Accept registers a new connection and starts its dispatch goroutine
func (m *Manager) Accept(remote string) *Conn {
	c := newConn(uuid.NewString(), remote, m.opts)
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatch(c)

	m.logger.Debug("connection accepted", logging.Conn(c.id), logging.String("remote", remote))
	return c
}

// Get looks up a live connection
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Len returns the number of live connections
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// EnqueueInbound queues one raw record. An oversized record closes the
// connection; a full queue returns ErrBackpressure and queues nothing.
func (m *Manager) EnqueueInbound(id string, data []byte) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	if limit := m.opts.Limits.Effective(); len(data) > limit {
		m.Close(id, wire.ErrOversized)
		return fmt.Errorf("%w: %d bytes exceeds %d", wire.ErrOversized, len(data), limit)
	}
	return c.pushInbound(data)
}

// EnqueueOutbound encodes a batch in the connection's framing and queues
// it. A full outbound queue closes the connection as a slow consumer.
func (m *Manager) EnqueueOutbound(id string, batch []*wire.Response) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	frames, err := m.encode(c.Format(), batch)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := c.pushOutbound(f); err != nil {
			if errors.Is(err, ErrSlowConsumer) {
				logging.WarnWithContext(m.logger, "closing slow connection", "conn_slow_consumer",
					logging.Conn(id),
					logging.Int("queued", len(c.outbound)),
					logging.String(logging.FieldErrorHint, "the client stopped reading responses"),
				)
				m.Close(id, ErrSlowConsumer)
			}
			return err
		}
	}
	return nil
}

// Reply queues a single response
func (m *Manager) Reply(id string, resp *wire.Response) error {
	return m.EnqueueOutbound(id, []*wire.Response{resp})
}

// encode produces one frame for the batch, or one frame per response when
// the batch as a whole is over the size limit. A response that is too large
// on its own is replaced by an oversized_message error.
func (m *Manager) encode(f wire.Format, batch []*wire.Response) ([][]byte, error) {
	limit := m.opts.Limits.Effective()
	body, err := wire.EncodeBatch(f, batch)
	if err != nil {
		return nil, err
	}
	if len(body) <= limit {
		return [][]byte{body}, nil
	}

	frames := make([][]byte, 0, len(batch))
	for _, resp := range batch {
		one, err := wire.Encode(f, resp)
		if err != nil {
			return nil, err
		}
		if len(one) > limit {
			e := wire.NewErrorResponse(resp.ID, wire.CodeOversizedMessage,
				fmt.Sprintf("response of %d bytes exceeds the %d byte limit", len(one), limit))
			e.Source = resp.Source
			if one, err = wire.Encode(f, e); err != nil {
				return nil, err
			}
		}
		frames = append(frames, one)
	}
	return frames, nil
}

// Close starts draining a connection: no more inbound records are taken,
// queued outbound frames can still be written. reason is nil for a normal
// close.
func (m *Manager) Close(id string, reason error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if !ok || !c.beginClose(reason) {
		return
	}
	if reason != nil {
		m.logger.Info("connection closed", logging.Conn(id), logging.Error(reason))
	} else {
		m.logger.Debug("connection closed", logging.Conn(id))
	}
}

// Release closes c if needed and marks it Closed. Transports call it once
// the socket is gone.
func (m *Manager) Release(c *Conn) {
	m.Close(c.id, nil)
	c.finish()
}

// CloseAll starts draining every connection
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Close(id, nil)
	}
}

// Wait blocks until every dispatch goroutine has finished
func (m *Manager) Wait() { m.wg.Wait() }

// Snapshot returns stats for every live connection, ordered by id
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.Stats())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) dispatch(c *Conn) {
	defer m.wg.Done()
	for data := range c.inbound {
		c.signalRoom()
		if c.State() >= StateDraining {
			continue
		}
		msg, err := wire.Decode(c.Format(), data)
		if err != nil {
			m.logger.Debug("malformed record from client", logging.Conn(c.id), logging.Error(err))
			_ = m.Reply(c.id, wire.NewErrorResponse(0, wire.CodeInvalidRequest, err.Error()))
			continue
		}
		if msg.Kind() == wire.KindRequest {
			c.activate()
		}
		if m.handler != nil {
			m.handler.HandleMessage(c, msg)
		}
	}
	if m.handler != nil {
		m.handler.ConnClosed(c)
	}
}
