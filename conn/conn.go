// Package conn owns front-end connection state: bounded inbound and
// outbound queues, the in-flight request count and the connection
// lifecycle. Transports (see package server) move bytes; this package
// decides when to push back.
package conn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/machinefabric/quickd/wire"
)

// State is the connection lifecycle
type State uint32

const (
	StateConnected State = iota
	StateActive
	StateDraining
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for st := StateConnected; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Conn is one front-end connection
type Conn struct {
	id     string
	remote string

	state    atomic.Uint32
	format   atomic.Uint32
	inFlight atomic.Int64
	maxIn    int64

	mu       sync.Mutex
	closing  bool
	inbound  chan []byte
	outbound chan []byte
	room     chan struct{}

	closingCh chan struct{}
	done      chan struct{}
	reason    error
}

func newConn(id, remote string, opts Options) *Conn {
	c := &Conn{
		id:        id,
		remote:    remote,
		maxIn:     int64(opts.MaxInFlight),
		inbound:   make(chan []byte, opts.InboundQueue),
		outbound:  make(chan []byte, opts.OutboundQueue),
		room:      make(chan struct{}, 1),
		closingCh: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.format.Store(uint32(wire.FormatJSON))
	return c
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// Remote describes the peer, for logs
func (c *Conn) Remote() string { return c.remote }

// State returns the lifecycle state
func (c *Conn) State() State { return State(c.state.Load()) }

// Format is the framing used for outbound batches
func (c *Conn) Format() wire.Format { return wire.Format(c.format.Load()) }

// SetFormat changes the outbound framing, normally once the transport has
// sniffed the client's first record.
func (c *Conn) SetFormat(f wire.Format) { c.format.Store(uint32(f)) }

// InFlight returns the number of admitted, unfinished requests
func (c *Conn) InFlight() int { return int(c.inFlight.Load()) }

// AcquireInFlight takes an in-flight slot or fails with ErrTooManyInFlight.
func (c *Conn) AcquireInFlight() error {
	for {
		n := c.inFlight.Load()
		if c.maxIn > 0 && n >= c.maxIn {
			return ErrTooManyInFlight
		}
		if c.inFlight.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// ReleaseInFlight returns a slot taken by AcquireInFlight
func (c *Conn) ReleaseInFlight() {
	for {
		n := c.inFlight.Load()
		if n <= 0 {
			return
		}
		if c.inFlight.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Outbound yields encoded batches for the transport to write. It is closed
// when the connection starts draining; frames already queued remain readable.
func (c *Conn) Outbound() <-chan []byte { return c.outbound }

// Closing is closed when the connection starts draining
func (c *Conn) Closing() <-chan struct{} { return c.closingCh }

// Done is closed once the transport has finished with the connection
func (c *Conn) Done() <-chan struct{} { return c.done }

// Room is signalled whenever an inbound record is taken off the queue, so a
// stream transport that hit ErrBackpressure knows when to read again.
func (c *Conn) Room() <-chan struct{} { return c.room }

// Reason returns why the connection was closed, nil for a normal close
func (c *Conn) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Conn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateClosed {
		return
	}
	if !c.closing {
		c.beginCloseLocked(nil)
	}
	c.state.Store(uint32(StateClosed))
	close(c.done)
}

func (c *Conn) activate() {
	c.state.CompareAndSwap(uint32(StateConnected), uint32(StateActive))
}

func (c *Conn) pushInbound(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	select {
	case c.inbound <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) pushOutbound(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Conn) signalRoom() {
	select {
	case c.room <- struct{}{}:
	default:
	}
}

// beginClose moves the connection to Draining. It reports false if the
// connection was already closing.
func (c *Conn) beginClose(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.beginCloseLocked(reason)
	return true
}

func (c *Conn) beginCloseLocked(reason error) {
	c.closing = true
	c.reason = reason
	c.state.Store(uint32(StateDraining))
	close(c.inbound)
	close(c.outbound)
	close(c.closingCh)
}

// Stats is a point-in-time view of a connection
type Stats struct {
	ID       string `json:"id"`
	Remote   string `json:"remote,omitempty"`
	State    State  `json:"state"`
	InFlight int    `json:"in_flight"`
	Inbound  int    `json:"inbound_queued"`
	Outbound int    `json:"outbound_queued"`
}

// Stats returns the connection's counters
func (c *Conn) Stats() Stats {
	return Stats{
		ID:       c.id,
		Remote:   c.remote,
		State:    c.State(),
		InFlight: c.InFlight(),
		Inbound:  len(c.inbound),
		Outbound: len(c.outbound),
	}
}
