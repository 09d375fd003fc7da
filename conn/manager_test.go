package conn

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

type testHandler struct {
	gate     chan struct{}
	messages chan wire.Message
	mu       sync.Mutex
	closed   []string
}

func newTestHandler() *testHandler {
	return &testHandler{messages: make(chan wire.Message, 16)}
}

func (h *testHandler) HandleMessage(_ *Conn, m wire.Message) {
	if h.gate != nil {
		<-h.gate
	}
	h.messages <- m
}

func (h *testHandler) ConnClosed(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, c.ID())
}

func (h *testHandler) Closed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *testHandler) {
	t.Helper()
	opts.Logger = logging.NewNop()
	m := NewManager(opts)
	h := newTestHandler()
	m.SetHandler(h)
	t.Cleanup(func() {
		if h.gate != nil {
			select {
			case <-h.gate:
			default:
				close(h.gate)
			}
		}
		m.CloseAll()
		m.Wait()
	})
	return m, h
}

func nextFrame(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case f, ok := <-c.Outbound():
		require.True(t, ok, "outbound closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame")
		return nil
	}
}

// TEST601: accepted connections get distinct uuid ids
func Test601_accept(t *testing.T) {
	m, _ := newTestManager(t, DefaultOptions())
	a := m.Accept("a")
	b := m.Accept("b")
	assert.NotEqual(t, a.ID(), b.ID())
	_, err := uuid.Parse(a.ID())
	assert.NoError(t, err)
	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, 2, m.Len())

	got, ok := m.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, m.Snapshot(), 2)
}

// TEST602: a full inbound queue pushes back without queueing
func Test602_inbound_backpressure(t *testing.T) {
	opts := DefaultOptions()
	opts.InboundQueue = 2
	m, h := newTestManager(t, opts)
	h.gate = make(chan struct{})
	c := m.Accept("x")

	req := []byte(`{"id":1,"method":"search"}`)
	// the first record is taken by the dispatcher, which then blocks in the handler
	require.NoError(t, m.EnqueueInbound(c.ID(), req))
	require.Eventually(t, func() bool { return c.Stats().Inbound == 0 }, time.Second, time.Millisecond)
	require.NoError(t, m.EnqueueInbound(c.ID(), req))
	require.NoError(t, m.EnqueueInbound(c.ID(), req))
	assert.ErrorIs(t, m.EnqueueInbound(c.ID(), req), ErrBackpressure)
	assert.Equal(t, 2, c.Stats().Inbound)

	close(h.gate)
	select {
	case <-c.Room():
	case <-time.After(time.Second):
		t.Fatal("no room signal")
	}
	for i := 0; i < 3; i++ {
		<-h.messages
	}
	assert.Equal(t, StateActive, c.State())
	assert.ErrorIs(t, m.EnqueueInbound("nope", req), ErrNotFound)
}

// TEST603: the in-flight cap rejects instead of queueing
func Test603_in_flight_cap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxInFlight = 2
	m, _ := newTestManager(t, opts)
	c := m.Accept("x")

	require.NoError(t, c.AcquireInFlight())
	require.NoError(t, c.AcquireInFlight())
	assert.ErrorIs(t, c.AcquireInFlight(), ErrTooManyInFlight)
	assert.Equal(t, 2, c.InFlight())

	c.ReleaseInFlight()
	assert.NoError(t, c.AcquireInFlight())

	c.ReleaseInFlight()
	c.ReleaseInFlight()
	c.ReleaseInFlight()
	assert.Zero(t, c.InFlight())
}

// TEST604: an oversized inbound record closes the connection
func Test604_oversized_inbound_closes(t *testing.T) {
	opts := DefaultOptions()
	opts.Limits = wire.Limits{MaxMessage: 64}
	m, h := newTestManager(t, opts)
	c := m.Accept("x")

	big := []byte(`{"id":1,"method":"search","params":"` + strings.Repeat("z", 100) + `"}`)
	err := m.EnqueueInbound(c.ID(), big)
	assert.ErrorIs(t, err, wire.ErrOversized)

	select {
	case <-c.Closing():
	case <-time.After(time.Second):
		t.Fatal("connection not closing")
	}
	assert.Equal(t, StateDraining, c.State())
	assert.ErrorIs(t, c.Reason(), wire.ErrOversized)
	require.Eventually(t, func() bool { return len(h.Closed()) == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, m.Len())
}

// TEST605: batches of one are single records, larger batches are arrays
func Test605_outbound_framing(t *testing.T) {
	m, _ := newTestManager(t, DefaultOptions())
	c := m.Accept("x")

	one := &wire.Response{ID: 1, Result: wire.EmptyResult(), Source: "a"}
	require.NoError(t, m.Reply(c.ID(), one))
	assert.Equal(t, byte('{'), nextFrame(t, c)[0])

	two := []*wire.Response{one, {ID: 1, Result: wire.EmptyResult(), Source: "b"}}
	require.NoError(t, m.EnqueueOutbound(c.ID(), two))
	frame := nextFrame(t, c)
	decoded, err := wire.DecodeBatch(wire.FormatJSON, frame)
	require.NoError(t, err)
	assert.Equal(t, two, decoded)

	c.SetFormat(wire.FormatCBOR)
	require.NoError(t, m.EnqueueOutbound(c.ID(), two))
	decoded, err = wire.DecodeBatch(wire.FormatCBOR, nextFrame(t, c))
	require.NoError(t, err)
	assert.Equal(t, two, decoded)
}

// TEST606: a client that stops reading is closed as a slow consumer
func Test606_slow_consumer(t *testing.T) {
	opts := DefaultOptions()
	opts.OutboundQueue = 1
	m, _ := newTestManager(t, opts)
	c := m.Accept("x")

	resp := &wire.Response{ID: 1, Result: wire.EmptyResult()}
	require.NoError(t, m.Reply(c.ID(), resp))
	assert.ErrorIs(t, m.Reply(c.ID(), resp), ErrSlowConsumer)
	assert.ErrorIs(t, c.Reason(), ErrSlowConsumer)

	// the frame queued before the close is still delivered
	nextFrame(t, c)
	_, ok := <-c.Outbound()
	assert.False(t, ok)
	assert.ErrorIs(t, m.Reply(c.ID(), resp), ErrNotFound)
}

// TEST607: lifecycle runs Connected, Active, Draining, Closed
func Test607_lifecycle(t *testing.T) {
	m, h := newTestManager(t, DefaultOptions())
	c := m.Accept("x")
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, m.EnqueueInbound(c.ID(), []byte(`{"method":"ping"}`)))
	<-h.messages
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, m.EnqueueInbound(c.ID(), []byte(`{"id":4,"method":"search","params":"x"}`)))
	got := <-h.messages
	assert.Equal(t, &wire.Request{ID: 4, Method: "search", Params: json.RawMessage(`"x"`)}, got)
	assert.Equal(t, StateActive, c.State())

	m.Close(c.ID(), nil)
	assert.Equal(t, StateDraining, c.State())
	assert.ErrorIs(t, c.pushInbound([]byte(`{}`)), ErrClosed)

	m.Release(c)
	assert.Equal(t, StateClosed, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	require.Eventually(t, func() bool { return len(h.Closed()) == 1 }, time.Second, time.Millisecond)
	m.Release(c)
}

// TEST608: a malformed record gets an invalid_request error
func Test608_malformed_inbound(t *testing.T) {
	m, _ := newTestManager(t, DefaultOptions())
	c := m.Accept("x")

	require.NoError(t, m.EnqueueInbound(c.ID(), []byte(`{"nonsense":true}`)))
	msg, err := wire.Decode(wire.FormatJSON, nextFrame(t, c))
	require.NoError(t, err)
	resp := msg.(*wire.Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInvalidRequest, resp.Error.Code)
}

// TEST609: a batch over the size limit is split, oversized entries become errors
func Test609_oversized_batch_split(t *testing.T) {
	opts := DefaultOptions()
	opts.Limits = wire.Limits{MaxMessage: 160}
	m, _ := newTestManager(t, opts)
	c := m.Accept("x")

	small := &wire.Response{ID: 1, Result: wire.EmptyResult(), Source: "a"}
	huge := &wire.Response{ID: 1, Result: json.RawMessage(`"` + strings.Repeat("q", 400) + `"`), Source: "b"}
	require.NoError(t, m.EnqueueOutbound(c.ID(), []*wire.Response{small, small, huge}))

	first, err := wire.Decode(wire.FormatJSON, nextFrame(t, c))
	require.NoError(t, err)
	assert.Equal(t, small, first)
	nextFrame(t, c)
	last, err := wire.Decode(wire.FormatJSON, nextFrame(t, c))
	require.NoError(t, err)
	require.NotNil(t, last.(*wire.Response).Error)
	assert.Equal(t, wire.CodeOversizedMessage, last.(*wire.Response).Error.Code)
	assert.Equal(t, "b", last.(*wire.Response).Source)
}
