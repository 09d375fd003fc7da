package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// daemonEnd is the server side of a client pipe
type daemonEnd struct {
	t      *testing.T
	reader *wire.Reader
	writer *wire.Writer
}

func pipe(t *testing.T) (*Client, *daemonEnd) {
	t.Helper()
	cs, ds := net.Pipe()
	c := New(cs, WithLogger(logging.NewNop()))
	t.Cleanup(func() {
		ds.Close()
		c.Close()
	})
	return c, &daemonEnd{t: t, reader: wire.NewReader(ds), writer: wire.NewWriter(ds, wire.FormatJSON)}
}

func (d *daemonEnd) next() wire.Message {
	d.t.Helper()
	m, err := d.reader.ReadMessage()
	require.NoError(d.t, err)
	return m
}

func (d *daemonEnd) reply(batch ...*wire.Response) {
	d.t.Helper()
	require.NoError(d.t, d.writer.WriteBatch(batch))
}

// TEST1101: Call returns the response with the request's id
func Test1101_call(t *testing.T) {
	c, d := pipe(t)
	go func() {
		req := d.next().(*wire.Request)
		d.reply(wire.NewResultResponse(req.ID, wire.EmptyResult()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, c.Ping(ctx))
}

// TEST1102: error responses surface as *wire.Error
func Test1102_error_response(t *testing.T) {
	c, d := pipe(t)
	go func() {
		req := d.next().(*wire.Request)
		assert.Equal(t, wire.MethodRestart, req.Method)
		assert.JSONEq(t, `{"plugin":"ghost"}`, string(req.Params))
		d.reply(wire.NewErrorResponse(req.ID, wire.CodeTargetNotFound, "no plugin ghost"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Restart(ctx, "ghost")
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.CodeTargetNotFound, we.Code)
}

// TEST1103: Collect gathers responses spread over batches until idle
func Test1103_collect_batches(t *testing.T) {
	c, d := pipe(t)
	go func() {
		req := d.next().(*wire.Request)
		assert.Equal(t, "box", req.Context)
		a := wire.NewResultResponse(req.ID, wire.EmptyResult())
		a.Source = "a"
		b := wire.NewResultResponse(req.ID, wire.EmptyResult())
		b.Source = "b"
		other := wire.NewResultResponse(req.ID+100, wire.EmptyResult())
		d.reply(a, other)
		time.Sleep(20 * time.Millisecond)
		d.reply(b)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resps, err := c.Search(ctx, "q", "box", 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.Equal(t, "a", resps[0].Source)
	assert.Equal(t, "b", resps[1].Source)
}

// TEST1104: an abandoned call sends cancel for its id
func Test1104_cancel_on_context(t *testing.T) {
	c, d := pipe(t)
	got := make(chan wire.Message, 2)
	go func() {
		got <- d.next()
		got <- d.next()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, &wire.Request{Method: wire.MethodSearch, Params: json.RawMessage(`{"query":"x"}`)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	req := (<-got).(*wire.Request)
	cn, ok := (<-got).(*wire.Cancel)
	require.True(t, ok)
	assert.Equal(t, req.ID, cn.ID)
}

// TEST1105: Status unwraps the tagged status result
func Test1105_status(t *testing.T) {
	c, d := pipe(t)
	go func() {
		req := d.next().(*wire.Request)
		raw, err := wire.StatusResult(map[string]string{"version": "dev"})
		assert.NoError(t, err)
		d.reply(wire.NewResultResponse(req.ID, raw))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := c.Status(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"dev"}`, string(data))
}

// TEST1106: a dropped connection fails waiting calls
func Test1106_closed(t *testing.T) {
	c, d := pipe(t)
	go func() {
		d.next()
		c.nc.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Call(ctx, &wire.Request{Method: wire.MethodPing})
	assert.ErrorIs(t, err, ErrClosed)
	<-c.Done()
	_, _, err = c.Send(&wire.Request{Method: wire.MethodPing})
	assert.ErrorIs(t, err, ErrClosed)
}
