// Package server carries front-end connections over a unix socket (a byte
// stream of framed records) and optionally over WebSocket (one record per
// message). Both hand raw records to a conn.Manager and write whatever it
// queues back.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/machinefabric/quickd/conn"
	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// drainTimeout bounds how long a closing connection may spend flushing
const drainTimeout = 2 * time.Second

// UnixServer accepts front-ends on a unix socket
type UnixServer struct {
	path   string
	ln     net.Listener
	conns  *conn.Manager
	logger *slog.Logger
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]struct{}
}

// ListenUnix binds path, replacing a stale socket file left by a previous
// run. The caller must hold the instance lock.
func ListenUnix(path string, conns *conn.Manager, logger *slog.Logger) (*UnixServer, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return &UnixServer{
		path:   path,
		ln:     ln,
		conns:  conns,
		logger: logging.NewComponentLogger(logger, "unix"),
		live:   make(map[string]struct{}),
	}, nil
}

// Path returns the socket path
func (s *UnixServer) Path() string { return s.path }

// Serve accepts connections until ctx is cancelled. The socket file is
// removed on return.
func (s *UnixServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()
	defer os.Remove(s.path)

	s.logger.Info("listening", logging.String("socket", s.path))
	var tempDelay time.Duration
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.closeLive()
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", logging.Error(err), logging.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0
		c := s.conns.Accept("unix")
		s.mu.Lock()
		s.live[c.ID()] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(nc, c)
		}()
	}
}

func (s *UnixServer) closeLive() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.conns.Close(id, nil)
	}
}

func (s *UnixServer) serveConn(nc net.Conn, c *conn.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.live, c.ID())
		s.mu.Unlock()
	}()
	limits := s.conns.Limits()
	logger := s.logger.With(logging.Conn(c.ID()))

	reader := wire.NewReader(nc)
	reader.SetLimits(limits)
	writer := wire.NewWriter(nc, wire.FormatJSON)
	writer.SetLimits(limits)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for frame := range c.Outbound() {
			writer.SetFormat(c.Format())
			if err := writer.WriteRaw(frame); err != nil {
				logger.Debug("write failed", logging.Error(err))
				s.conns.Close(c.ID(), err)
				// keep draining so nothing blocks on a dead socket
				for range c.Outbound() {
				}
				return
			}
		}
	}()

	go func() {
		<-c.Closing()
		// unblock the reader; give queued responses a bounded time to leave
		_ = nc.SetReadDeadline(time.Now())
		_ = nc.SetWriteDeadline(time.Now().Add(drainTimeout))
	}()

	s.readLoop(c, reader, logger)

	<-writeDone
	nc.Close()
	s.conns.Release(c)
	logger.Debug("connection finished", logging.Any("reason", c.Reason()))
}

func (s *UnixServer) readLoop(c *conn.Conn, reader *wire.Reader, logger *slog.Logger) {
	first := true
	for {
		body, err := reader.ReadRaw()
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrOversized):
				logging.WarnWithContext(logger, "closing connection after oversized record", "conn_oversized",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "raise connections.max_message_size or fix the client"),
				)
				s.conns.Close(c.ID(), err)
			case errors.Is(err, io.EOF), errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, net.ErrClosed):
				s.conns.Close(c.ID(), nil)
			default:
				logger.Debug("read failed", logging.Error(err))
				s.conns.Close(c.ID(), err)
			}
			return
		}
		if first {
			c.SetFormat(reader.Format())
			first = false
		}
		if !s.enqueue(c, body) {
			return
		}
	}
}

// enqueue hands body to the manager, pausing reads while the inbound queue
// is full. It reports false once the connection is closing.
func (s *UnixServer) enqueue(c *conn.Conn, body []byte) bool {
	for {
		err := s.conns.EnqueueInbound(c.ID(), body)
		switch {
		case err == nil:
			return true
		case errors.Is(err, conn.ErrBackpressure):
			select {
			case <-c.Room():
			case <-c.Closing():
				return false
			}
		default:
			return false
		}
	}
}
