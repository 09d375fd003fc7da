package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/machinefabric/quickd/conn"
	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WebSocketServer accepts front-ends over WebSocket. Text messages carry
// JSON records, binary messages CBOR records.
type WebSocketServer struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	conns    *conn.Manager
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu   sync.Mutex
	live map[string]*websocket.Conn
}

// ListenWebSocket binds addr. Only loopback origins (or none) may connect.
func ListenWebSocket(addr string, conns *conn.Manager, logger *slog.Logger) (*WebSocketServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s := &WebSocketServer{
		ln:     ln,
		conns:  conns,
		logger: logging.NewComponentLogger(logger, "websocket"),
		live:   make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     loopbackOrigin,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Addr returns the bound address
func (s *WebSocketServer) Addr() net.Addr { return s.ln.Addr() }

// Close releases a listener that was never served
func (s *WebSocketServer) Close() error { return s.ln.Close() }

// Serve runs the HTTP server until ctx is cancelled
func (s *WebSocketServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	s.logger.Info("listening", logging.String("addr", s.ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("websocket server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = s.srv.Shutdown(shutdownCtx)
	s.closeLive()
	s.wg.Wait()
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *WebSocketServer) closeLive() {
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

func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", logging.Error(err))
		return
	}
	c := s.conns.Accept(r.RemoteAddr)
	s.mu.Lock()
	s.live[c.ID()] = ws
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.live, c.ID())
			s.mu.Unlock()
		}()
		s.serveConn(ws, c)
	}()
}

func (s *WebSocketServer) serveConn(ws *websocket.Conn, c *conn.Conn) {
	logger := s.logger.With(logging.Conn(c.ID()))
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump(ws, c, logger)
	}()

	go func() {
		<-c.Closing()
		_ = ws.SetReadDeadline(time.Now())
	}()

	s.readPump(ws, c, logger)
	<-writeDone
	ws.Close()
	s.conns.Release(c)
}

func (s *WebSocketServer) readPump(ws *websocket.Conn, c *conn.Conn, logger *slog.Logger) {
	ws.SetReadLimit(int64(s.conns.Limits().Effective()))
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				logging.WarnWithContext(logger, "closing connection after oversized message", "conn_oversized",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "raise connections.max_message_size or fix the client"),
				)
				s.conns.Close(c.ID(), wire.ErrOversized)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				logger.Debug("read failed", logging.Error(err))
				s.conns.Close(c.ID(), err)
			default:
				s.conns.Close(c.ID(), nil)
			}
			return
		}
		if kind == websocket.BinaryMessage {
			c.SetFormat(wire.FormatCBOR)
		} else {
			c.SetFormat(wire.FormatJSON)
		}

		err = s.conns.EnqueueInbound(c.ID(), data)
		switch {
		case err == nil:
		case errors.Is(err, conn.ErrBackpressure):
			// message transports reject instead of pausing
			_ = s.conns.Reply(c.ID(), wire.NewErrorResponse(requestID(c.Format(), data), wire.CodeBackpressure, err.Error()))
		default:
			return
		}
	}
}

func (s *WebSocketServer) writePump(ws *websocket.Conn, c *conn.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			kind := websocket.TextMessage
			if c.Format() == wire.FormatCBOR {
				kind = websocket.BinaryMessage
			}
			if err := ws.WriteMessage(kind, frame); err != nil {
				logger.Debug("write failed", logging.Error(err))
				s.conns.Close(c.ID(), err)
				for range c.Outbound() {
				}
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conns.Close(c.ID(), err)
				for range c.Outbound() {
				}
				return
			}
		}
	}
}

// requestID extracts the id of a rejected record so the error can be
// correlated. Undecodable records get id 0.
func requestID(f wire.Format, data []byte) uint64 {
	m, err := wire.Decode(f, data)
	if err != nil {
		return 0
	}
	if req, ok := m.(*wire.Request); ok {
		return req.ID
	}
	return 0
}
