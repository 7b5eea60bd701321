package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/ircserver/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.MaxLineLength + 2,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// listenWebSocket serves the WebSocket transport at /ws
func (s *Server) listenWebSocket(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpAddr = listener.Addr()
	log.Info().Str("addr", listener.Addr().String()).Msg("WebSocket server listening on /ws")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("WebSocket server error")
		}
	}()
	return nil
}

// HTTPAddr returns the WebSocket listener address, nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// HandleWebSocket upgrades the request and runs one request/response
// exchange. The request line is sent as one text message and the response
// comes back as one text message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	if !s.limiter.allow(r.RemoteAddr) {
		s.metrics.RecordRejectedConnection("websocket")
		log.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection rate limit exceeded")
		http.Error(w, reasonTooManyConnections, http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	ws.SetReadLimit(protocol.MaxLineLength + 2)

	sess := s.sessions.CreateSession("websocket", &webSocketConn{conn: ws}, r.RemoteAddr)
	s.serveSession(sess)
}

// webSocketConn presents a WebSocket as a byte stream. Reads continue across
// message boundaries; each Write is sent as one text message.
type webSocketConn struct {
	conn      *websocket.Conn
	reader    io.Reader
	closeOnce sync.Once
}

func (c *webSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *webSocketConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *webSocketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
