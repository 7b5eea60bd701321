package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/ircserver/pkg/database"
	"github.com/aeolun/ircserver/pkg/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	limiterTTL         = 2 * time.Minute
	limiterGCInterval  = 30 * time.Second
	metricsLogInterval = 30 * time.Second
)

// Server is the chat server. Every accepted connection carries one request.
type Server struct {
	db          *database.MemDB
	archive     *database.DB // nil when the transcript archive is disabled
	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server // WebSocket endpoint
	httpAddr    net.Addr
	opsServer   *http.Server // /metrics and /health
	sessions    *SessionManager
	credentials *Credentials
	limiter     *connLimiter
	config      ServerConfig
	configPath  string
	shutdown    chan struct{}
	stopOnce    sync.Once
	trackMu     sync.Mutex // orders wg.Add against close(shutdown)
	wg          sync.WaitGroup
	metrics     *Metrics
	startTime   time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort              int
	SSHPort              int // 0 = disabled
	HTTPPort             int // WebSocket endpoint, 0 = disabled
	MetricsPort          int // /metrics and /health, 0 = disabled
	SSHHostKeyPath       string
	ReadTimeoutSeconds   int
	WriteTimeoutSeconds  int
	ConnectionsPerSecond float64 // per IP, 0 = unlimited
	ConnectionBurst      int
	BcryptCost           int
	ArchivePath          string // SQLite transcript, empty = disabled
	ArchiveFlushSeconds  int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:              6667,
		SSHPort:              0,
		HTTPPort:             0,
		MetricsPort:          9090,
		SSHHostKeyPath:       "~/.ircserver/ssh_host_key",
		ReadTimeoutSeconds:   30,
		WriteTimeoutSeconds:  10,
		ConnectionsPerSecond: 0,
		ConnectionBurst:      40,
		BcryptCost:           bcrypt.DefaultCost,
		ArchivePath:          "",
		ArchiveFlushSeconds:  30,
	}
}

// NewServer creates a new server instance with an empty store
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	credentials, err := NewCredentials(config.BcryptCost)
	if err != nil {
		return nil, err
	}

	var archive *database.DB
	if config.ArchivePath != "" {
		path, err := expandPath(config.ArchivePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
		archive, err = database.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
	}

	memDB := database.NewMemDB(archive, time.Duration(config.ArchiveFlushSeconds)*time.Second)

	metrics := NewMetrics(memDB.Stats)
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	return &Server{
		db:          memDB,
		archive:     archive,
		sessions:    sessions,
		credentials: credentials,
		limiter:     newConnLimiter(config.ConnectionsPerSecond, config.ConnectionBurst, limiterTTL),
		config:      config,
		configPath:  configPath,
		shutdown:    make(chan struct{}),
		metrics:     metrics,
		startTime:   time.Now(),
	}, nil
}

// Start starts every enabled listener and background loop
func (s *Server) Start() error {
	if err := s.listenTCP(fmt.Sprintf(":%d", s.config.TCPPort)); err != nil {
		return err
	}

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		if err := s.listenWebSocket(fmt.Sprintf(":%d", s.config.HTTPPort)); err != nil {
			s.listener.Close()
			if s.sshListener != nil {
				s.sshListener.Close()
			}
			return err
		}
	}

	// Internal only, never expose publicly
	if s.config.MetricsPort > 0 {
		s.startOpsServer(fmt.Sprintf(":%d", s.config.MetricsPort))
	}

	if s.limiter != nil {
		go s.limiter.gcLoop(limiterGCInterval)
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// listenTCP binds the TCP listener and starts accepting
func (s *Server) listenTCP(addr string) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Info().Str("addr", listener.Addr().String()).Msg("TCP server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) startOpsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	s.opsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening (/metrics, /health), internal only")
		if err := s.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Addr returns the TCP listener address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server. Safe to call more than once.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		log.Info().Msg("graceful shutdown initiated")
		s.trackMu.Lock()
		close(s.shutdown)
		s.trackMu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		if s.opsServer != nil {
			s.opsServer.Close()
		}
		s.limiter.Stop()

		active := s.sessions.CountActive()
		s.sessions.CloseAll()
		log.Info().Int("sessions", active).Msg("client sessions closed")

		s.wg.Wait()

		// Final archive flush happens inside Close
		if err := s.db.Close(); err != nil {
			log.Error().Err(err).Msg("error during store close")
			stopErr = err
		}
		if s.archive != nil {
			if err := s.archive.Close(); err != nil {
				log.Error().Err(err).Msg("error during archive close")
				stopErr = err
			}
		}

		log.Info().Msg("graceful shutdown complete")
	})
	return stopErr
}

// track adds a goroutine to the shutdown WaitGroup. It returns false once
// Stop has begun; the caller must then not start any work.
func (s *Server) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.wg.Add(1)
	return true
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("accept error")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection applies the per-IP limit and runs the session
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	remoteAddr := conn.RemoteAddr().String()
	if !s.limiter.allow(remoteAddr) {
		s.rejectConnection(conn, "tcp", remoteAddr)
		return
	}

	sess := s.sessions.CreateSession("tcp", conn, remoteAddr)
	s.serveSession(sess)
}

// rejectConnection tells a rate-limited client why and closes the connection
func (s *Server) rejectConnection(conn io.ReadWriteCloser, transport, remoteAddr string) {
	s.metrics.RecordRejectedConnection(transport)
	log.Warn().Str("remote", remoteAddr).Str("transport", transport).Msg("connection rate limit exceeded")

	sc := NewSafeConn(conn)
	sc.WriteResponse(protocol.Error(reasonTooManyConnections), s.writeTimeout())
	sc.Close()
}

func (s *Server) readTimeout() time.Duration {
	return time.Duration(s.config.ReadTimeoutSeconds) * time.Second
}

func (s *Server) writeTimeout() time.Duration {
	return time.Duration(s.config.WriteTimeoutSeconds) * time.Second
}

// serveSession runs the single request/response exchange of a session and
// always leaves it CLOSED. Transports call this after creating the session.
func (s *Server) serveSession(sess *Session) {
	defer func() {
		if s.sessions.RemoveSession(sess.ID) {
			s.disconnectionsSinceReport.Add(1)
		}
	}()

	select {
	case <-s.shutdown:
		return
	default:
	}

	s.connectionsSinceReport.Add(1)
	logger := log.With().Uint64("session", sess.ID).Str("transport", sess.Transport).Str("remote", sess.RemoteAddr).Logger()

	command := "MALFORMED"
	var resp *protocol.Response

	req, err := sess.Conn.ReadRequest(s.readTimeout())
	switch {
	case err == nil:
		sess.transition(StateParsed)
		command = commandLabel(req.Command)
		logger.Debug().Str("command", req.Command).Str("user", req.User).Msg("request")
		resp = s.handleRequest(sess, req)
	case errors.Is(err, protocol.ErrMalformed):
		s.metrics.RecordProtocolError("malformed")
		sess.transition(StateRejected)
		resp = protocol.UnknownCommand()
	case errors.Is(err, protocol.ErrLineTooLong):
		s.metrics.RecordProtocolError("too_long")
		logger.Debug().Msg("request line too long, closing")
		return
	case errors.Is(err, protocol.ErrTruncated):
		s.metrics.RecordProtocolError("truncated")
		logger.Debug().Msg("connection closed before line terminator")
		return
	default:
		logger.Debug().Err(err).Msg("read error")
		return
	}

	if err := sess.Conn.WriteResponse(resp, s.writeTimeout()); err != nil {
		logger.Debug().Err(err).Msg("write error")
		return
	}
	sess.transition(StateResponded)

	s.metrics.RecordRequest(command, resp.Token(), time.Since(sess.StartedAt))
	logger.Debug().Str("command", command).Str("status", resp.Token()).Msg("response sent")
}

// HealthHandler reports liveness and store counts as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.db.Stats()
	body := struct {
		Status         string `json:"status"`
		UptimeSeconds  int64  `json:"uptime_seconds"`
		ActiveSessions int    `json:"active_sessions"`
		Users          int    `json:"users"`
		Rooms          int    `json:"rooms"`
		Messages       int    `json:"messages"`
	}{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		ActiveSessions: s.sessions.CountActive(),
		Users:          stats.Users,
		Rooms:          stats.Rooms,
		Messages:       stats.Messages,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode health response")
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			stats := s.db.Stats()
			log.Info().
				Int("active_sessions", s.sessions.CountActive()).
				Int64("connected", s.connectionsSinceReport.Swap(0)).
				Int64("disconnected", s.disconnectionsSinceReport.Swap(0)).
				Int("goroutines", runtime.NumGoroutine()).
				Int("users", stats.Users).
				Int("rooms", stats.Rooms).
				Int("messages", stats.Messages).
				Msg("metrics")
		}
	}
}
