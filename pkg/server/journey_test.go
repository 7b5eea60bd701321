package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/ircserver/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	_ "modernc.org/sqlite"
)

const ioTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient sends one request line over a fresh connection and returns
// everything the server wrote before closing it.
type transportClient interface {
	roundTrip(t *testing.T, line string) string
}

type tcpClient struct {
	addr string
}

func (c tcpClient) roundTrip(t *testing.T, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", c.addr, ioTimeout)
	require.NoError(t, err, "TCP connect to %s", c.addr)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ioTimeout))
	_, err = io.WriteString(conn, line+protocol.LineTerminator)
	require.NoError(t, err)

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

type sshClient struct {
	addr string
}

func (c sshClient) roundTrip(t *testing.T, line string) string {
	t.Helper()
	config := &ssh.ClientConfig{
		User:            "guest",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         ioTimeout,
	}
	client, err := ssh.Dial("tcp", c.addr, config)
	require.NoError(t, err, "SSH dial %s", c.addr)
	defer client.Close()

	channel, requests, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	_, err = io.WriteString(channel, line+protocol.LineTerminator)
	require.NoError(t, err)

	// The server closes the channel after responding
	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(channel)
		done <- data
	}()
	select {
	case data := <-done:
		return string(data)
	case <-time.After(ioTimeout):
		t.Fatalf("SSH read timeout for %q", line)
		return ""
	}
}

type wsClient struct {
	addr string
}

func (c wsClient) dial() (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	return dialer.Dial(fmt.Sprintf("ws://%s/ws", c.addr), nil)
}

func (c wsClient) roundTrip(t *testing.T, line string) string {
	t.Helper()
	conn, _, err := c.dial()
	require.NoError(t, err, "WebSocket dial %s", c.addr)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(line+protocol.LineTerminator)))

	conn.SetReadDeadline(time.Now().Add(ioTimeout))
	var out strings.Builder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close after response, got %v", err)
			return out.String()
		}
		out.Write(data)
	}
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

func loopback(addr net.Addr) string {
	return fmt.Sprintf("127.0.0.1:%d", addr.(*net.TCPAddr).Port)
}

// setupJourneyServer starts a server with TCP, SSH and WebSocket listeners on
// random ports.
func setupJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServers {
	t.Helper()

	config := testConfig()
	config.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	require.NoError(t, srv.listenSSH("127.0.0.1:0"))
	require.NoError(t, srv.listenWebSocket("127.0.0.1:0"))

	return &journeyServers{
		srv:     srv,
		tcpAddr: loopback(srv.Addr()),
		sshAddr: loopback(srv.SSHAddr()),
		wsAddr:  loopback(srv.HTTPAddr()),
	}
}

type transportFactory struct {
	name    string
	connect func(s *journeyServers) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(s *journeyServers) transportClient { return tcpClient{s.tcpAddr} }},
		{"ssh", func(s *journeyServers) transportClient { return sshClient{s.sshAddr} }},
		{"websocket", func(s *journeyServers) transportClient { return wsClient{s.wsAddr} }},
	}
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourneyChatSession(t *testing.T) {
	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			servers := setupJourneyServer(t, nil)
			c := tf.connect(servers)

			assert.Equal(t, "DENIED (NO USERS)\r\n", c.roundTrip(t, "LIST-ROOMS alice pw"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "ADD-USER alice pw"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "ADD-USER bob hunter2"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "CREATE-ROOM alice pw lobby"))
			assert.Equal(t, "lobby\r\n\r\n", c.roundTrip(t, "LIST-ROOMS bob hunter2"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "ENTER-ROOM alice pw lobby"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "ENTER-ROOM bob hunter2 lobby"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "SEND-MESSAGE alice pw lobby hello bob"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "SEND-MESSAGE bob hunter2 lobby hi alice"))
			assert.Equal(t, "0 alice hello bob\r\n1 bob hi alice\r\n\r\n", c.roundTrip(t, "GET-MESSAGES bob hunter2 -1 lobby"))
			assert.Equal(t, "1 bob hi alice\r\n\r\n", c.roundTrip(t, "GET-MESSAGES bob hunter2 1 lobby"))
			assert.Equal(t, "NO-NEW-MESSAGES\r\n", c.roundTrip(t, "GET-MESSAGES bob hunter2 2 lobby"))
			assert.Equal(t, "alice\r\nbob\r\n\r\n", c.roundTrip(t, "GET-USERS-IN-ROOM bob hunter2 lobby"))
			assert.Equal(t, "alice\r\nbob\r\n\r\n", c.roundTrip(t, "GET-ALL-USERS alice pw"))
			assert.Equal(t, "OK\r\n", c.roundTrip(t, "LEAVE-ROOM bob hunter2 lobby"))
			assert.Equal(t, "ERROR (User not in room)\r\n", c.roundTrip(t, "GET-MESSAGES bob hunter2 -1 lobby"))
			assert.Equal(t, "ERROR (Wrong password)\r\n", c.roundTrip(t, "GET-ALL-USERS alice wrong"))
			assert.Equal(t, "UNKNOWN COMMAND\r\n", c.roundTrip(t, "HELLO alice pw"))
			assert.Equal(t, "UNKNOWN COMMAND\r\n", c.roundTrip(t, "HELLO"))
		})
	}
}

func TestJourneyTransportsShareState(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	tcp := tcpClient{servers.tcpAddr}
	sshc := sshClient{servers.sshAddr}
	ws := wsClient{servers.wsAddr}

	assert.Equal(t, "OK\r\n", tcp.roundTrip(t, "ADD-USER alice pw"))
	assert.Equal(t, "OK\r\n", sshc.roundTrip(t, "CREATE-ROOM alice pw lobby"))
	assert.Equal(t, "OK\r\n", ws.roundTrip(t, "ENTER-ROOM alice pw lobby"))
	assert.Equal(t, "OK\r\n", tcp.roundTrip(t, "SEND-MESSAGE alice pw lobby over tcp"))
	assert.Equal(t, "OK\r\n", sshc.roundTrip(t, "SEND-MESSAGE alice pw lobby over ssh"))
	assert.Equal(t, "OK\r\n", ws.roundTrip(t, "SEND-MESSAGE alice pw lobby over websocket"))
	assert.Equal(t,
		"0 alice over tcp\r\n1 alice over ssh\r\n2 alice over websocket\r\n\r\n",
		tcp.roundTrip(t, "GET-MESSAGES alice pw -1 lobby"))
}

func TestJourneyConcurrentSenders(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	c := tcpClient{servers.tcpAddr}

	c.roundTrip(t, "ADD-USER alice pw")
	c.roundTrip(t, "CREATE-ROOM alice pw lobby")
	c.roundTrip(t, "ENTER-ROOM alice pw lobby")

	const workers = 10
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.roundTrip(t, fmt.Sprintf("SEND-MESSAGE alice pw lobby w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	resp, err := protocol.DecodeResponse([]byte(c.roundTrip(t, "GET-MESSAGES alice pw -1 lobby")))
	require.NoError(t, err)
	require.True(t, resp.List)
	require.Len(t, resp.Lines, workers*perWorker)

	seen := make(map[string]bool)
	for i, line := range resp.Lines {
		seq, author, body, err := protocol.ParseMessage(line)
		require.NoError(t, err)
		assert.Equal(t, i, seq, "sequences are contiguous")
		assert.Equal(t, "alice", author)
		assert.False(t, seen[body], "duplicate body %q", body)
		seen[body] = true
	}
}

func TestJourneyIncompleteLines(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.ReadTimeoutSeconds = 1
	})

	dial := func() net.Conn {
		conn, err := net.DialTimeout("tcp", servers.tcpAddr, ioTimeout)
		require.NoError(t, err)
		conn.SetDeadline(time.Now().Add(ioTimeout))
		return conn
	}

	t.Run("idle client times out", func(t *testing.T) {
		conn := dial()
		defer conn.Close()

		start := time.Now()
		data, _ := io.ReadAll(conn)
		assert.Empty(t, data)
		assert.Less(t, time.Since(start), 4*time.Second)
	})

	t.Run("ssh client without a channel times out", func(t *testing.T) {
		client, err := ssh.Dial("tcp", servers.sshAddr, &ssh.ClientConfig{
			User:            "guest",
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         ioTimeout,
		})
		require.NoError(t, err)
		defer client.Close()

		closed := make(chan struct{})
		go func() {
			client.Wait()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(4 * time.Second):
			t.Fatal("server kept an SSH connection without a session channel open")
		}
	})

	t.Run("missing terminator", func(t *testing.T) {
		conn := dial()
		defer conn.Close()

		io.WriteString(conn, "LIST-ROOMS alice pw")
		conn.(*net.TCPConn).CloseWrite()
		data, _ := io.ReadAll(conn)
		assert.Empty(t, data)
	})

	t.Run("bare newline is not a terminator", func(t *testing.T) {
		conn := dial()
		defer conn.Close()

		io.WriteString(conn, "ADD-USER alice pw\n")
		data, _ := io.ReadAll(conn)
		assert.Empty(t, data)
	})

	t.Run("line too long", func(t *testing.T) {
		conn := dial()
		defer conn.Close()

		io.WriteString(conn, "ADD-USER alice pw "+strings.Repeat("x", protocol.MaxLineLength)+"\r\n")
		data, _ := io.ReadAll(conn)
		assert.Empty(t, data)
	})

	// None of the above reached the store
	assert.Equal(t, "DENIED (NO USERS)\r\n", tcpClient{servers.tcpAddr}.roundTrip(t, "LIST-ROOMS alice pw"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(servers.srv.metrics.protocolErrors.WithLabelValues("too_long")) == 1
	}, ioTimeout, 10*time.Millisecond)
}

func TestJourneyRateLimit(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.ConnectionsPerSecond = 0.001
		c.ConnectionBurst = 1
	})

	assert.Equal(t, "OK\r\n", tcpClient{servers.tcpAddr}.roundTrip(t, "ADD-USER alice pw"))

	// Rejected before any read, so the client only listens
	conn, err := net.DialTimeout("tcp", servers.tcpAddr, ioTimeout)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ERROR (Too many connections)\r\n", string(data))

	_, resp, err := wsClient{servers.wsAddr}.dial()
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	assert.Equal(t, float64(1), testutil.ToFloat64(servers.srv.metrics.rejectedConnections.WithLabelValues("tcp")))
	assert.Equal(t, float64(1), testutil.ToFloat64(servers.srv.metrics.rejectedConnections.WithLabelValues("websocket")))
}

func TestJourneyDefaultLimitsServeConcurrentClients(t *testing.T) {
	defaults := DefaultConfig()
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.ConnectionsPerSecond = defaults.ConnectionsPerSecond
		c.ConnectionBurst = defaults.ConnectionBurst
	})

	const clients = 100
	results := make(chan string, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", servers.tcpAddr, ioTimeout)
			if err != nil {
				results <- err.Error()
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(ioTimeout))
			fmt.Fprintf(conn, "ADD-USER user%d pw\r\n", i)
			data, _ := io.ReadAll(conn)
			results <- string(data)
		}(i)
	}
	wg.Wait()
	close(results)

	for resp := range results {
		assert.Equal(t, "OK\r\n", resp)
	}
	assert.Zero(t, testutil.ToFloat64(servers.srv.metrics.rejectedConnections.WithLabelValues("tcp")))
}

func TestJourneyMetricsAndHealth(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	c := tcpClient{servers.tcpAddr}

	c.roundTrip(t, "ADD-USER alice pw")
	c.roundTrip(t, "CREATE-ROOM alice pw lobby")
	c.roundTrip(t, "LIST-ROOMS alice wrong")

	m := servers.srv.metrics
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.requestsTotal.WithLabelValues("LIST-ROOMS", "ERROR")) == 1 &&
			testutil.ToFloat64(m.requestsTotal.WithLabelValues("ADD-USER", "OK")) == 1
	}, ioTimeout, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.authFailures))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.sessionsTotal.WithLabelValues("tcp")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ircserver_users 1")
	assert.Contains(t, rec.Body.String(), "ircserver_rooms 1")

	rec = httptest.NewRecorder()
	servers.srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status string `json:"status"`
		Users  int    `json:"users"`
		Rooms  int    `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Users)
	assert.Equal(t, 1, health.Rooms)
}

func TestStopClosesListeners(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	require.NoError(t, servers.srv.Stop())
	require.NoError(t, servers.srv.Stop(), "Stop is idempotent")

	_, err := net.DialTimeout("tcp", servers.tcpAddr, time.Second)
	assert.Error(t, err)
}

func TestStopArchivesWebSocketMessages(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "archive.db")
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.ArchivePath = archivePath
		c.ArchiveFlushSeconds = 3600
	})
	ws := wsClient{servers.wsAddr}

	assert.Equal(t, "OK\r\n", ws.roundTrip(t, "ADD-USER alice pw"))
	assert.Equal(t, "OK\r\n", ws.roundTrip(t, "CREATE-ROOM alice pw lobby"))
	assert.Equal(t, "OK\r\n", ws.roundTrip(t, "ENTER-ROOM alice pw lobby"))
	assert.Equal(t, "OK\r\n", ws.roundTrip(t, "SEND-MESSAGE alice pw lobby over websocket"))

	require.NoError(t, servers.srv.Stop())

	conn, err := sql.Open("sqlite", archivePath)
	require.NoError(t, err)
	defer conn.Close()
	var body string
	require.NoError(t, conn.QueryRow(`SELECT body FROM Message WHERE room_name = ?`, "lobby").Scan(&body))
	assert.Equal(t, "over websocket", body)

	// Handlers started after Stop do no work
	rec := httptest.NewRecorder()
	servers.srv.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
