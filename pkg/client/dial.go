package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

const (
	defaultTCPPort  = "6667"
	defaultSSHPort  = "2222"
	defaultHTTPPort = "8080"
)

// dialConfig opens a byte stream that carries exactly one request
type dialConfig struct {
	display   string
	transport string
	dial      func(ctx context.Context) (io.ReadWriteCloser, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:   address,
			transport: "tcp",
			dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:   fmt.Sprintf("ssh://%s@%s", user, address),
			transport: "ssh",
			dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
				return dialSSH(ctx, user, address)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		endpoint := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: "/ws"}
		return &dialConfig{
			display:   endpoint.String(),
			transport: "websocket",
			dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
				return dialWebSocket(ctx, endpoint.String())
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimPrefix(strings.TrimSuffix(hostPort, "]"), "[")
		return host, defaultPort, nil
	}
	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("IRCSERVER_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "guest"
}

// sshStream is a session channel plus the client that owns it
type sshStream struct {
	ssh.Channel
	client *ssh.Client
}

func (s *sshStream) Close() error {
	s.Channel.Close()
	return s.client.Close()
}

// dialSSH opens a session channel. The server performs no SSH-level
// authentication and its host key is generated on first start, so the key
// is not pinned.
func dialSSH(ctx context.Context, user, address string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return &sshStream{Channel: channel, client: client}, nil
}

// wsStream sends each Write as one text message and reads messages back to
// back until the server closes the connection.
type wsStream struct {
	conn      *websocket.Conn
	reader    io.Reader
	closeOnce sync.Once
}

func dialWebSocket(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s", resp.Status)
		}
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
