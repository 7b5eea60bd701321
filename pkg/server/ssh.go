package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const sshHandshakeTimeout = 10 * time.Second

// startSSHServer starts the SSH transport on the configured port.
// The request line travels over a session channel; there is no SSH-level auth.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Debug().Int("ssh_port", s.config.SSHPort).Msg("SSH server disabled")
		return nil
	}
	return s.listenSSH(fmt.Sprintf(":%d", s.config.SSHPort))
}

func (s *Server) listenSSH(addr string) error {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-IRCServer",
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	log.Info().Str("addr", listener.Addr().String()).Msg("SSH server listening")

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

// SSHAddr returns the SSH listener address, nil when disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("SSH accept error")
			continue
		}

		if !s.limiter.allow(conn.RemoteAddr().String()) {
			s.metrics.RecordRejectedConnection("ssh")
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("SSH connection rate limit exceeded")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and serves the first session channel
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("SSH handshake failed")
		return
	}
	defer sshConn.Close()

	// The peer gets one read timeout to open its session channel
	if timeout := s.readTimeout(); timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	} else {
		conn.SetDeadline(time.Time{})
	}

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Debug().Err(err).Msg("could not accept SSH channel")
			continue
		}
		// The channel enforces its own read and write deadlines from here
		conn.SetDeadline(time.Time{})
		go s.handleSSHChannelRequests(requests)

		// One request per connection: serve this channel, then drop the connection
		s.handleSSHSession(channel, sshConn.RemoteAddr().String())
		return
	}
}

func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handleSSHSession runs the line exchange over an SSH channel
func (s *Server) handleSSHSession(channel ssh.Channel, remoteAddr string) {
	conn := &sshChannelConn{channel: channel}
	sess := s.sessions.CreateSession("ssh", conn, remoteAddr)
	s.serveSession(sess)
}

// sshChannelConn adapts ssh.Channel to the session transport. Channels have
// no native deadlines, so an expired deadline closes the channel.
type sshChannelConn struct {
	channel ssh.Channel

	mu         sync.Mutex
	readTimer  *time.Timer
	writeTimer *time.Timer
	closeOnce  sync.Once
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

// Close reports a zero exit status so ssh clients exit cleanly, then closes
func (c *sshChannelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stopTimer(c.readTimer)
		stopTimer(c.writeTimer)
		c.mu.Unlock()

		c.channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		err = c.channel.Close()
	})
	return err
}

func (c *sshChannelConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armTimer(c.readTimer, t)
	return nil
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armTimer(c.writeTimer, t)
	return nil
}

// armTimer replaces timer with one that closes the channel at t.
// A zero t clears the deadline.
func (c *sshChannelConn) armTimer(timer *time.Timer, t time.Time) *time.Timer {
	stopTimer(timer)
	if t.IsZero() {
		return nil
	}
	return time.AfterFunc(time.Until(t), func() {
		c.channel.Close()
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyPath, err := expandPath(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Info().Str("path", keyPath).Msg("loaded SSH host key")
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Info().Str("path", keyPath).Msg("generating new SSH host key")

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	return key, nil
}
