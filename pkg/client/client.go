// Package client sends requests to the chat server. Every request uses a
// fresh connection, matching the server's one-request-per-connection model.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aeolun/ircserver/pkg/protocol"
)

// DefaultTimeout bounds a whole round trip when the context has no deadline
const DefaultTimeout = 10 * time.Second

// ResponseError is returned by the verb helpers when the server answers
// with anything other than the expected success shape.
type ResponseError struct {
	Response *protocol.Response
}

func (e *ResponseError) Error() string {
	if len(e.Response.Lines) == 0 {
		return "unexpected empty response"
	}
	return e.Response.Lines[0]
}

// Client talks to one server address over TCP, SSH or WebSocket
type Client struct {
	target  *dialConfig
	User    string
	Pass    string
	Timeout time.Duration
}

// New parses addr ("host:port", "tcp://", "ssh://user@" or "ws://") and
// returns a client that authenticates as user.
func New(addr, user, password string) (*Client, error) {
	target, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		target:  target,
		User:    user,
		Pass:    password,
		Timeout: DefaultTimeout,
	}, nil
}

// Address returns the display address including the scheme
func (c *Client) Address() string {
	return c.target.display
}

// Transport returns tcp, ssh or websocket
func (c *Client) Transport() string {
	return c.target.transport
}

// Do sends one request and returns the server's response
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	stream, err := c.target.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.target.display, err)
	}
	defer stream.Close()

	// Unblock reads when the context ends
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	if err := req.EncodeTo(stream); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}

	resp, err := protocol.ReadResponse(stream)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return resp, nil
}

// Command sends an arbitrary verb with the client's credentials
func (c *Client) Command(ctx context.Context, command, args string) (*protocol.Response, error) {
	return c.Do(ctx, &protocol.Request{
		Command:  command,
		User:     c.User,
		Password: c.Pass,
		Args:     args,
	})
}

func (c *Client) expectOK(ctx context.Context, command, args string) error {
	resp, err := c.Command(ctx, command, args)
	if err != nil {
		return err
	}
	if resp.List || resp.Token() != protocol.StatusOK {
		return &ResponseError{Response: resp}
	}
	return nil
}

func (c *Client) expectList(ctx context.Context, command, args string) ([]string, error) {
	resp, err := c.Command(ctx, command, args)
	if err != nil {
		return nil, err
	}
	if !resp.List {
		return nil, &ResponseError{Response: resp}
	}
	return resp.Lines, nil
}

// Register creates the client's user, or replaces its password
func (c *Client) Register(ctx context.Context) error {
	return c.expectOK(ctx, protocol.CmdAddUser, "")
}

func (c *Client) CreateRoom(ctx context.Context, room string) error {
	return c.expectOK(ctx, protocol.CmdCreateRoom, room)
}

func (c *Client) EnterRoom(ctx context.Context, room string) error {
	return c.expectOK(ctx, protocol.CmdEnterRoom, room)
}

func (c *Client) LeaveRoom(ctx context.Context, room string) error {
	return c.expectOK(ctx, protocol.CmdLeaveRoom, room)
}

func (c *Client) SendMessage(ctx context.Context, room, body string) error {
	return c.expectOK(ctx, protocol.CmdSendMessage, room+" "+body)
}

// Message is one entry returned by GetMessages
type Message struct {
	Sequence int
	Author   string
	Body     string
}

// GetMessages returns messages in room with a sequence of since or later.
// NO-NEW-MESSAGES yields an empty slice.
func (c *Client) GetMessages(ctx context.Context, room string, since int) ([]Message, error) {
	resp, err := c.Command(ctx, protocol.CmdGetMessages, strconv.Itoa(since)+" "+room)
	if err != nil {
		return nil, err
	}
	if !resp.List {
		if resp.Token() == protocol.StatusNoNewMessages {
			return []Message{}, nil
		}
		return nil, &ResponseError{Response: resp}
	}

	messages := make([]Message, 0, len(resp.Lines))
	for _, line := range resp.Lines {
		seq, author, body, err := protocol.ParseMessage(line)
		if err != nil {
			return nil, err
		}
		messages = append(messages, Message{Sequence: seq, Author: author, Body: body})
	}
	return messages, nil
}

func (c *Client) UsersInRoom(ctx context.Context, room string) ([]string, error) {
	return c.expectList(ctx, protocol.CmdGetUsersInRoom, room)
}

func (c *Client) AllUsers(ctx context.Context) ([]string, error) {
	return c.expectList(ctx, protocol.CmdGetAllUsers, "")
}

func (c *Client) ListRooms(ctx context.Context) ([]string, error) {
	return c.expectList(ctx, protocol.CmdListRooms, "")
}

// IsStatus reports whether err is a ResponseError with the given leading token
func IsStatus(err error, token string) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr) && respErr.Response.Token() == token
}
