package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxLineLength is the maximum number of bytes in a request line, excluding CRLF
	MaxLineLength = 1024

	// LineTerminator ends every request and response line
	LineTerminator = "\r\n"
)

var (
	ErrLineTooLong = errors.New("request line exceeds maximum length (1024 bytes)")
	ErrTruncated   = errors.New("stream ended before line terminator")
	ErrMalformed   = errors.New("request line has fewer than three tokens")
	ErrBadSequence = errors.New("invalid message sequence number")
)

// Command verbs
const (
	CmdAddUser        = "ADD-USER"
	CmdCreateRoom     = "CREATE-ROOM"
	CmdEnterRoom      = "ENTER-ROOM"
	CmdLeaveRoom      = "LEAVE-ROOM"
	CmdSendMessage    = "SEND-MESSAGE"
	CmdGetMessages    = "GET-MESSAGES"
	CmdGetUsersInRoom = "GET-USERS-IN-ROOM"
	CmdGetAllUsers    = "GET-ALL-USERS"
	CmdListRooms      = "LIST-ROOMS"
)

// Request is one parsed command line.
// Format: <COMMAND> <user> <password>[ <args>]
type Request struct {
	Command  string
	User     string
	Password string
	Args     string // Verbatim remainder after the password, may contain spaces
}

// ReadLine reads bytes until CRLF and returns the line without the terminator.
// A bare '\r' or '\n' is part of the line content.
func ReadLine(r *bufio.Reader) (string, error) {
	buf := make([]byte, 0, 128)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrTruncated
			}
			return "", err
		}

		if b == '\n' && len(buf) > 0 && buf[len(buf)-1] == '\r' {
			return string(buf[:len(buf)-1]), nil
		}

		// One extra byte is allowed for the pending '\r'
		if len(buf) > MaxLineLength {
			return "", ErrLineTooLong
		}
		buf = append(buf, b)
	}
}

// ParseRequest splits a line into command, user, password and the remainder.
func ParseRequest(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 3 {
		return nil, ErrMalformed
	}

	req := &Request{
		Command:  parts[0],
		User:     parts[1],
		Password: parts[2],
	}
	if len(parts) == 4 {
		req.Args = parts[3]
	}
	return req, nil
}

// ReadRequest reads and parses one request line
func ReadRequest(r *bufio.Reader) (*Request, error) {
	line, err := ReadLine(r)
	if err != nil {
		return nil, err
	}
	return ParseRequest(line)
}

// Line returns the wire form of the request without the terminator
func (r *Request) Line() string {
	line := r.Command + " " + r.User + " " + r.Password
	if r.Args != "" {
		line += " " + r.Args
	}
	return line
}

// EncodeTo writes the request line followed by CRLF
func (r *Request) EncodeTo(w io.Writer) error {
	line := r.Line()
	if len(line) > MaxLineLength {
		return ErrLineTooLong
	}
	_, err := io.WriteString(w, line+LineTerminator)
	return err
}

// SplitRoomMessage splits SEND-MESSAGE arguments at the first space.
// Everything after it, spaces included, is the message body.
func SplitRoomMessage(args string) (room, body string) {
	room, body, _ = strings.Cut(args, " ")
	return room, body
}

// SplitSequenceRoom parses GET-MESSAGES arguments: <lastSeenSeq> <room>
func SplitSequenceRoom(args string) (int, string, error) {
	seqText, room, _ := strings.Cut(args, " ")
	seq, err := strconv.Atoi(seqText)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrBadSequence, seqText)
	}
	return seq, room, nil
}
