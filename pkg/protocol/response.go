package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Leading response tokens
const (
	StatusOK             = "OK"
	StatusDenied         = "DENIED"
	StatusError          = "ERROR"
	StatusUnknownCommand = "UNKNOWN COMMAND"
	StatusNoNewMessages  = "NO-NEW-MESSAGES"

	// StatusList is reported by Token for list responses
	StatusList = "LIST"
)

// MaxResponseSize bounds how much a client reads before giving up
const MaxResponseSize = 16 * 1024 * 1024

// Response is a single status line or a blank-line terminated list.
type Response struct {
	Lines []string
	List  bool
}

func OK() *Response {
	return &Response{Lines: []string{StatusOK}}
}

// Denied returns "DENIED (<reason>)"
func Denied(reason string) *Response {
	return &Response{Lines: []string{StatusDenied + " (" + reason + ")"}}
}

// Error returns "ERROR (<reason>)"
func Error(reason string) *Response {
	return &Response{Lines: []string{StatusError + " (" + reason + ")"}}
}

func UnknownCommand() *Response {
	return &Response{Lines: []string{StatusUnknownCommand}}
}

func NoNewMessages() *Response {
	return &Response{Lines: []string{StatusNoNewMessages}}
}

// List returns a list response. An empty list encodes as a single blank line.
func List(items []string) *Response {
	lines := make([]string, len(items))
	copy(lines, items)
	return &Response{Lines: lines, List: true}
}

// Token returns the leading status token, or StatusList for lists
func (r *Response) Token() string {
	if r.List {
		return StatusList
	}
	if len(r.Lines) == 0 {
		return ""
	}
	first := r.Lines[0]
	if first == StatusUnknownCommand {
		return first
	}
	token, _, _ := strings.Cut(first, " ")
	return token
}

// Reason returns the parenthesized text of a DENIED or ERROR line
func (r *Response) Reason() string {
	if r.List || len(r.Lines) == 0 {
		return ""
	}
	first := r.Lines[0]
	start := strings.IndexByte(first, '(')
	end := strings.LastIndexByte(first, ')')
	if start < 0 || end <= start {
		return ""
	}
	return first[start+1 : end]
}

// EncodeTo writes every line followed by CRLF; lists get a trailing bare CRLF
func (r *Response) EncodeTo(w io.Writer) error {
	_, err := w.Write(r.Bytes())
	return err
}

// Bytes returns the encoded response
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	for _, line := range r.Lines {
		buf.WriteString(line)
		buf.WriteString(LineTerminator)
	}
	if r.List {
		buf.WriteString(LineTerminator)
	}
	return buf.Bytes()
}

// ReadResponse reads a complete response. The server closes the stream after
// responding, so everything up to EOF belongs to the response.
func ReadResponse(r io.Reader) (*Response, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return DecodeResponse(data)
}

// DecodeResponse parses an encoded response
func DecodeResponse(data []byte) (*Response, error) {
	text := string(data)
	if !strings.HasSuffix(text, LineTerminator) {
		return nil, ErrTruncated
	}

	if text == LineTerminator {
		return &Response{Lines: []string{}, List: true}, nil
	}

	if strings.HasSuffix(text, LineTerminator+LineTerminator) {
		body := text[:len(text)-2*len(LineTerminator)]
		return &Response{Lines: strings.Split(body, LineTerminator), List: true}, nil
	}

	body := text[:len(text)-len(LineTerminator)]
	return &Response{Lines: strings.Split(body, LineTerminator)}, nil
}

// FormatMessage formats one GET-MESSAGES entry: "<seq> <author> <body>"
func FormatMessage(seq int, author, body string) string {
	return strconv.Itoa(seq) + " " + author + " " + body
}

// ParseMessage splits a GET-MESSAGES entry back into its parts
func ParseMessage(line string) (seq int, author, body string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", "", fmt.Errorf("malformed message line %q", line)
	}
	seq, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: %q", ErrBadSequence, parts[0])
	}
	if len(parts) == 3 {
		body = parts[2]
	}
	return seq, parts[1], body, nil
}
