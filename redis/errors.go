package redis

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncomplete is returned by Decoder.Next when the buffered bytes do not hold a whole reply yet.
	ErrIncomplete = errors.New("incomplete reply")
	ErrNil        = errors.New("redis: nil reply")
)

// ProtocolError is a malformed byte stream. The decoder discards its buffer when it returns one,
// and the owning connection must be closed.
type ProtocolError struct {
	Reason string
	Line   []byte
}

func (e *ProtocolError) Error() string {
	if len(e.Line) > 0 {
		return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Line)
	}
	return "protocol error: " + e.Reason
}

// ServerError is an error reply sent by the server, e.g. "WRONGTYPE Operation against a key...".
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Prefix is the first word of the message, the error code by convention (ERR, NOSCRIPT, EXECABORT...).
func (e *ServerError) Prefix() string {
	if idx := strings.IndexByte(e.Message, ' '); idx > 0 {
		return e.Message[:idx]
	}
	return e.Message
}

func (e *ServerError) HasPrefix(prefix string) bool {
	return strings.HasPrefix(e.Message, prefix)
}

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsServerError reports whether err is an error reply whose message starts with prefix.
// An empty prefix matches any server error.
func IsServerError(err error, prefix string) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.HasPrefix(prefix)
}
