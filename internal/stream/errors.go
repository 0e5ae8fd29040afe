package stream

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAborted is returned by ChunkReader.ReadChunk once the session's context has been cancelled. It is a cancellation,
	// not a failure, and the controller turns it into an OutcomeCancelled result.
	ErrAborted = errors.New("stream aborted")

	// ErrDuplicateEvent marks an event that may only appear once per stream but was received again.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// TransportError is returned when the backend could not be reached, answered with a non-success status, or the
// connection broke while the body was being read.
type TransportError struct {
	// StatusCode is zero when the failure happened before or after the response headers.
	StatusCode int
	// Body holds the beginning of the error response, if any.
	Body string
	Err  error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("transport failure: %v", e.Err)
	default:
		return "transport failure"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError describes a frame that could not be interpreted: a malformed record, or an event that violates
// the stream's ordering rules. Protocol errors are diagnostics; they never abort a stream on their own.
type ProtocolError struct {
	// Line is the offending record, without its line terminator. It is empty for ordering violations.
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("malformed frame %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ServerError is produced when the backend reports a failure in-band with an error event.
type ServerError struct {
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return "server reported an error"
	}
	return "server reported an error: " + e.Detail
}

// IncompleteResultError is returned when the stream ended without delivering both the confirmed user message and
// the assistant message. It lets callers tell a silent stop apart from an explicit ServerError.
type IncompleteResultError struct {
	MissingUser      bool
	MissingAssistant bool
}

func (e *IncompleteResultError) Error() string {
	var missing []string
	if e.MissingUser {
		missing = append(missing, "user_message")
	}
	if e.MissingAssistant {
		missing = append(missing, "ai_message")
	}
	return "stream ended without " + strings.Join(missing, " and ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
