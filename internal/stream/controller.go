package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
)

// DefaultStreamPath is the backend path of the streaming send endpoint; %s is replaced by the chat ID.
const DefaultStreamPath = "/chats/%s/messages/stream"

const errLoggerKey = "err"

// TokenSource supplies the bearer token for a send. An empty token with a nil error means the request is sent
// unauthenticated.
type TokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

// Request is one message to send to a chat.
type Request struct {
	ChatID  string
	Content string
}

type sendRequest struct {
	Content string `json:"content"`
}

// OutcomeStatus tells how a session settled when it did not fail.
type OutcomeStatus int

const (
	// OutcomeCompleted means both confirmed messages were received.
	OutcomeCompleted OutcomeStatus = iota + 1
	// OutcomeCancelled means the session was cancelled before it reached a terminal event. Nothing it produced
	// should be shown.
	OutcomeCancelled
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of a session that did not fail. Only Status is set for a cancelled session.
type Outcome struct {
	Status OutcomeStatus

	UserMessage models.Message
	// AIMessage carries the block explanation as its content when Blocked is set.
	AIMessage models.Message

	Text        string
	Citations   []models.Citation
	WebSources  []models.WebSource
	Blocked     bool
	BlockReason string
}

// Cancelled reports whether the session was cancelled.
func (o Outcome) Cancelled() bool {
	return o.Status == OutcomeCancelled
}

// Callbacks receive live updates while a session streams. They are called from the session's goroutine, one at a
// time and in event order, and never after the session observed its cancellation. Nil callbacks are skipped.
type Callbacks struct {
	// OnState is called after every event with the updated state.
	OnState func(State)
	// OnStatus is called when the status text changes.
	OnStatus func(status string)
	// OnPartialText is called when the accumulated answer changes.
	OnPartialText func(text string)
	// OnWarning is called for every guardrail warning.
	OnWarning func(warning string)
}

func (cb Callbacks) publish(prev, next State) {
	if cb.OnState != nil {
		cb.OnState(next)
	}
	if cb.OnStatus != nil && next.Status != prev.Status {
		cb.OnStatus(next.Status)
	}
	if cb.OnPartialText != nil && next.Text != prev.Text {
		cb.OnPartialText(next.Text)
	}
	if cb.OnWarning != nil && len(next.Warnings) > len(prev.Warnings) {
		cb.OnWarning(next.Warnings[len(next.Warnings)-1])
	}
}

// Controller runs send operations against the backend: it opens the stream, decodes and folds its events and
// settles every send with exactly one result.
type Controller struct {
	transport  Transport
	tokens     TokenSource
	baseURL    string
	streamPath string

	logger *slog.Logger
}

// NewController creates a Controller for the backend at baseURL. tokens may be nil, in which case requests are
// sent without a token. An empty streamPath selects DefaultStreamPath.
func NewController(transport Transport, tokens TokenSource, baseURL, streamPath string, logger *slog.Logger) Controller {
	if streamPath == "" {
		streamPath = DefaultStreamPath
	}
	return Controller{
		transport:  transport,
		tokens:     tokens,
		baseURL:    strings.TrimRight(baseURL, "/"),
		streamPath: streamPath,
		logger:     logger.With(slog.String("module", "stream")),
	}
}

// Endpoint returns the streaming URL for chatID.
func (c Controller) Endpoint(chatID string) string {
	return c.baseURL + fmt.Sprintf(c.streamPath, url.PathEscape(chatID))
}

// Session is one in-flight send.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}

	outcome Outcome
	err     error
}

// Start begins sending req and returns immediately. The session owns a fresh cancellation scope derived from
// ctx; cancelling ctx or calling Session.Cancel aborts it.
func (c Controller) Start(ctx context.Context, req Request, cb Callbacks) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer cancel()
		s.outcome, s.err = c.run(ctx, req, cb)
	}()

	return s
}

// Send runs a session to completion. A cancelled ctx yields an OutcomeCancelled result with a nil error.
func (c Controller) Send(ctx context.Context, req Request, cb Callbacks) (Outcome, error) {
	return c.Start(ctx, req, cb).Wait()
}

// Cancel aborts the session. It does nothing once the session has settled.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed when the session has settled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session settles and returns its result. Failures are *TransportError, *ServerError or
// *IncompleteResultError; cancellation is reported through Outcome.Status, not as an error.
func (s *Session) Wait() (Outcome, error) {
	<-s.done
	return s.outcome, s.err
}

func (c Controller) run(ctx context.Context, req Request, cb Callbacks) (Outcome, error) {
	logger := c.logger.With(slog.String("chatID", req.ChatID))

	token := ""
	if c.tokens != nil {
		var err error
		token, err = c.tokens.AuthToken(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("error getting auth token: %w", err)
		}
	}

	body, err := json.Marshal(sendRequest{Content: req.Content})
	if err != nil {
		return Outcome{}, fmt.Errorf("error marshaling request: %w", err)
	}

	rd, err := c.transport.Open(ctx, c.Endpoint(req.ChatID), body, token)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			return c.cancelled(logger)
		}
		logger.Error("Failed to open stream", slog.String(errLoggerKey, err.Error()))
		return Outcome{}, err
	}
	defer rd.Close()

	dec := NewDecoder(func(err *ProtocolError) {
		logger.Warn("Dropped malformed frame", slog.String(errLoggerKey, err.Error()))
	})

	var state State
	for {
		chunk, err := rd.ReadChunk()

		var events []Event
		eof := false
		switch {
		case err == nil:
			events = dec.Push(chunk)
		case errors.Is(err, io.EOF):
			events = dec.Finish()
			eof = true
		case errors.Is(err, ErrAborted):
			return c.cancelled(logger)
		default:
			logger.Error("Stream broke", slog.String(errLoggerKey, err.Error()))
			return Outcome{}, err
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return c.cancelled(logger)
			}

			logger.Debug("Received event", slog.String("type", ev.Type))

			next, err := Apply(state, ev)
			if err != nil {
				logger.Warn("Ignored event", slog.String(errLoggerKey, err.Error()))
				continue
			}
			cb.publish(state, next)
			state = next

			if state.Terminal() {
				return c.settle(logger, state)
			}
		}

		if eof {
			return c.settle(logger, state)
		}
	}
}

func (c Controller) settle(logger *slog.Logger, state State) (Outcome, error) {
	outcome, err := state.Result()
	if err != nil {
		logger.Error("Stream failed", slog.String(errLoggerKey, err.Error()))
		return Outcome{}, err
	}
	logger.Debug("Stream completed",
		slog.String("userMessageID", outcome.UserMessage.ID),
		slog.String("aiMessageID", outcome.AIMessage.ID),
		slog.Bool("blocked", outcome.Blocked))
	return outcome, nil
}

func (c Controller) cancelled(logger *slog.Logger) (Outcome, error) {
	logger.Debug("Stream cancelled")
	return Outcome{Status: OutcomeCancelled}, nil
}
