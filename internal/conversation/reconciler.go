package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/stream"
	"github.com/google/uuid"
)

// Streamer starts streaming sends. stream.Controller implements it.
type Streamer interface {
	Start(ctx context.Context, req stream.Request, cb stream.Callbacks) *stream.Session
}

var (
	// ErrSendInProgress is returned by Send while a previous send of the same conversation has not settled.
	ErrSendInProgress = errors.New("a message is already being sent")
	// ErrEmptyContent is returned by Send for a message with no visible content.
	ErrEmptyContent = errors.New("message is empty")
)

const errLoggerKey = "err"

// Reconciler drives sends for one conversation and keeps its ViewModel consistent with what the backend
// confirmed. While a send is in flight the user's message is shown as a provisional message; once the send settles
// it is either swapped for the confirmed pair or removed.
type Reconciler struct {
	view     *ViewModel
	streamer Streamer
	authorID string
	now      func() time.Time

	logger *slog.Logger

	// cancel is set while a send is in flight. mu guards only this field, so ViewModel hooks may call back into
	// the Reconciler.
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewReconciler creates a Reconciler writing to view. authorID is recorded on provisional messages.
func NewReconciler(view *ViewModel, streamer Streamer, authorID string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		view:     view,
		streamer: streamer,
		authorID: authorID,
		now:      time.Now,
		logger:   logger.With(slog.String("module", "conversation"), slog.String("chatID", view.ChatID())),
	}
}

// View returns the conversation the Reconciler writes to.
func (r *Reconciler) View() *ViewModel {
	return r.view
}

// Busy reports whether a send is in flight.
func (r *Reconciler) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Send sends content and blocks until the send settles. cb receives the live updates of the underlying session.
//
// On success the provisional message is replaced by the confirmed user and assistant messages in a single view
// update. On failure or cancellation only the provisional message is removed; a cancelled send returns an
// outcome with stream.OutcomeCancelled and a nil error.
func (r *Reconciler) Send(ctx context.Context, content string, cb stream.Callbacks) (stream.Outcome, error) {
	if strings.TrimSpace(content) == "" {
		return stream.Outcome{}, ErrEmptyContent
	}

	provisional := models.Message{
		ID:          uuid.New().String(),
		ChatID:      r.view.ChatID(),
		Content:     content,
		Role:        models.RoleUser,
		AuthorID:    r.authorID,
		CreatedAt:   r.now(),
		Provisional: true,
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return stream.Outcome{}, ErrSendInProgress
	}
	r.cancel = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	r.view.Append(provisional)
	outcome, err := r.streamer.Start(ctx, stream.Request{ChatID: r.view.ChatID(), Content: content}, cb).Wait()
	if err != nil {
		r.view.Remove(provisional.ID)
		r.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		return stream.Outcome{}, fmt.Errorf("error sending message: %w", err)
	}
	if outcome.Cancelled() {
		r.view.Remove(provisional.ID)
		r.logger.Info("Send cancelled")
		return outcome, nil
	}

	ai := outcome.AIMessage
	if len(ai.Citations) == 0 {
		ai.Citations = outcome.Citations
	}
	r.view.Replace(provisional.ID, outcome.UserMessage, ai)

	return outcome, nil
}

// Cancel aborts the in-flight send. It does nothing when no send is in flight.
func (r *Reconciler) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// FailureReason turns an error returned by Send into the single sentence shown to the user.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}

	var (
		transportErr  *stream.TransportError
		serverErr     *stream.ServerError
		incompleteErr *stream.IncompleteResultError
	)
	switch {
	case errors.Is(err, ErrEmptyContent):
		return "Message cannot be empty."
	case errors.Is(err, ErrSendInProgress):
		return "Please wait for the current answer to finish."
	case errors.As(err, &serverErr):
		if serverErr.Detail != "" {
			return serverErr.Detail
		}
		return "The server could not answer your message."
	case errors.As(err, &incompleteErr):
		return "The answer ended unexpectedly. Please try again."
	case errors.As(err, &transportErr):
		switch transportErr.StatusCode {
		case 0:
			return "Could not reach the server. Check your connection and try again."
		case http.StatusUnauthorized, http.StatusForbidden:
			return "Your session is no longer valid. Please log in again."
		default:
			return fmt.Sprintf("The server rejected the message (status %d).", transportErr.StatusCode)
		}
	default:
		return "Something went wrong. Please try again."
	}
}
