package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/stream"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
	Citations []models.Citation

	Provisional bool
}

func newMessage(msg models.Message) message {
	return message{
		ID:          msg.ID,
		Role:        string(msg.Role),
		Content:     msg.Content,
		Timestamp:   msg.CreatedAt,
		Citations:   msg.Citations,
		Provisional: msg.Provisional,
	}
}

// SSE event types relayed to the browser while a send streams.
var (
	statusSSEType     = sse.Type("status")
	partialSSEType    = sse.Type("partial")
	citationsSSEType  = sse.Type("citations")
	webSourcesSSEType = sse.Type("web_sources")
	warningSSEType    = sse.Type("warning")

	outcomeSSEType   = sse.Type("outcome")
	failureSSEType   = sse.Type("failure")
	cancelledSSEType = sse.Type("cancelled")

	// Published to the browsers watching a chat whenever its conversation changes.
	messagesSSEType = sse.Type("messages")
)

// HandleChats sends the "message" form field to the chat named by "chat_id" and answers with an event stream. While
// the backend streams, the browser receives status, partial, citations and warning events. The stream ends with
// exactly one of outcome (the rendered confirmed messages), failure (a reason to show) or cancelled. Web sources
// consulted by the backend are relayed as web_sources events.
//
// Invalid requests and a chat that is already sending are rejected with a plain HTTP error before the stream is
// opened. Closing the connection cancels the send.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		m.logger.Error("Chat ID is required")
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, conversation.FailureReason(conversation.ErrEmptyContent), http.StatusBadRequest)
		return
	}

	conv, err := m.conversation(r.Context(), chatID)
	if err != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if conv.Busy() {
		http.Error(w, conversation.FailureReason(conversation.ErrSendInProgress), http.StatusConflict)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logger := m.logger.With(slog.String("chatID", chatID))
	rl := relay{sess: sess, logger: logger}

	ctx, cancel := m.sendContext(r.Context())
	defer cancel()

	outcome, err := conv.Send(ctx, msg, stream.Callbacks{
		OnStatus: func(status string) {
			rl.send(&sse.Message{Type: statusSSEType}, status)
		},
		OnPartialText: func(text string) {
			rl.send(&sse.Message{Type: partialSSEType}, text)
		},
		OnState: func(state stream.State) {
			rl.citations(state.Citations)
			rl.webSources(state.WebSources)
		},
		OnWarning: func(warning string) {
			rl.send(&sse.Message{Type: warningSSEType}, warning)
		},
	})
	switch {
	case err != nil:
		rl.send(&sse.Message{Type: failureSSEType}, conversation.FailureReason(err))
	case outcome.Cancelled():
		rl.send(&sse.Message{Type: cancelledSSEType}, "cancelled")
	default:
		html, err := m.renderMessages(outcome.UserMessage, outcome.AIMessage)
		if err != nil {
			logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			rl.send(&sse.Message{Type: failureSSEType}, conversation.FailureReason(err))
			return
		}
		rl.send(&sse.Message{Type: outcomeSSEType}, html)
	}
}

// HandleCancel cancels the in-flight send of the chat named by the "chat_id" form field. Cancelling a chat that is
// not sending is not an error.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	if conv, ok := m.lookup(chatID); ok {
		conv.Cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

type messagesResponse struct {
	ChatID   string           `json:"chatId"`
	Sending  bool             `json:"sending"`
	Messages []models.Message `json:"messages"`
}

// HandleMessages answers with a JSON snapshot of the conversation named by the "chat_id" query parameter.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	resp := messagesResponse{
		ChatID:   chatID,
		Messages: []models.Message{},
	}
	if conv, ok := m.lookup(chatID); ok {
		resp.Sending = conv.Busy()
		resp.Messages = conv.View().Messages()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		m.logger.Error("Failed to encode messages", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) renderMessages(msgs ...models.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range msgs {
		if err := m.templates.ExecuteTemplate(&sb, "message", newMessage(msg)); err != nil {
			return "", fmt.Errorf("failed to execute message template: %w", err)
		}
	}
	return sb.String(), nil
}

// relay writes events to one browser connection. Failed writes are logged and otherwise ignored: a browser that
// went away also cancels the request context, which ends the send.
type relay struct {
	sess   *sse.Session
	logger *slog.Logger

	sentCitations  []models.Citation
	sentWebSources []models.WebSource
}

func (rl *relay) send(msg *sse.Message, data string) {
	msg.AppendData(data)
	if err := rl.sess.Send(msg); err != nil {
		rl.logger.Debug("Failed to send event", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := rl.sess.Flush(); err != nil {
		rl.logger.Debug("Failed to flush event", slog.String(errLoggerKey, err.Error()))
	}
}

// citations relays the citation list whenever it changes.
func (rl *relay) citations(citations []models.Citation) {
	if slices.Equal(citations, rl.sentCitations) {
		return
	}
	rl.sentCitations = citations

	b, err := json.Marshal(citations)
	if err != nil {
		rl.logger.Error("Failed to marshal citations", slog.String(errLoggerKey, err.Error()))
		return
	}
	rl.send(&sse.Message{Type: citationsSSEType}, string(b))
}

// webSources relays the web sources whenever they change.
func (rl *relay) webSources(sources []models.WebSource) {
	if slices.Equal(sources, rl.sentWebSources) {
		return
	}
	rl.sentWebSources = sources

	b, err := json.Marshal(sources)
	if err != nil {
		rl.logger.Error("Failed to marshal web sources", slog.String(errLoggerKey, err.Error()))
		return
	}
	rl.send(&sse.Message{Type: webSourcesSSEType}, string(b))
}
