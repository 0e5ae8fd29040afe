package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ragwebui "github.com/MegaGrindStone/rag-web-ui"
	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/tmaxmax/go-sse"
)

// Identity tells who is sending messages. services.BoltDB implements it.
type Identity interface {
	Credentials(ctx context.Context) (services.Credentials, error)
}

// Main serves the chat page and relays sends to the browser. It keeps one Reconciler per chat, so every chat has at
// most one send in flight and its conversation survives page reloads for the lifetime of the process. Every change
// of a conversation is published to the browsers watching that chat.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	streamer conversation.Streamer
	identity Identity

	conversations *registry

	logger *slog.Logger
}

type registry struct {
	mu     sync.Mutex
	chats  map[string]*conversation.Reconciler
	closed bool

	// ctx is cancelled by Shutdown; every send is bound to it.
	ctx    context.Context
	cancel context.CancelFunc
}

// errShuttingDown is returned for sends that arrive after Shutdown started.
var errShuttingDown = errors.New("server is shutting down")

const errLoggerKey = "err"

// NewMain creates a Main sending through streamer. identity may be nil, in which case provisional messages carry
// no author.
func NewMain(streamer conversation.Streamer, identity Identity, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		ragwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}
				if chatID := s.Req.URL.Query().Get("chat_id"); chatID != "" {
					topics = append(topics, chatIDTopic(chatID))
				}
				// Browsers treat the stream as open once the headers arrive.
				_ = s.Flush()

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		streamer:  streamer,
		identity:  identity,
		conversations: &registry{
			chats:  make(map[string]*conversation.Reconciler),
			ctx:    ctx,
			cancel: cancel,
		},
		logger: logger.With(slog.String("module", "main")),
	}, nil
}

func chatIDTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

var templateFuncs = template.FuncMap{
	"timestamp": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("Jan 2, 15:04")
	},
}

// conversation returns the Reconciler of chatID, creating an empty one on first use. It fails once Shutdown has
// started.
func (m Main) conversation(ctx context.Context, chatID string) (*conversation.Reconciler, error) {
	m.conversations.mu.Lock()
	defer m.conversations.mu.Unlock()

	if m.conversations.closed {
		return nil, errShuttingDown
	}
	if r, ok := m.conversations.chats[chatID]; ok {
		return r, nil
	}

	view := conversation.NewViewModel(chatID, nil)
	view.OnChange(func(msgs []models.Message) {
		m.publishMessages(chatID, msgs)
	})
	r := conversation.NewReconciler(view, m.streamer, m.authorID(ctx), m.logger)
	m.conversations.chats[chatID] = r
	return r, nil
}

// sendContext returns a context for a send that is cancelled with parent or when Shutdown starts.
func (m Main) sendContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(m.conversations.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// publishMessages pushes the rendered conversation to the browsers watching chatID.
func (m Main) publishMessages(chatID string, msgs []models.Message) {
	html, err := m.renderMessages(msgs...)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: messagesSSEType,
	}
	msg.AppendData(html)

	if err := m.sseSrv.Publish(&msg, chatIDTopic(chatID)); err != nil {
		m.logger.Debug("Failed to publish messages", slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// lookup returns the Reconciler of chatID without creating one.
func (m Main) lookup(chatID string) (*conversation.Reconciler, bool) {
	m.conversations.mu.Lock()
	defer m.conversations.mu.Unlock()
	r, ok := m.conversations.chats[chatID]
	return r, ok
}

func (m Main) authorID(ctx context.Context) string {
	if m.identity == nil {
		return ""
	}
	creds, err := m.identity.Credentials(ctx)
	if err != nil {
		if !errors.Is(err, services.ErrNoCredentials) {
			m.logger.Warn("Failed to read credentials", slog.String(errLoggerKey, err.Error()))
		}
		return ""
	}
	return creds.UserID
}

func (m Main) messages(chatID string) []models.Message {
	r, ok := m.lookup(chatID)
	if !ok {
		return nil
	}
	return r.View().Messages()
}

// HandleSSE streams conversation changes of the chat named by the "chat_id" query parameter.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown rejects new sends, cancels every in-flight one and waits for them to settle, or until ctx is done. It
// then closes the browsers' change streams.
func (m Main) Shutdown(ctx context.Context) error {
	m.conversations.mu.Lock()
	m.conversations.closed = true
	m.conversations.cancel()
	chats := make([]*conversation.Reconciler, 0, len(m.conversations.chats))
	for _, r := range m.conversations.chats {
		chats = append(chats, r)
	}
	m.conversations.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for _, r := range chats {
		for r.Busy() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")
	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	return m.sseSrv.Shutdown(ctx)
}
