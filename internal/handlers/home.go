package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

type homePageData struct {
	ChatID   string
	Sending  bool
	Messages []message
}

// HandleHome renders the chat page for the "chat_id" query parameter. Without one, it redirects to a fresh chat.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Redirect(w, r, "/?chat_id="+uuid.New().String(), http.StatusSeeOther)
		return
	}

	data := homePageData{
		ChatID: chatID,
	}
	if conv, ok := m.lookup(chatID); ok {
		data.Sending = conv.Busy()
	}
	for _, msg := range m.messages(chatID) {
		data.Messages = append(data.Messages, newMessage(msg))
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
