package models

import (
	"time"
)

// Message represents an individual communication entry within a chat. A message is either provisional, created
// locally with a generated ID while a send is in flight, or confirmed, carrying the ID the backend assigned when
// it streamed the message back.
type Message struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	Content   string     `json:"content"`
	Role      Role       `json:"role"`
	AuthorID  string     `json:"author_id"`
	CreatedAt time.Time  `json:"created_at"`
	Citations []Citation `json:"citations,omitempty"`

	// Provisional is set only on locally created messages that have not been confirmed by the backend.
	Provisional bool `json:"provisional,omitempty"`
}

// Citation identifies a span of a source document that the answer was grounded on.
type Citation struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Page       int    `json:"page"`
}

// WebSource is a web page the backend consulted while answering.
type WebSource struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents an answer produced by the backend.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}
