package stream

import (
	"encoding/json"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
)

// Kind identifies the type of a stream event.
type Kind string

// Event kinds emitted by the backend. KindUnknown is assigned by the decoder to any type it does not recognise.
const (
	KindStatus           Kind = "status"
	KindToken            Kind = "token"
	KindCitations        Kind = "citations"
	KindWebSources       Kind = "web_sources"
	KindUserMessage      Kind = "user_message"
	KindAIMessage        Kind = "ai_message"
	KindGuardrailBlocked Kind = "guardrail_blocked"
	KindGuardrailWarning Kind = "guardrail_warning"
	KindDone             Kind = "done"
	KindError            Kind = "error"
	KindUnknown          Kind = "unknown"
)

// Event is one decoded record of the backend stream. Which payload field is filled depends on Kind.
type Event struct {
	Kind Kind

	// Text would be filled for status, token, guardrail_blocked, guardrail_warning and error events.
	Text string
	// Category would be filled for guardrail events that carry a policy category.
	Category string
	// Citations would be filled for citations events.
	Citations []models.Citation
	// WebSources would be filled for web_sources events.
	WebSources []models.WebSource
	// Message would be filled for user_message and ai_message events.
	Message models.Message

	// Type is the type as it appeared on the wire. It is mostly useful for unknown events.
	Type string
}

// frame is the JSON document carried by a "data: " record.
type frame struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Category string          `json:"category,omitempty"`
}
