package stream

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataLine(t *testing.T, typ string, content any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "content": content})
	require.NoError(t, err)
	return "data: " + string(b) + "\n"
}

func wireMessageJSON(id string, role models.Role, content string) map[string]any {
	return map[string]any{
		"id":         id,
		"chat_id":    "chat-1",
		"content":    content,
		"role":       string(role),
		"author_id":  "user-1",
		"created_at": "2025-03-01T10:00:00Z",
	}
}

func recordedStream(t *testing.T) string {
	t.Helper()
	return strings.Join([]string{
		dataLine(t, "status", "Searching your documents"),
		dataLine(t, "token", "The "),
		dataLine(t, "token", "answer ✓"),
		dataLine(t, "citations", []map[string]any{
			{"chunk_id": "c1", "document_id": "d1", "filename": "report.pdf", "page": 3},
		}),
		dataLine(t, "web_sources", []map[string]any{
			{"url": "https://example.com", "title": "Example", "snippet": "..."},
		}),
		dataLine(t, "user_message", wireMessageJSON("m1", models.RoleUser, "question")),
		dataLine(t, "ai_message", wireMessageJSON("m2", models.RoleAssistant, "The answer ✓")),
		dataLine(t, "done", nil),
	}, "")
}

func decodeAll(d *Decoder, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, d.Push([]byte(c))...)
	}
	return append(events, d.Finish()...)
}

func TestDecoderSplitRecord(t *testing.T) {
	d := NewDecoder(nil)

	first := d.Push([]byte("data: {\"type\":\"token\",\"content\":\"Hi\"}\ndata: {\"type\":\"tok"))
	require.Len(t, first, 1)
	assert.Equal(t, KindToken, first[0].Kind)
	assert.Equal(t, "Hi", first[0].Text)

	second := d.Push([]byte("en\",\"content\":\" there\"}\ndata: {\"type\":\"done\",\"content\":null}\n"))
	require.Len(t, second, 2)
	assert.Equal(t, KindToken, second[0].Kind)
	assert.Equal(t, " there", second[0].Text)
	assert.Equal(t, KindDone, second[1].Kind)

	assert.Empty(t, d.Finish())
}

func TestDecoderChunkBoundaryIndependence(t *testing.T) {
	raw := recordedStream(t)
	want := decodeAll(NewDecoder(nil), raw)
	require.Len(t, want, 8)

	for i := 1; i < len(raw); i++ {
		var malformed []*ProtocolError
		d := NewDecoder(func(err *ProtocolError) { malformed = append(malformed, err) })

		got := decodeAll(d, raw[:i], raw[i:])
		if !assert.Equal(t, want, got, "split at byte %d", i) {
			return
		}
		assert.Empty(t, malformed, "split at byte %d", i)
	}

	t.Run("byte by byte", func(t *testing.T) {
		chunks := make([]string, len(raw))
		for i := 0; i < len(raw); i++ {
			chunks[i] = raw[i : i+1]
		}
		assert.Equal(t, want, decodeAll(NewDecoder(nil), chunks...))
	})
}

func TestDecoderPayloads(t *testing.T) {
	events := decodeAll(NewDecoder(nil), recordedStream(t))

	assert.Equal(t, "Searching your documents", events[0].Text)
	assert.Equal(t, []models.Citation{
		{ChunkID: "c1", DocumentID: "d1", Filename: "report.pdf", Page: 3},
	}, events[3].Citations)
	assert.Equal(t, []models.WebSource{
		{URL: "https://example.com", Title: "Example", Snippet: "..."},
	}, events[4].WebSources)

	user := events[5].Message
	assert.Equal(t, "m1", user.ID)
	assert.Equal(t, "chat-1", user.ChatID)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, "user-1", user.AuthorID)
	assert.True(t, user.CreatedAt.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))

	assert.Equal(t, models.RoleAssistant, events[6].Message.Role)
}

func TestDecoderRecords(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantKinds     []Kind
		wantText      []string
		wantMalformed int
		wantCategory  string
	}{
		{
			name:      "Lines without the data prefix are ignored",
			input:     ": keep-alive\nevent: message\n\nid: 7\ndata: {\"type\":\"status\",\"content\":\"Thinking\"}\n",
			wantKinds: []Kind{KindStatus},
			wantText:  []string{"Thinking"},
		},
		{
			name:      "CRLF line endings",
			input:     "data: {\"type\":\"token\",\"content\":\"a\"}\r\ndata: {\"type\":\"token\",\"content\":\"b\"}\r\n",
			wantKinds: []Kind{KindToken, KindToken},
			wantText:  []string{"a", "b"},
		},
		{
			name:          "Malformed JSON is reported and skipped",
			input:         "data: {\"type\":\"token\",\"content\":\n" + "data: {\"type\":\"token\",\"content\":\"ok\"}\n",
			wantKinds:     []Kind{KindToken},
			wantText:      []string{"ok"},
			wantMalformed: 1,
		},
		{
			name:          "Content of the wrong shape",
			input:         "data: {\"type\":\"citations\",\"content\":\"not a list\"}\n",
			wantMalformed: 1,
		},
		{
			name:          "Frame without a type",
			input:         "data: {\"content\":\"x\"}\n",
			wantMalformed: 1,
		},
		{
			name:          "Message without an id",
			input:         "data: {\"type\":\"ai_message\",\"content\":{\"role\":\"assistant\"}}\n",
			wantMalformed: 1,
		},
		{
			name:      "Unknown types are forwarded",
			input:     "data: {\"type\":\"thinking\",\"content\":\"hmm\"}\n",
			wantKinds: []Kind{KindUnknown},
			wantText:  []string{""},
		},
		{
			name:      "Error with a structured detail",
			input:     "data: {\"type\":\"error\",\"content\":{\"message\":\"rate limited\"}}\n",
			wantKinds: []Kind{KindError},
			wantText:  []string{"rate limited"},
		},
		{
			name:      "Guardrail category",
			input:        "data: {\"type\":\"guardrail_warning\",\"content\":\"careful\",\"category\":\"pii\"}\n",
			wantKinds:    []Kind{KindGuardrailWarning},
			wantText:     []string{"careful"},
			wantCategory: "pii",
		},
		{
			name:      "Trailing record without newline is decoded by Finish",
			input:     "data: {\"type\":\"done\",\"content\":null}",
			wantKinds: []Kind{KindDone},
			wantText:  []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var malformed []*ProtocolError
			d := NewDecoder(func(err *ProtocolError) { malformed = append(malformed, err) })

			events := decodeAll(d, tt.input)

			kinds := make([]Kind, 0, len(events))
			texts := make([]string, 0, len(events))
			for _, ev := range events {
				kinds = append(kinds, ev.Kind)
				texts = append(texts, ev.Text)
			}
			if tt.wantKinds == nil {
				assert.Empty(t, kinds)
			} else {
				assert.Equal(t, tt.wantKinds, kinds)
				assert.Equal(t, tt.wantText, texts)
			}
			if tt.wantCategory != "" {
				assert.Equal(t, tt.wantCategory, events[0].Category)
			}
			assert.Len(t, malformed, tt.wantMalformed)
		})
	}
}

func TestDecoderOversizedLine(t *testing.T) {
	var malformed []*ProtocolError
	d := NewDecoder(func(err *ProtocolError) { malformed = append(malformed, err) })

	huge := "data: " + strings.Repeat("x", MaxLineSize)
	assert.Empty(t, d.Push([]byte(huge)))
	require.Len(t, malformed, 1)
	assert.True(t, errors.Is(malformed[0], errLineTooLong))

	// The rest of the oversized line is discarded, the next record decodes normally.
	events := d.Push([]byte("yyyy\ndata: {\"type\":\"token\",\"content\":\"ok\"}\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Text)
	assert.Empty(t, d.Finish())
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-01T10:00:00Z", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2025-03-01T10:00:00.5+02:00", time.Date(2025, 3, 1, 8, 0, 0, 500_000_000, time.UTC)},
		{"2025-03-01T10:00:00.123456", time.Date(2025, 3, 1, 10, 0, 0, 123_456_000, time.UTC)},
		{"2025-03-01 10:00:00", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"yesterday", time.Time{}},
		{"", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.True(t, parseTimestamp(tt.in).Equal(tt.want), "got %v", parseTimestamp(tt.in))
		})
	}
}
