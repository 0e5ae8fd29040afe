package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
)

// MaxLineSize bounds a single record. A line that grows past it without a terminator is reported and skipped up to
// the next newline.
const MaxLineSize = 1 << 20

var dataPrefix = []byte("data: ")

var errLineTooLong = fmt.Errorf("record exceeds %d bytes", MaxLineSize)

// Decoder turns the raw bytes of an event stream into Events. Records are newline-terminated; bytes of a record
// that arrive split across several chunks are buffered until the terminating newline shows up, so the decoded
// events never depend on where the chunk boundaries fall.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	skipping bool

	onMalformed func(*ProtocolError)
}

// NewDecoder creates a Decoder. onMalformed, if not nil, is called for every record that had the data prefix but
// could not be decoded; such records are dropped and decoding continues.
func NewDecoder(onMalformed func(*ProtocolError)) *Decoder {
	return &Decoder{onMalformed: onMalformed}
}

// Push feeds the next chunk of the stream and returns the events of every record completed by it.
func (d *Decoder) Push(p []byte) []Event {
	if d.skipping {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return nil
		}
		d.skipping = false
		p = p[i+1:]
	}

	d.buf = append(d.buf, p...)

	var events []Event
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		if ev, ok := d.decodeLine(d.buf[start : start+i]); ok {
			events = append(events, ev)
		}
		start += i + 1
	}
	d.buf = append(d.buf[:0], d.buf[start:]...)

	if len(d.buf) > MaxLineSize {
		d.malformed(&ProtocolError{Line: string(d.buf[:64]), Err: errLineTooLong})
		d.buf = d.buf[:0]
		d.skipping = true
	}

	return events
}

// Finish is called once the stream has ended. It decodes a trailing record that was not newline-terminated.
func (d *Decoder) Finish() []Event {
	defer func() {
		d.buf = d.buf[:0]
		d.skipping = false
	}()

	if d.skipping || len(d.buf) == 0 {
		return nil
	}
	if ev, ok := d.decodeLine(d.buf); ok {
		return []Event{ev}
	}
	return nil
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}

	ev, err := decodeFrame(line[len(dataPrefix):])
	if err != nil {
		d.malformed(&ProtocolError{Line: string(line), Err: err})
		return Event{}, false
	}
	return ev, true
}

func (d *Decoder) malformed(err *ProtocolError) {
	if d.onMalformed != nil {
		d.onMalformed(err)
	}
}

func decodeFrame(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("error unmarshaling frame: %w", err)
	}
	if f.Type == "" {
		return Event{}, errors.New("frame has no type")
	}

	ev := Event{
		Kind:     Kind(f.Type),
		Type:     f.Type,
		Category: f.Category,
	}

	var err error
	switch ev.Kind {
	case KindStatus, KindToken, KindGuardrailBlocked, KindGuardrailWarning:
		err = decodeContent(f.Content, &ev.Text)
	case KindCitations:
		err = decodeContent(f.Content, &ev.Citations)
	case KindWebSources:
		err = decodeContent(f.Content, &ev.WebSources)
	case KindUserMessage, KindAIMessage:
		ev.Message, err = decodeMessage(f.Content)
	case KindError:
		ev.Text = errorDetail(f.Content)
	case KindDone:
	default:
		ev.Kind = KindUnknown
	}
	if err != nil {
		return Event{}, fmt.Errorf("error unmarshaling %s content: %w", f.Type, err)
	}

	return ev, nil
}

func decodeContent(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// errorDetail accepts both a plain string and a structured error document.
func errorDetail(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var doc struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil {
		if doc.Message != "" {
			return doc.Message
		}
		if doc.Detail != "" {
			return doc.Detail
		}
	}
	return string(raw)
}

type wireMessage struct {
	ID        string            `json:"id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Role      models.Role       `json:"role"`
	AuthorID  string            `json:"author_id"`
	CreatedAt string            `json:"created_at"`
	Citations []models.Citation `json:"citations"`
}

// Timestamps from the backend are not always zone-qualified, so a few layouts are accepted.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func decodeMessage(raw json.RawMessage) (models.Message, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.Message{}, errors.New("message is empty")
	}

	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return models.Message{}, err
	}
	if wm.ID == "" {
		return models.Message{}, errors.New("message has no id")
	}
	if !wm.Role.Valid() {
		return models.Message{}, fmt.Errorf("unknown role %q", wm.Role)
	}

	return models.Message{
		ID:        wm.ID,
		ChatID:    wm.ChatID,
		Content:   wm.Content,
		Role:      wm.Role,
		AuthorID:  wm.AuthorID,
		CreatedAt: parseTimestamp(wm.CreatedAt),
		Citations: wm.Citations,
	}, nil
}

// parseTimestamp returns the zero time for an absent or unrecognised timestamp rather than dropping the message.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
