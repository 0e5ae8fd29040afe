package conversation

import (
	"slices"
	"sync"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
)

// ViewModel holds the ordered messages of one chat as the user sees them. It is safe for concurrent use: the
// Reconciler writes to it while HTTP handlers read snapshots.
type ViewModel struct {
	chatID string

	mu       sync.RWMutex
	messages []models.Message
	onChange func([]models.Message)
}

// NewViewModel creates a ViewModel for chatID seeded with messages.
func NewViewModel(chatID string, messages []models.Message) *ViewModel {
	return &ViewModel{
		chatID:   chatID,
		messages: slices.Clone(messages),
	}
}

// ChatID returns the chat this view belongs to.
func (v *ViewModel) ChatID() string {
	return v.chatID
}

// OnChange registers fn to receive a snapshot after every change. fn runs on the goroutine that made the change,
// after the view's lock has been released. Registering again replaces the previous hook.
func (v *ViewModel) OnChange(fn func([]models.Message)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
}

// Messages returns a copy of the current messages.
func (v *ViewModel) Messages() []models.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.messages)
}

// Append adds msgs at the end of the conversation.
func (v *ViewModel) Append(msgs ...models.Message) {
	v.update(func(messages []models.Message) []models.Message {
		return append(messages, msgs...)
	})
}

// Remove deletes the message with the given id. It reports whether the message was present.
func (v *ViewModel) Remove(id string) bool {
	removed := false
	v.update(func(messages []models.Message) []models.Message {
		before := len(messages)
		messages = slices.DeleteFunc(messages, func(m models.Message) bool { return m.ID == id })
		removed = len(messages) != before
		return messages
	})
	return removed
}

// Replace removes the message with the given id and appends msgs in the same update, so no reader ever sees the
// conversation with neither or both.
func (v *ViewModel) Replace(id string, msgs ...models.Message) {
	v.update(func(messages []models.Message) []models.Message {
		messages = slices.DeleteFunc(messages, func(m models.Message) bool { return m.ID == id })
		return append(messages, msgs...)
	})
}

func (v *ViewModel) update(fn func([]models.Message) []models.Message) {
	v.mu.Lock()
	v.messages = fn(v.messages)
	hook := v.onChange
	var snapshot []models.Message
	if hook != nil {
		snapshot = slices.Clone(v.messages)
	}
	v.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
}
