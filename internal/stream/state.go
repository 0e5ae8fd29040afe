package stream

import (
	"fmt"
	"slices"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
)

// StatusBlocked replaces the current status once a guardrail has blocked the answer.
const StatusBlocked = "blocked"

// State accumulates what one stream has produced so far. A State belongs to a single session and is discarded once
// the session settles.
type State struct {
	Text       string
	Status     string
	Citations  []models.Citation
	WebSources []models.WebSource

	Blocked       bool
	BlockReason   string
	BlockCategory string

	// Warnings holds guardrail warnings in arrival order. They never change the visible answer.
	Warnings []string

	UserMessage *models.Message
	AIMessage   *models.Message

	// Done is set by the done event.
	Done bool
	// Failed is set by an error event; Failure holds its detail.
	Failed  bool
	Failure string
}

// Apply folds ev into s and returns the new state. s itself is never modified, so replaying the same events from
// the same starting state always yields the same result.
//
// A non-nil error is a *ProtocolError describing an event that breaks the stream's rules; the returned state is
// then s unchanged and the caller may keep folding.
func Apply(s State, ev Event) (State, error) {
	switch ev.Kind {
	case KindStatus:
		s.Status = ev.Text
	case KindToken:
		if !s.Blocked {
			s.Text += ev.Text
		}
	case KindCitations:
		s.Citations = ev.Citations
	case KindWebSources:
		s.WebSources = ev.WebSources
	case KindUserMessage:
		if s.UserMessage != nil {
			return s, &ProtocolError{Err: duplicate(ev.Kind)}
		}
		msg := ev.Message
		s.UserMessage = &msg
	case KindAIMessage:
		msg := ev.Message
		s.AIMessage = &msg
	case KindGuardrailBlocked:
		s.Blocked = true
		s.BlockReason = ev.Text
		s.BlockCategory = ev.Category
		s.Text = ev.Text
		s.Status = StatusBlocked
	case KindGuardrailWarning:
		s.Warnings = append(slices.Clip(s.Warnings), ev.Text)
	case KindDone:
		if s.Done {
			return s, &ProtocolError{Err: duplicate(ev.Kind)}
		}
		s.Done = true
	case KindError:
		s.Failed = true
		s.Failure = ev.Text
	}
	return s, nil
}

// Complete reports whether both confirmed messages have been received.
func (s State) Complete() bool {
	return s.UserMessage != nil && s.AIMessage != nil
}

// Terminal reports whether no further event can change the session's result: the backend said done or reported
// an error.
func (s State) Terminal() bool {
	return s.Done || s.Failed
}

// Result resolves the final state into an outcome. It is meant to be called once the stream is over, either
// because Terminal reported true or because the body reached its end.
func (s State) Result() (Outcome, error) {
	if s.Failed {
		return Outcome{}, &ServerError{Detail: s.Failure}
	}
	if !s.Complete() {
		return Outcome{}, &IncompleteResultError{
			MissingUser:      s.UserMessage == nil,
			MissingAssistant: s.AIMessage == nil,
		}
	}

	user := *s.UserMessage
	ai := *s.AIMessage
	if s.Blocked {
		ai.Content = s.BlockReason
	}

	return Outcome{
		Status:      OutcomeCompleted,
		UserMessage: user,
		AIMessage:   ai,
		Text:        s.Text,
		Citations:   s.Citations,
		WebSources:  s.WebSources,
		Blocked:     s.Blocked,
		BlockReason: s.BlockReason,
	}, nil
}

func duplicate(k Kind) error {
	return fmt.Errorf("%w: %s", ErrDuplicateEvent, k)
}
