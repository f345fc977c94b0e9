package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// ErrInvalidTransition is returned for any transition the state graph forbids.
// It is never retried.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError carries the rejected move
type TransitionError struct {
	From   models.ConversationState
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from state %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Outcome is the result of a transition. Conversation is the updated record;
// the input is never modified.
type Outcome struct {
	Conversation models.Conversation
	From         models.ConversationState
	To           models.ConversationState
	Reply        ReplySpec
	Effects      []SideEffect
	Suppressed   bool
}

// Machine applies the transition table. It holds no per-conversation state
// and is safe for concurrent use.
type Machine struct {
	table map[ruleKey]Rule
	now   func() time.Time
}

func New() *Machine {
	return &Machine{table: defaultTable(), now: time.Now}
}

// NewWithClock is used by tests that need deterministic timestamps.
func NewWithClock(now func() time.Time) *Machine {
	return &Machine{table: defaultTable(), now: now}
}

// Lookup returns the table row for a (state, intent) pair.
func (m *Machine) Lookup(state models.ConversationState, intent models.Intent) (Rule, bool) {
	rule, ok := m.table[ruleKey{state, intent}]
	return rule, ok
}

// Transition consumes one classified message.
func (m *Machine) Transition(conv models.Conversation, result models.IntentResult) (Outcome, error) {
	from := conv.State
	switch from {
	case models.StateClosed:
		return Outcome{Conversation: conv, From: from, To: from}, &TransitionError{From: from, Action: "intent " + string(result.Intent)}
	case models.StateEscalated:
		// Staff owns the conversation until it is reopened.
		return Outcome{Conversation: conv, From: from, To: from, Suppressed: true}, nil
	}

	rule, ok := m.Lookup(from, result.Intent)
	if !ok {
		rule = Rule{Next: from, Reply: ReplySpec{Text: Acknowledgement}}
	}

	next := conv
	next.State = rule.Next
	next.Status = statusFor(rule.Next)
	next.UpdatedAt = m.now()

	return Outcome{
		Conversation: next,
		From:         from,
		To:           rule.Next,
		Reply:        rule.Reply,
		Effects:      bindEffects(rule.Effects, result),
	}, nil
}

// Escalate hands the conversation to staff. It is legal from every state
// except CLOSED and is a no-op when already escalated.
func (m *Machine) Escalate(conv models.Conversation) (models.Conversation, error) {
	switch conv.State {
	case models.StateClosed:
		return conv, &TransitionError{From: conv.State, Action: "escalate"}
	case models.StateEscalated:
		return conv, nil
	}
	return m.move(conv, models.StateEscalated), nil
}

// Close ends the conversation. Used for inactivity and staff closing.
func (m *Machine) Close(conv models.Conversation) (models.Conversation, error) {
	if conv.State == models.StateClosed {
		return conv, &TransitionError{From: conv.State, Action: "close"}
	}
	return m.move(conv, models.StateClosed), nil
}

// Reopen is the staff operation that returns a closed or escalated
// conversation to automated handling.
func (m *Machine) Reopen(conv models.Conversation) (models.Conversation, error) {
	if conv.State != models.StateClosed && conv.State != models.StateEscalated {
		return conv, &TransitionError{From: conv.State, Action: "reopen"}
	}
	return m.move(conv, models.StateCollectingInfo), nil
}

func (m *Machine) move(conv models.Conversation, to models.ConversationState) models.Conversation {
	conv.State = to
	conv.Status = statusFor(to)
	conv.UpdatedAt = m.now()
	return conv
}

func statusFor(state models.ConversationState) models.ConversationStatus {
	switch state {
	case models.StateClosed:
		return models.StatusClosed
	case models.StateEscalated:
		return models.StatusEscalated
	default:
		return models.StatusActive
	}
}

// bindEffects copies the rule's effects and fills in the message entities.
func bindEffects(effects []SideEffect, result models.IntentResult) []SideEffect {
	if len(effects) == 0 {
		return nil
	}

	bound := make([]SideEffect, 0, len(effects))
	for _, effect := range effects {
		e := SideEffect{Kind: effect.Kind, ActionType: effect.ActionType, Priority: effect.Priority}
		switch effect.Kind {
		case EffectCollectEntities:
			if len(result.Entities) == 0 {
				continue
			}
			e.Values = copyMap(result.Entities)
		case EffectSetCurrentRequest:
			e.Values = copyMap(effect.Values)
			e.Values["intent"] = string(result.Intent)
			for k, v := range result.Entities {
				e.Values[k] = v
			}
		case EffectAddPendingAction:
			e.Values = copyMap(result.Entities)
		}
		bound = append(bound, e)
	}
	return bound
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
