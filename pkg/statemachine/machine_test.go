package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine() *Machine {
	return NewWithClock(func() time.Time { return fixedNow })
}

func conversationIn(state models.ConversationState) models.Conversation {
	return models.Conversation{
		ID:        "conv_1",
		HotelID:   "hotel_1",
		GuestID:   "guest_1",
		State:     state,
		Status:    statusFor(state),
		CreatedAt: fixedNow.Add(-time.Hour),
		UpdatedAt: fixedNow.Add(-time.Hour),
	}
}

var allStates = []models.ConversationState{
	models.StateGreeting,
	models.StateCollectingInfo,
	models.StateAwaitingStaff,
	models.StateResolved,
	models.StateClosed,
	models.StateEscalated,
}

func TestMachine_ClosedRejectsEveryIntent(t *testing.T) {
	m := newTestMachine()
	conv := conversationIn(models.StateClosed)

	for _, intent := range models.KnownIntents {
		outcome, err := m.Transition(conv, models.IntentResult{Intent: intent})
		require.Error(t, err, intent)
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		var te *TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, models.StateClosed, te.From)
		assert.Equal(t, models.StateClosed, outcome.To)
		assert.Equal(t, models.StateClosed, outcome.Conversation.State)
	}
}

func TestMachine_HappyPath(t *testing.T) {
	m := newTestMachine()
	conv := conversationIn(models.StateGreeting)

	steps := []struct {
		intent models.Intent
		want   models.ConversationState
	}{
		{models.IntentGreeting, models.StateCollectingInfo},
		{models.IntentBookingRequest, models.StateCollectingInfo},
		{models.IntentConfirmation, models.StateResolved},
		{models.IntentGoodbye, models.StateClosed},
	}

	for _, step := range steps {
		outcome, err := m.Transition(conv, models.IntentResult{Intent: step.intent})
		require.NoError(t, err)
		assert.Equal(t, step.want, outcome.To, step.intent)
		assert.NotEmpty(t, outcome.Reply.Text)
		conv = outcome.Conversation
	}

	assert.Equal(t, models.StatusClosed, conv.Status)
	assert.Equal(t, fixedNow, conv.UpdatedAt)
}

func TestMachine_TransitionIsDeterministicAndPure(t *testing.T) {
	m := newTestMachine()
	conv := conversationIn(models.StateGreeting)
	result := models.IntentResult{
		Intent:   models.IntentBookingRequest,
		Entities: map[string]interface{}{"nights": 3},
	}

	first, err := m.Transition(conv, result)
	require.NoError(t, err)
	second, err := m.Transition(conv, result)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, models.StateGreeting, conv.State, "input conversation is not modified")
}

func TestMachine_BookingSideEffects(t *testing.T) {
	m := newTestMachine()
	outcome, err := m.Transition(conversationIn(models.StateGreeting), models.IntentResult{
		Intent:   models.IntentBookingRequest,
		Entities: map[string]interface{}{"nights": 3},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Effects, 3)

	assert.Equal(t, EffectSetCurrentRequest, outcome.Effects[0].Kind)
	assert.Equal(t, "booking", outcome.Effects[0].Values["type"])
	assert.Equal(t, 3, outcome.Effects[0].Values["nights"])

	assert.Equal(t, EffectCollectEntities, outcome.Effects[1].Kind)
	assert.Equal(t, 3, outcome.Effects[1].Values["nights"])

	assert.Equal(t, EffectAddPendingAction, outcome.Effects[2].Kind)
	assert.Equal(t, ActionCollectBookingDetails, outcome.Effects[2].ActionType)
	assert.Equal(t, 5, outcome.Effects[2].Priority)
}

func TestMachine_CollectEntitiesOmittedWithoutEntities(t *testing.T) {
	m := newTestMachine()
	outcome, err := m.Transition(conversationIn(models.StateGreeting), models.IntentResult{Intent: models.IntentBookingRequest})
	require.NoError(t, err)

	for _, effect := range outcome.Effects {
		assert.NotEqual(t, EffectCollectEntities, effect.Kind)
	}
}

func TestMachine_TableRowsAreNotMutatedByBinding(t *testing.T) {
	m := newTestMachine()
	_, err := m.Transition(conversationIn(models.StateGreeting), models.IntentResult{
		Intent:   models.IntentBookingRequest,
		Entities: map[string]interface{}{"room_number": "12"},
	})
	require.NoError(t, err)

	rule, ok := m.Lookup(models.StateGreeting, models.IntentBookingRequest)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"type": "booking"}, rule.Effects[0].Values)
}

func TestMachine_UnknownPairAcknowledgesAndStays(t *testing.T) {
	m := newTestMachine()
	outcome, err := m.Transition(conversationIn(models.StateGreeting), models.IntentResult{Intent: models.IntentConfirmation})
	require.NoError(t, err)

	assert.Equal(t, models.StateGreeting, outcome.To)
	assert.Equal(t, Acknowledgement, outcome.Reply.Text)
	assert.Empty(t, outcome.Effects)
}

func TestMachine_GeneralQuestionAsksForGeneratedReply(t *testing.T) {
	m := newTestMachine()
	outcome, err := m.Transition(conversationIn(models.StateCollectingInfo), models.IntentResult{Intent: models.IntentGeneralQuestion})
	require.NoError(t, err)

	assert.True(t, outcome.Reply.Generate)
	assert.NotEmpty(t, outcome.Reply.Text, "generated replies carry a static fallback")
}

func TestMachine_EscalatedSuppressesReplies(t *testing.T) {
	m := newTestMachine()
	conv := conversationIn(models.StateEscalated)

	outcome, err := m.Transition(conv, models.IntentResult{Intent: models.IntentGreeting})
	require.NoError(t, err)
	assert.True(t, outcome.Suppressed)
	assert.Equal(t, models.StateEscalated, outcome.To)
	assert.Empty(t, outcome.Reply.Text)
}

func TestMachine_EscalateFromEveryNonTerminalState(t *testing.T) {
	m := newTestMachine()

	for _, state := range allStates {
		escalated, err := m.Escalate(conversationIn(state))
		if state == models.StateClosed {
			assert.ErrorIs(t, err, ErrInvalidTransition)
			continue
		}
		require.NoError(t, err, state)
		assert.Equal(t, models.StateEscalated, escalated.State)
		assert.Equal(t, models.StatusEscalated, escalated.Status)
	}
}

func TestMachine_ReopenRequiresClosedOrEscalated(t *testing.T) {
	m := newTestMachine()

	for _, state := range allStates {
		reopened, err := m.Reopen(conversationIn(state))
		if state == models.StateClosed || state == models.StateEscalated {
			require.NoError(t, err, state)
			assert.Equal(t, models.StateCollectingInfo, reopened.State)
			assert.Equal(t, models.StatusActive, reopened.Status)
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition, state)
	}
}

func TestMachine_Close(t *testing.T) {
	m := newTestMachine()

	closed, err := m.Close(conversationIn(models.StateAwaitingStaff))
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, closed.State)
	assert.Equal(t, models.StatusClosed, closed.Status)

	_, err = m.Close(closed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMachine_NoRowLeavesClosedOrEscalated(t *testing.T) {
	m := newTestMachine()

	for key, rule := range m.table {
		assert.NotEqual(t, models.StateClosed, key.state)
		assert.NotEqual(t, models.StateEscalated, key.state)
		assert.NotEqual(t, models.StateEscalated, rule.Next, "escalation is decided by the escalation rules")
	}
}
