package statemachine

import (
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// EffectKind names a context write the caller must apply after a transition
type EffectKind string

const (
	EffectSetCurrentRequest      EffectKind = "set_current_request"
	EffectClearCurrentRequest    EffectKind = "clear_current_request"
	EffectCollectEntities        EffectKind = "collect_entities"
	EffectAddPendingAction       EffectKind = "add_pending_action"
	EffectCompletePendingActions EffectKind = "complete_pending_actions"
)

// Pending action types queued by the table
const (
	ActionCollectBookingDetails = "collect_booking_details"
	ActionFulfilRoomService     = "fulfil_room_service"
	ActionStaffFollowUp         = "staff_follow_up"
)

// SideEffect is an explicit output of a transition. Nothing is written by the
// machine itself.
type SideEffect struct {
	Kind       EffectKind
	Values     map[string]interface{}
	ActionType string
	Priority   int
}

// ReplySpec describes the outbound message. When Generate is set the caller
// asks the text collaborator and uses Text as the fallback.
type ReplySpec struct {
	Text     string
	Generate bool
}

// Rule is one row of the transition table
type Rule struct {
	Next    models.ConversationState
	Reply   ReplySpec
	Effects []SideEffect
}

type ruleKey struct {
	state  models.ConversationState
	intent models.Intent
}

const (
	replyWelcome        = "Hello and welcome! How can I help you today?"
	replyHelloAgain     = "Hello again! What else can I do for you?"
	replyBooking        = "I'd be happy to help with a booking. Which dates would you like, and for how many guests?"
	replyBookingMore    = "Thanks, I've noted that. Anything else I should know about your booking?"
	replyRoomService    = "Of course. What would you like us to bring to your room?"
	replyComplaint      = "I'm very sorry about that. I've passed this to our team and someone will follow up shortly."
	replyStillWaiting   = "Our team has your request and will be with you shortly."
	replyQuestion       = "Thanks for your question. Let me check that for you."
	replyConfirmed      = "Great, that's all confirmed."
	replyResolvedThanks = "You're welcome! Is there anything else I can help with?"
	replyGoodbye        = "Goodbye, and enjoy your stay!"
	replyAnythingElse   = "You're welcome, enjoy your stay!"
	// Acknowledgement is the reply for any (state, intent) pair without a row.
	Acknowledgement = "Thank you for your message. We'll get back to you shortly."
)

func requestEffects(kind string, action string, priority int) []SideEffect {
	return []SideEffect{
		{Kind: EffectSetCurrentRequest, Values: map[string]interface{}{"type": kind}},
		{Kind: EffectCollectEntities},
		{Kind: EffectAddPendingAction, ActionType: action, Priority: priority},
	}
}

// defaultTable builds the transition table. It is built once and never mutated.
func defaultTable() map[ruleKey]Rule {
	booking := requestEffects("booking", ActionCollectBookingDetails, 5)
	roomService := requestEffects("room_service", ActionFulfilRoomService, 3)
	complaint := requestEffects("complaint", ActionStaffFollowUp, 8)
	closing := []SideEffect{{Kind: EffectClearCurrentRequest}}
	confirming := []SideEffect{
		{Kind: EffectCollectEntities},
		{Kind: EffectCompletePendingActions},
		{Kind: EffectClearCurrentRequest},
	}

	question := ReplySpec{Text: replyQuestion, Generate: true}

	return map[ruleKey]Rule{
		{models.StateGreeting, models.IntentGreeting}:        {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyWelcome}},
		{models.StateGreeting, models.IntentBookingRequest}:  {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyBooking}, Effects: booking},
		{models.StateGreeting, models.IntentRoomService}:     {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyRoomService}, Effects: roomService},
		{models.StateGreeting, models.IntentComplaint}:       {Next: models.StateAwaitingStaff, Reply: ReplySpec{Text: replyComplaint}, Effects: complaint},
		{models.StateGreeting, models.IntentGeneralQuestion}: {Next: models.StateCollectingInfo, Reply: question},
		{models.StateGreeting, models.IntentThanks}:          {Next: models.StateResolved, Reply: ReplySpec{Text: replyResolvedThanks}},
		{models.StateGreeting, models.IntentGoodbye}:         {Next: models.StateClosed, Reply: ReplySpec{Text: replyGoodbye}, Effects: closing},

		{models.StateCollectingInfo, models.IntentGreeting}:        {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyHelloAgain}},
		{models.StateCollectingInfo, models.IntentBookingRequest}:  {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyBookingMore}, Effects: booking},
		{models.StateCollectingInfo, models.IntentRoomService}:     {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyRoomService}, Effects: roomService},
		{models.StateCollectingInfo, models.IntentComplaint}:       {Next: models.StateAwaitingStaff, Reply: ReplySpec{Text: replyComplaint}, Effects: complaint},
		{models.StateCollectingInfo, models.IntentGeneralQuestion}: {Next: models.StateCollectingInfo, Reply: question},
		{models.StateCollectingInfo, models.IntentConfirmation}:    {Next: models.StateResolved, Reply: ReplySpec{Text: replyConfirmed}, Effects: confirming},
		{models.StateCollectingInfo, models.IntentThanks}:          {Next: models.StateResolved, Reply: ReplySpec{Text: replyResolvedThanks}},
		{models.StateCollectingInfo, models.IntentGoodbye}:         {Next: models.StateClosed, Reply: ReplySpec{Text: replyGoodbye}, Effects: closing},

		{models.StateAwaitingStaff, models.IntentComplaint}:       {Next: models.StateAwaitingStaff, Reply: ReplySpec{Text: replyStillWaiting}, Effects: []SideEffect{{Kind: EffectCollectEntities}}},
		{models.StateAwaitingStaff, models.IntentGeneralQuestion}: {Next: models.StateAwaitingStaff, Reply: question},
		{models.StateAwaitingStaff, models.IntentConfirmation}:    {Next: models.StateResolved, Reply: ReplySpec{Text: replyConfirmed}, Effects: confirming},
		{models.StateAwaitingStaff, models.IntentThanks}:          {Next: models.StateResolved, Reply: ReplySpec{Text: replyResolvedThanks}},
		{models.StateAwaitingStaff, models.IntentGoodbye}:         {Next: models.StateClosed, Reply: ReplySpec{Text: replyGoodbye}, Effects: closing},

		{models.StateResolved, models.IntentGreeting}:        {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyHelloAgain}},
		{models.StateResolved, models.IntentBookingRequest}:  {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyBooking}, Effects: booking},
		{models.StateResolved, models.IntentRoomService}:     {Next: models.StateCollectingInfo, Reply: ReplySpec{Text: replyRoomService}, Effects: roomService},
		{models.StateResolved, models.IntentComplaint}:       {Next: models.StateAwaitingStaff, Reply: ReplySpec{Text: replyComplaint}, Effects: complaint},
		{models.StateResolved, models.IntentGeneralQuestion}: {Next: models.StateCollectingInfo, Reply: question},
		{models.StateResolved, models.IntentThanks}:          {Next: models.StateClosed, Reply: ReplySpec{Text: replyAnythingElse}, Effects: closing},
		{models.StateResolved, models.IntentGoodbye}:         {Next: models.StateClosed, Reply: ReplySpec{Text: replyGoodbye}, Effects: closing},
	}
}
