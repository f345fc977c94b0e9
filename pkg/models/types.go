package models

import "time"

// ConversationState is a node of the conversation finite-state table
type ConversationState string

const (
	StateGreeting       ConversationState = "GREETING"
	StateCollectingInfo ConversationState = "COLLECTING_INFO"
	StateAwaitingStaff  ConversationState = "AWAITING_STAFF"
	StateResolved       ConversationState = "RESOLVED"
	StateClosed         ConversationState = "CLOSED"
	StateEscalated      ConversationState = "ESCALATED"
)

// ConversationStatus is the coarse lifecycle flag exposed to staff
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusEscalated ConversationStatus = "escalated"
	StatusClosed    ConversationStatus = "closed"
)

// Conversation represents one (hotel, guest) dialogue
type Conversation struct {
	ID        string                 `json:"id"`
	HotelID   string                 `json:"hotel_id"`
	GuestID   string                 `json:"guest_id"`
	State     ConversationState      `json:"state"`
	Status    ConversationStatus     `json:"status"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Intent is the classified purpose of a guest message
type Intent string

const (
	IntentGreeting          Intent = "greeting"
	IntentBookingRequest    Intent = "booking_request"
	IntentComplaint         Intent = "complaint"
	IntentGeneralQuestion   Intent = "general_question"
	IntentEscalationRequest Intent = "escalation_request"
	IntentRoomService       Intent = "room_service"
	IntentConfirmation      Intent = "confirmation"
	IntentThanks            Intent = "thanks"
	IntentGoodbye           Intent = "goodbye"
)

// KnownIntents lists every label the classifier may emit
var KnownIntents = []Intent{
	IntentGreeting,
	IntentBookingRequest,
	IntentComplaint,
	IntentGeneralQuestion,
	IntentEscalationRequest,
	IntentRoomService,
	IntentConfirmation,
	IntentThanks,
	IntentGoodbye,
}

// IsKnown reports whether the label is part of the intent vocabulary
func (i Intent) IsKnown() bool {
	for _, known := range KnownIntents {
		if i == known {
			return true
		}
	}
	return false
}

// IntentResult is the per-message classification output
type IntentResult struct {
	Intent              Intent                 `json:"intent"`
	Confidence          float64                `json:"confidence"` // 0..1
	Entities            map[string]interface{} `json:"entities,omitempty"`
	Urgency             int                    `json:"urgency"`              // 1..5
	SentimentScore      float64                `json:"sentiment_score"`      // -1..1
	SentimentConfidence float64                `json:"sentiment_confidence"` // 0..1
	Reasoning           string                 `json:"reasoning,omitempty"`
	Fallback            bool                   `json:"fallback,omitempty"`
}

// IntentRecord is one entry of a conversation's intent history ring
type IntentRecord struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Urgency    int               `json:"urgency"`
	State      ConversationState `json:"state"` // conversation state after the message was handled
	Text       string            `json:"text,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// PendingActionStatus tracks whether a queued action was handled
type PendingActionStatus string

const (
	ActionPending   PendingActionStatus = "pending"
	ActionCompleted PendingActionStatus = "completed"
)

// PendingAction is a queued task inside a conversation's context
type PendingAction struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  int                    `json:"priority"`
	Status    PendingActionStatus    `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

// Expired reports whether the action is past its expiry at the given instant
func (a PendingAction) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// EscalationReason identifies which rule handed a conversation to staff
type EscalationReason string

const (
	ReasonNegativeSentiment EscalationReason = "negative_sentiment"
	ReasonHighUrgency       EscalationReason = "high_urgency"
	ReasonExplicitRequest   EscalationReason = "explicit_request"
	ReasonRepeatedIntent    EscalationReason = "repeated_intent"
)

// Severity of an escalation, ordered low to critical
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EscalationTrigger is one escalation rule that matched
type EscalationTrigger struct {
	Reason   EscalationReason `json:"reason"`
	Severity Severity         `json:"severity"`
	Detail   string           `json:"detail,omitempty"`
}

// EscalationRecord is created once per escalated conversation
type EscalationRecord struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	HotelID        string              `json:"hotel_id"`
	GuestID        string              `json:"guest_id"`
	Reason         EscalationReason    `json:"reason"`
	Severity       Severity            `json:"severity"`
	Triggers       []EscalationTrigger `json:"triggers"`
	StaffChannel   string              `json:"staff_channel"`
	CreatedAt      time.Time           `json:"created_at"`
}

// StaffNotification is the payload handed to the staff-facing channel
type StaffNotification struct {
	EscalationID   string           `json:"escalation_id"`
	ConversationID string           `json:"conversation_id"`
	HotelID        string           `json:"hotel_id"`
	GuestID        string           `json:"guest_id"`
	Reason         EscalationReason `json:"reason"`
	Severity       string           `json:"severity"`
	RecentMessages []IntentRecord   `json:"recent_messages,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Attempt        int              `json:"attempt"`
}

// InboundMessage represents a guest message delivered by the chat provider
type InboundMessage struct {
	HotelID    string    `json:"hotel_id"`
	GuestID    string    `json:"guest_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Reply is what the inbound pipeline hands back to the transport
type Reply struct {
	ConversationID string             `json:"conversation_id"`
	State          ConversationState  `json:"state"`
	Status         ConversationStatus `json:"status"`
	Text           string             `json:"text,omitempty"`
	Suppressed     bool               `json:"suppressed"`
	Intent         *IntentResult      `json:"intent,omitempty"`
	Escalation     *EscalationRecord  `json:"escalation,omitempty"`
	DeliveryID     string             `json:"delivery_id,omitempty"`
}

// Hotel is the tenant record read from the data-access collaborator
type Hotel struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Timezone string `json:"timezone" db:"timezone"`
}

// Guest is the guest record read from the data-access collaborator
type Guest struct {
	ID         string     `json:"id" db:"id"`
	HotelID    string     `json:"hotel_id" db:"hotel_id"`
	Name       string     `json:"name" db:"name"`
	Phone      string     `json:"phone" db:"phone"`
	RoomNumber string     `json:"room_number" db:"room_number"`
	Language   string     `json:"language" db:"language"`
	CheckIn    *time.Time `json:"check_in,omitempty" db:"check_in"`
	CheckOut   *time.Time `json:"check_out,omitempty" db:"check_out"`
}
