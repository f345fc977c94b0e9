package models

import (
	"fmt"
	"time"
)

// TriggerKind selects the timing model of a trigger definition
type TriggerKind string

const (
	TriggerTimeBased      TriggerKind = "time_based"
	TriggerEventBased     TriggerKind = "event_based"
	TriggerConditionBased TriggerKind = "condition_based"
)

// AnchorKind names the reference event a time-based trigger is offset from
type AnchorKind string

const (
	AnchorFirstMessage AnchorKind = "first_message"
	AnchorCheckIn      AnchorKind = "check_in"
	AnchorCheckOut     AnchorKind = "check_out"
	AnchorTriggerFired AnchorKind = "trigger_fired"
)

// Schedule describes when a time-based trigger fires relative to its anchor
type Schedule struct {
	Anchor          AnchorKind `json:"anchor"`
	AnchorTriggerID int64      `json:"anchor_trigger_id,omitempty"` // only for trigger_fired anchors
	Minutes         int        `json:"minutes,omitempty"`
	Hours           int        `json:"hours,omitempty"`
	Days            int        `json:"days,omitempty"`
	AtTime          string     `json:"at_time,omitempty"` // HH:MM in the trigger timezone
}

// Offset returns the total delay after the anchor
func (s Schedule) Offset() time.Duration {
	return time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Days)*24*time.Hour
}

// Condition is a single field/operator/value test
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// TriggerDefinition is hotel-configured and read-only to the engine
type TriggerDefinition struct {
	ID         int64         `json:"id"`
	HotelID    string        `json:"hotel_id"`
	Name       string        `json:"name"`
	Kind       TriggerKind   `json:"kind"`
	Schedule   *Schedule     `json:"schedule,omitempty"`
	EventName  string        `json:"event_name,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty"`
	Template   string        `json:"template"`
	Priority   int           `json:"priority"`
	Active     bool          `json:"active"`
	Timezone   string        `json:"timezone,omitempty"`
}

// Validate checks that the definition carries what its kind needs
func (d TriggerDefinition) Validate() error {
	switch d.Kind {
	case TriggerTimeBased:
		if d.Schedule == nil {
			return fmt.Errorf("trigger %d: time_based trigger requires a schedule", d.ID)
		}
		if d.Schedule.Anchor == AnchorTriggerFired && d.Schedule.AnchorTriggerID == 0 {
			return fmt.Errorf("trigger %d: trigger_fired anchor requires anchor_trigger_id", d.ID)
		}
	case TriggerEventBased:
		if d.EventName == "" {
			return fmt.Errorf("trigger %d: event_based trigger requires an event name", d.ID)
		}
	case TriggerConditionBased:
		if len(d.Conditions) == 0 {
			return fmt.Errorf("trigger %d: condition_based trigger requires at least one condition", d.ID)
		}
	default:
		return fmt.Errorf("trigger %d: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}

// DomainEvent is a named business event that may fire event-based triggers
type DomainEvent struct {
	Name           string                 `json:"name"`
	HotelID        string                 `json:"hotel_id"`
	GuestID        string                 `json:"guest_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

const (
	EventNegativeSentiment      = "negative_sentiment_detected"
	EventBookingRequestReceived = "booking_request_received"
	EventConversationEscalated  = "conversation_escalated"
	EventConversationClosed     = "conversation_closed"
)

// Firing is one scheduled or ready execution of a definition for a guest
type Firing struct {
	TriggerID      int64     `json:"trigger_id"`
	HotelID        string    `json:"hotel_id"`
	GuestID        string    `json:"guest_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	AnchorAt       time.Time `json:"anchor_at"`
	DueAt          time.Time `json:"due_at"`
}

// Key is the at-most-once identity of the firing
func (f Firing) Key() string {
	return fmt.Sprintf("%d:%s:%d", f.TriggerID, f.GuestID, f.AnchorAt.UnixMilli())
}

// FiringStatus is the outcome of evaluating one firing
type FiringStatus string

const (
	FiringDispatched FiringStatus = "dispatched"
	FiringDuplicate  FiringStatus = "duplicate"
	FiringSkipped    FiringStatus = "skipped"
	FiringFailed     FiringStatus = "failed"
)
