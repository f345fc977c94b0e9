package escalation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/contextstore"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
	"github.com/1rokoko/hotel-boost-sub006/pkg/statemachine"
)

const recordKey = "record"

// recentMessagesInSnapshot bounds the conversation excerpt sent to staff
const recentMessagesInSnapshot = 5

// Dispatcher hands a notification to the staff channel without blocking
type Dispatcher interface {
	Dispatch(ctx context.Context, notification models.StaffNotification)
}

// Service decides on and performs staff handoffs
type Service struct {
	rules        Rules
	store        *contextstore.Store
	machine      *statemachine.Machine
	dispatcher   Dispatcher
	staffChannel string
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewService(rules Rules, store *contextstore.Store, machine *statemachine.Machine, dispatcher Dispatcher, staffChannel string, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	return &Service{
		rules:        rules,
		store:        store,
		machine:      machine,
		dispatcher:   dispatcher,
		staffChannel: staffChannel,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

func (s *Service) Evaluate(result models.IntentResult, history []models.IntentRecord) []models.EscalationTrigger {
	return s.rules.Evaluate(result, history)
}

// Record returns the escalation record of a conversation, if any.
func (s *Service) Record(ctx context.Context, conversationID string) (*models.EscalationRecord, bool) {
	v, ok, err := s.store.Get(ctx, contextstore.ConversationScope(conversationID, contextstore.MapEscalation), recordKey)
	if err != nil || !ok {
		return nil, false
	}
	var record models.EscalationRecord
	if err := v.Decode(&record); err != nil {
		s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Discarding undecodable escalation record")
		return nil, false
	}
	return &record, true
}

// ClearRecord drops the escalation record so a later handoff creates a new one.
func (s *Service) ClearRecord(ctx context.Context, conversationID string) bool {
	return s.store.Delete(ctx, contextstore.ConversationScope(conversationID, contextstore.MapEscalation), recordKey)
}

// Escalate hands the conversation to staff. Calling it again while a record
// exists returns that record and changes nothing. The returned conversation
// must be saved by the caller.
func (s *Service) Escalate(ctx context.Context, conv models.Conversation, triggers []models.EscalationTrigger, recent []models.IntentRecord) (models.Conversation, *models.EscalationRecord, error) {
	escalated, err := s.machine.Escalate(conv)
	if err != nil {
		return conv, nil, err
	}

	if existing, ok := s.Record(ctx, conv.ID); ok {
		return escalated, existing, nil
	}

	record := s.newRecord(conv, triggers)
	scope := contextstore.ConversationScope(conv.ID, contextstore.MapEscalation)

	created, err := s.store.PutIfAbsent(ctx, scope, recordKey, record, 0)
	switch {
	case err != nil:
		// The handoff still happens; only idempotence across retries is weakened.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"degraded":        true,
		}).Warn("Escalation record not persisted")
	case !created:
		if existing, ok := s.Record(ctx, conv.ID); ok {
			return escalated, existing, nil
		}
	}

	s.metrics.EscalationsCreated.WithLabelValues(string(record.Reason)).Inc()
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"hotel_id":        conv.HotelID,
		"guest_id":        conv.GuestID,
		"escalation_id":   record.ID,
		"reason":          record.Reason,
		"severity":        record.Severity.String(),
	}).Info("Conversation escalated to staff")

	s.dispatcher.Dispatch(ctx, notificationFor(record, recent))
	return escalated, record, nil
}

func (s *Service) newRecord(conv models.Conversation, triggers []models.EscalationTrigger) *models.EscalationRecord {
	record := &models.EscalationRecord{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		HotelID:        conv.HotelID,
		GuestID:        conv.GuestID,
		Reason:         models.ReasonExplicitRequest,
		Severity:       models.SeverityMedium,
		Triggers:       triggers,
		StaffChannel:   s.staffChannel,
		CreatedAt:      s.now(),
	}
	if len(triggers) > 0 {
		record.Reason = triggers[0].Reason
		record.Severity = triggers[0].Severity
	}
	return record
}

func notificationFor(record *models.EscalationRecord, recent []models.IntentRecord) models.StaffNotification {
	if len(recent) > recentMessagesInSnapshot {
		recent = recent[len(recent)-recentMessagesInSnapshot:]
	}
	return models.StaffNotification{
		EscalationID:   record.ID,
		ConversationID: record.ConversationID,
		HotelID:        record.HotelID,
		GuestID:        record.GuestID,
		Reason:         record.Reason,
		Severity:       record.Severity.String(),
		RecentMessages: recent,
		CreatedAt:      record.CreatedAt,
	}
}
