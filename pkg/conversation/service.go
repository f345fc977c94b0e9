package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/classifier"
	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/contextstore"
	"github.com/1rokoko/hotel-boost-sub006/pkg/delivery"
	"github.com/1rokoko/hotel-boost-sub006/pkg/escalation"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
	"github.com/1rokoko/hotel-boost-sub006/pkg/statemachine"
	"github.com/1rokoko/hotel-boost-sub006/pkg/textai"
	"github.com/1rokoko/hotel-boost-sub006/pkg/triggers"
)

var (
	ErrInvalidMessage = errors.New("invalid inbound message")
	ErrNotFound       = errors.New("conversation not found")
)

// replyHandoff is sent with the message that caused an escalation.
const replyHandoff = "I've asked a member of our team to join this conversation. They'll be with you shortly."

// Locker serializes work on one guest's conversation
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// TriggerSink receives anchors and domain events produced by conversations
type TriggerSink interface {
	RecordAnchor(ctx context.Context, hotelID, guestID, conversationID string, anchor models.AnchorKind, at time.Time) (int, error)
	PublishEvent(ctx context.Context, event models.DomainEvent) ([]triggers.Result, error)
}

type Config struct {
	InactivityHorizon   time.Duration
	LockTTL             time.Duration
	CollaboratorTimeout time.Duration
}

// Service runs the inbound message pipeline and the staff operations.
type Service struct {
	conversations *Repository
	store         *contextstore.Store
	locker        Locker
	classifier    *classifier.Classifier
	machine       *statemachine.Machine
	escalation    *escalation.Service
	analyzer      textai.Analyzer
	triggers      TriggerSink
	sender        delivery.Sender
	cfg           Config
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewService(
	conversations *Repository,
	store *contextstore.Store,
	locker Locker,
	classifier *classifier.Classifier,
	machine *statemachine.Machine,
	escalation *escalation.Service,
	analyzer textai.Analyzer,
	triggers TriggerSink,
	sender delivery.Sender,
	cfg Config,
	logger *logrus.Logger,
	metrics *metrics.Metrics,
) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = constants.DefaultCollaboratorTimeout
	}
	return &Service{
		conversations: conversations,
		store:         store,
		locker:        locker,
		classifier:    classifier,
		machine:       machine,
		escalation:    escalation,
		analyzer:      analyzer,
		triggers:      triggers,
		sender:        sender,
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

func lockKey(hotelID, guestID string) string {
	return constants.ConversationLockPrefix + hotelID + ":" + guestID
}

// lock waits long enough for a holder that is mid-classification to finish.
func (s *Service) lock(ctx context.Context, hotelID, guestID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL+s.cfg.CollaboratorTimeout)
	defer cancel()
	return s.locker.Acquire(lockCtx, lockKey(hotelID, guestID), s.cfg.LockTTL)
}

// followUp is work that runs after the lock is released
type followUp struct {
	events      []models.DomainEvent
	firstAnchor bool
	generate    bool
}

// HandleInbound runs one guest message through classification, the state
// machine and the escalation rules, then delivers the reply. The guest always
// gets a reply unless the conversation is with staff.
func (s *Service) HandleInbound(ctx context.Context, msg models.InboundMessage) (*models.Reply, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.HotelID == "" || msg.GuestID == "" || msg.Text == "" {
		return nil, fmt.Errorf("%w: hotel, guest and text are required", ErrInvalidMessage)
	}
	now := msg.ReceivedAt
	if now.IsZero() {
		now = s.now()
	}

	release, err := s.lock(ctx, msg.HotelID, msg.GuestID)
	if err != nil {
		s.metrics.InboundMessages.WithLabelValues("lock_timeout").Inc()
		return nil, fmt.Errorf("conversation busy: %w", err)
	}

	reply, after, err := s.handleLocked(ctx, msg, now)
	release()
	if err != nil {
		s.metrics.InboundMessages.WithLabelValues("error").Inc()
		return nil, err
	}

	s.runFollowUp(ctx, msg, reply.ConversationID, now, after)

	if after.generate {
		reply.Text = s.generateReply(ctx, reply.ConversationID, msg.GuestID, msg.Text, reply.Text)
	}

	if reply.Suppressed {
		s.metrics.InboundMessages.WithLabelValues("suppressed").Inc()
		return reply, nil
	}

	sent, err := s.sender.Send(ctx, msg.HotelID, msg.GuestID, reply.Text)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": reply.ConversationID,
			"guest_id":        msg.GuestID,
			"degraded":        true,
		}).Error("Reply delivery failed")
		s.metrics.InboundMessages.WithLabelValues("delivery_failed").Inc()
		return reply, nil
	}
	reply.DeliveryID = sent.DeliveryID

	outcome := "replied"
	if reply.Escalation != nil {
		outcome = "escalated"
	}
	s.metrics.InboundMessages.WithLabelValues(outcome).Inc()
	return reply, nil
}

func (s *Service) handleLocked(ctx context.Context, msg models.InboundMessage, now time.Time) (*models.Reply, followUp, error) {
	var after followUp

	conv, opened, closedEvent := s.openOrResume(ctx, msg.HotelID, msg.GuestID, now)
	if closedEvent != nil {
		after.events = append(after.events, *closedEvent)
	}
	after.firstAnchor = opened

	memory := s.store.Conversation(conv.ID)
	history := memory.IntentHistory(ctx)

	result := s.classifier.Classify(ctx, classifier.ConversationContext{
		ConversationID: conv.ID,
		State:          conv.State,
		RecentIntents:  history,
	}, msg.Text)

	outcome, err := s.machine.Transition(conv, result)
	if err != nil {
		return nil, after, err
	}

	reply := &models.Reply{
		ConversationID: conv.ID,
		Intent:         &result,
		Suppressed:     outcome.Suppressed,
	}
	record := models.IntentRecord{
		Intent:     result.Intent,
		Confidence: result.Confidence,
		Urgency:    result.Urgency,
		State:      outcome.To,
		Text:       msg.Text,
		RecordedAt: now,
	}

	if outcome.Suppressed {
		memory.AppendIntent(ctx, record)
		conv = outcome.Conversation
		conv.UpdatedAt = now
		return s.finish(ctx, conv, reply), after, nil
	}

	// Escalation is judged against the conversation as it was before this
	// message, so a handoff overrides any table row, closing ones included.
	recent := append(append([]models.IntentRecord(nil), history...), record)
	escalationTriggers := s.escalation.Evaluate(result, recent)

	var handoff *models.EscalationRecord
	if len(escalationTriggers) > 0 {
		escalated, esc, err := s.escalation.Escalate(ctx, conv, escalationTriggers, recent)
		if err != nil {
			s.logger.WithError(err).WithField("conversation_id", conv.ID).Error("Escalation failed, continuing automated flow")
		} else {
			handoff = esc
			conv = escalated
		}
	}

	if handoff != nil {
		// Staff takes over; only what the guest told us is kept from the row.
		s.applyEffects(ctx, memory, collectOnly(outcome.Effects), now)
		s.metrics.StateTransitions.WithLabelValues(string(outcome.From), string(conv.State)).Inc()
		record.State = conv.State
		conv.UpdatedAt = now
		reply.Escalation = handoff
		reply.Text = replyHandoff
		after.events = append(after.events, s.event(models.EventConversationEscalated, conv, now, map[string]interface{}{
			"reason":   string(handoff.Reason),
			"severity": handoff.Severity.String(),
		}))
	} else {
		if failed := s.applyEffects(ctx, memory, outcome.Effects, now); failed > 0 {
			s.logger.WithFields(logrus.Fields{
				"conversation_id": conv.ID,
				"failed_writes":   failed,
				"degraded":        true,
			}).Warn("Some context writes failed")
		}
		s.metrics.StateTransitions.WithLabelValues(string(outcome.From), string(outcome.To)).Inc()
		conv = outcome.Conversation
		conv.UpdatedAt = now
		reply.Text = staticReply(outcome.Reply)
		after.generate = outcome.Reply.Generate && s.analyzer != nil
		if conv.State == models.StateClosed {
			after.events = append(after.events, s.event(models.EventConversationClosed, conv, now, map[string]interface{}{"reason": string(result.Intent)}))
		}
	}

	memory.AppendIntent(ctx, record)
	after.events = append(after.events, s.messageEvents(conv, result, escalationTriggers, now)...)
	return s.finish(ctx, conv, reply), after, nil
}

// finish persists conv and copies its state onto reply.
func (s *Service) finish(ctx context.Context, conv models.Conversation, reply *models.Reply) *models.Reply {
	if !s.conversations.Save(ctx, conv) {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"degraded":        true,
		}).Warn("Conversation record not persisted")
	}
	reply.State = conv.State
	reply.Status = conv.Status
	return reply
}

func collectOnly(effects []statemachine.SideEffect) []statemachine.SideEffect {
	var kept []statemachine.SideEffect
	for _, effect := range effects {
		if effect.Kind == statemachine.EffectCollectEntities {
			kept = append(kept, effect)
		}
	}
	return kept
}

// openOrResume returns the guest's active conversation, closing it lazily
// when it has been idle past the inactivity horizon and opening a new one.
func (s *Service) openOrResume(ctx context.Context, hotelID, guestID string, now time.Time) (models.Conversation, bool, *models.DomainEvent) {
	var closedEvent *models.DomainEvent

	if existing, ok := s.conversations.ActiveConversation(ctx, hotelID, guestID); ok {
		idle := now.Sub(existing.UpdatedAt)
		if s.cfg.InactivityHorizon <= 0 || idle <= s.cfg.InactivityHorizon || existing.Status == models.StatusEscalated {
			return *existing, false, nil
		}

		closed, err := s.machine.Close(*existing)
		if err == nil {
			s.conversations.Save(ctx, closed)
			s.metrics.StateTransitions.WithLabelValues(string(existing.State), string(closed.State)).Inc()
			s.logger.WithFields(logrus.Fields{
				"conversation_id": existing.ID,
				"idle":            idle.String(),
			}).Info("Closed inactive conversation")
			event := s.event(models.EventConversationClosed, closed, now, map[string]interface{}{"reason": "inactivity"})
			closedEvent = &event
		}
	}

	conv := models.Conversation{
		ID:        uuid.New().String(),
		HotelID:   hotelID,
		GuestID:   guestID,
		State:     models.StateGreeting,
		Status:    models.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"hotel_id":        hotelID,
		"guest_id":        guestID,
	}).Info("Opened conversation")
	return conv, true, closedEvent
}

func (s *Service) applyEffects(ctx context.Context, memory *contextstore.ConversationMemory, effects []statemachine.SideEffect, now time.Time) int {
	failed := 0
	for _, effect := range effects {
		switch effect.Kind {
		case statemachine.EffectSetCurrentRequest:
			failed += memory.SetCurrentRequest(ctx, effect.Values)
		case statemachine.EffectClearCurrentRequest:
			memory.ClearCurrentRequest(ctx)
		case statemachine.EffectCollectEntities:
			failed += memory.Collect(ctx, effect.Values)
		case statemachine.EffectAddPendingAction:
			action := models.PendingAction{
				Type:      effect.ActionType,
				Payload:   effect.Values,
				Priority:  effect.Priority,
				CreatedAt: now,
			}
			if _, ok := memory.AddPendingAction(ctx, action); !ok {
				failed++
			}
		case statemachine.EffectCompletePendingActions:
			memory.CompletePendingActions(ctx, effect.ActionType)
		}
	}
	return failed
}

func staticReply(row statemachine.ReplySpec) string {
	if strings.TrimSpace(row.Text) == "" {
		return statemachine.Acknowledgement
	}
	return row.Text
}

// generateReply asks the text collaborator for a reply and returns fallback
// when it cannot give one. It runs outside the conversation lock.
func (s *Service) generateReply(ctx context.Context, conversationID, guestID, guestText, fallback string) string {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	defer cancel()

	facts := make(map[string]string)
	for k, v := range s.store.Conversation(conversationID).CollectedInfo(ctx) {
		facts[k] = v.Raw
	}
	for k, v := range s.store.Guest(guestID).Preferences(ctx) {
		facts["preference_"+k] = v.Raw
	}

	generated, err := s.analyzer.GenerateResponse(genCtx, guestText, facts)
	switch {
	case err == nil && strings.TrimSpace(generated) != "":
		return strings.TrimSpace(generated)
	case errors.Is(err, textai.ErrGenerationUnsupported):
	case err != nil:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"degraded":        true,
		}).Warn("Response generation failed, using static reply")
	}
	return fallback
}

func (s *Service) messageEvents(conv models.Conversation, result models.IntentResult, escalationTriggers []models.EscalationTrigger, now time.Time) []models.DomainEvent {
	var events []models.DomainEvent
	negative := false
	for _, t := range escalationTriggers {
		if t.Reason == models.ReasonNegativeSentiment {
			negative = true
		}
	}
	if negative {
		events = append(events, s.event(models.EventNegativeSentiment, conv, now, map[string]interface{}{
			"score":      result.SentimentScore,
			"confidence": result.SentimentConfidence,
			"intent":     string(result.Intent),
		}))
	}
	if result.Intent == models.IntentBookingRequest {
		payload := map[string]interface{}{"confidence": result.Confidence}
		for k, v := range result.Entities {
			payload[k] = v
		}
		events = append(events, s.event(models.EventBookingRequestReceived, conv, now, payload))
	}
	return events
}

func (s *Service) event(name string, conv models.Conversation, now time.Time, payload map[string]interface{}) models.DomainEvent {
	return models.DomainEvent{
		Name:           name,
		HotelID:        conv.HotelID,
		GuestID:        conv.GuestID,
		ConversationID: conv.ID,
		Payload:        payload,
		OccurredAt:     now,
	}
}

// runFollowUp feeds the trigger engine. Failures here never affect the reply.
func (s *Service) runFollowUp(ctx context.Context, msg models.InboundMessage, conversationID string, now time.Time, after followUp) {
	if s.triggers == nil {
		return
	}
	if after.firstAnchor {
		if _, err := s.triggers.RecordAnchor(ctx, msg.HotelID, msg.GuestID, conversationID, models.AnchorFirstMessage, now); err != nil {
			s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to record first-message anchor")
		}
	}
	for _, event := range after.events {
		if _, err := s.triggers.PublishEvent(ctx, event); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"conversation_id": event.ConversationID,
				"event":           event.Name,
			}).Warn("Failed to publish domain event")
		}
	}
}

// Get returns a conversation and its escalation record, if any.
func (s *Service) Get(ctx context.Context, conversationID string) (*models.Conversation, *models.EscalationRecord, error) {
	conv, ok := s.conversations.GetConversation(ctx, conversationID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	record, _ := s.escalation.Record(ctx, conversationID)
	return conv, record, nil
}

// Close is the staff close operation.
func (s *Service) Close(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return s.staffAction(ctx, conversationID, "close", func(conv models.Conversation) (models.Conversation, error) {
		return s.machine.Close(conv)
	})
}

// Resolve is the staff "marked resolved" operation. The conversation closes
// and its working context is dropped; the record and escalation stay readable.
func (s *Service) Resolve(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return s.staffAction(ctx, conversationID, "resolve", func(conv models.Conversation) (models.Conversation, error) {
		closed, err := s.machine.Close(conv)
		if err != nil {
			return conv, err
		}
		s.store.Conversation(conv.ID).Clear(ctx)
		return closed, nil
	})
}

// Reopen returns a closed or escalated conversation to automated handling.
// The previous escalation record is dropped so a later handoff gets a fresh one.
func (s *Service) Reopen(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return s.staffAction(ctx, conversationID, "reopen", func(conv models.Conversation) (models.Conversation, error) {
		reopened, err := s.machine.Reopen(conv)
		if err != nil {
			return conv, err
		}
		s.escalation.ClearRecord(ctx, conv.ID)
		return reopened, nil
	})
}

func (s *Service) staffAction(ctx context.Context, conversationID, action string, apply func(models.Conversation) (models.Conversation, error)) (*models.Conversation, error) {
	conv, ok := s.conversations.GetConversation(ctx, conversationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}

	release, err := s.lock(ctx, conv.HotelID, conv.GuestID)
	if err != nil {
		return nil, fmt.Errorf("conversation busy: %w", err)
	}
	defer release()

	// Re-read under the lock; an inbound message may have moved it.
	conv, ok = s.conversations.GetConversation(ctx, conversationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}

	from := conv.State
	updated, err := apply(*conv)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	if !s.conversations.Save(ctx, updated) {
		return nil, fmt.Errorf("failed to save conversation %s", conversationID)
	}

	s.metrics.StateTransitions.WithLabelValues(string(from), string(updated.State)).Inc()
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"action":          action,
		"from":            from,
		"to":              updated.State,
	}).Info("Staff updated conversation")

	if updated.State == models.StateClosed && s.triggers != nil {
		event := s.event(models.EventConversationClosed, updated, updated.UpdatedAt, map[string]interface{}{"reason": action})
		if _, err := s.triggers.PublishEvent(ctx, event); err != nil {
			s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to publish domain event")
		}
	}
	return &updated, nil
}
