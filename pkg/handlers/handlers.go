package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/conversation"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
	redisClient "github.com/1rokoko/hotel-boost-sub006/pkg/redis"
	"github.com/1rokoko/hotel-boost-sub006/pkg/statemachine"
	"github.com/1rokoko/hotel-boost-sub006/pkg/triggers"
)

// Conversations is the conversation pipeline as seen by the HTTP layer
type Conversations interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) (*models.Reply, error)
	Get(ctx context.Context, conversationID string) (*models.Conversation, *models.EscalationRecord, error)
	Close(ctx context.Context, conversationID string) (*models.Conversation, error)
	Reopen(ctx context.Context, conversationID string) (*models.Conversation, error)
	Resolve(ctx context.Context, conversationID string) (*models.Conversation, error)
}

// Triggers is the trigger engine as seen by the HTTP layer
type Triggers interface {
	RecordAnchor(ctx context.Context, hotelID, guestID, conversationID string, anchor models.AnchorKind, at time.Time) (int, error)
	PublishEvent(ctx context.Context, event models.DomainEvent) ([]triggers.Result, error)
	ScheduledCount(ctx context.Context) (int64, error)
	IsLeader() bool
	CurrentLeader(ctx context.Context) (string, error)
}

type Handler struct {
	conversations Conversations
	triggers      Triggers
	logger        *logrus.Logger
}

func NewHandler(conversations Conversations, triggers Triggers, logger *logrus.Logger) *Handler {
	return &Handler{
		conversations: conversations,
		triggers:      triggers,
		logger:        logger,
	}
}

func (h *Handler) InboundMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var request struct {
		Text       string    `json:"text"`
		MessageID  string    `json:"message_id"`
		ReceivedAt time.Time `json:"received_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.ReceivedAt.IsZero() {
		request.ReceivedAt = time.Now()
	}

	reply, err := h.conversations.HandleInbound(r.Context(), models.InboundMessage{
		HotelID:    vars["hotel_id"],
		GuestID:    vars["guest_id"],
		MessageID:  request.MessageID,
		Text:       request.Text,
		ReceivedAt: request.ReceivedAt,
	})
	if err != nil {
		h.writeError(w, err, logrus.Fields{"hotel_id": vars["hotel_id"], "guest_id": vars["guest_id"]})
		return
	}

	writeJSON(w, http.StatusOK, reply)

	h.logger.WithFields(logrus.Fields{
		"conversation_id": reply.ConversationID,
		"state":           reply.State,
		"suppressed":      reply.Suppressed,
	}).Debug("Handled inbound message")
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.recordAnchor(w, r, models.AnchorCheckIn)
}

func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.recordAnchor(w, r, models.AnchorCheckOut)
}

func (h *Handler) recordAnchor(w http.ResponseWriter, r *http.Request, anchor models.AnchorKind) {
	vars := mux.Vars(r)

	var request struct {
		At time.Time `json:"at,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if request.At.IsZero() {
		request.At = time.Now()
	}

	scheduled, err := h.triggers.RecordAnchor(r.Context(), vars["hotel_id"], vars["guest_id"], "", anchor, request.At)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"hotel_id": vars["hotel_id"], "guest_id": vars["guest_id"], "anchor": anchor})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"anchor":    anchor,
		"at":        request.At,
		"scheduled": scheduled,
	})
}

type firingResponse struct {
	TriggerID  int64               `json:"trigger_id"`
	Status     models.FiringStatus `json:"status"`
	DeliveryID string              `json:"delivery_id,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	hotelID := mux.Vars(r)["hotel_id"]

	var event models.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	event.HotelID = hotelID
	if event.Name == "" || event.GuestID == "" {
		http.Error(w, "Event name and guest_id are required", http.StatusBadRequest)
		return
	}

	results, err := h.triggers.PublishEvent(r.Context(), event)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"hotel_id": hotelID, "event": event.Name})
		return
	}

	firings := make([]firingResponse, 0, len(results))
	for _, res := range results {
		fr := firingResponse{TriggerID: res.Firing.TriggerID, Status: res.Status, DeliveryID: res.DeliveryID}
		if res.Err != nil {
			fr.Error = res.Err.Error()
		}
		firings = append(firings, fr)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"event":   event.Name,
		"firings": firings,
	})
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	conv, record, err := h.conversations.Get(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"conversation_id": conversationID})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"escalation":   record,
	})
}

func (h *Handler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, "close", h.conversations.Close)
}

func (h *Handler) ReopenConversation(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, "reopen", h.conversations.Reopen)
}

func (h *Handler) ResolveConversation(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, "resolve", h.conversations.Resolve)
}

func (h *Handler) staffAction(w http.ResponseWriter, r *http.Request, action string, apply func(context.Context, string) (*models.Conversation, error)) {
	conversationID := mux.Vars(r)["id"]

	conv, err := apply(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"conversation_id": conversationID, "action": action})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"conversation": conv,
	})

	h.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"action":          action,
	}).Debug("Applied staff action")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.triggers.ScheduledCount(r.Context())
	if err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"is_leader":         h.triggers.IsLeader(),
		"scheduled_firings": count,
		"timestamp":         time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.triggers.ScheduledCount(r.Context())
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	leader, err := h.triggers.CurrentLeader(r.Context())
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read current trigger leader")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_leader":         h.triggers.IsLeader(),
		"leader":            leader,
		"scheduled_firings": count,
		"timestamp":         time.Now(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fields logrus.Fields) {
	switch {
	case errors.Is(err, conversation.ErrInvalidMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, conversation.ErrNotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
	case errors.Is(err, statemachine.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, redisClient.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Conversation busy", http.StatusServiceUnavailable)
	default:
		h.logger.WithError(err).WithFields(fields).Error("Request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
