package conversation

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/contextstore"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

const (
	recordKey       = "conversation"
	activeKeyPrefix = "active_conversation:"
)

// Repository keeps conversation records in the context store. The record
// lives in the conversation's "record" map; the guest's session map points
// at the currently active conversation per hotel.
type Repository struct {
	store  *contextstore.Store
	logger *logrus.Logger
}

func NewRepository(store *contextstore.Store, logger *logrus.Logger) *Repository {
	return &Repository{store: store, logger: logger}
}

func (r *Repository) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, bool) {
	v, ok, err := r.store.Get(ctx, contextstore.ConversationScope(conversationID, contextstore.MapRecord), recordKey)
	if err != nil || !ok {
		return nil, false
	}
	var conv models.Conversation
	if err := v.Decode(&conv); err != nil {
		r.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Discarding undecodable conversation record")
		return nil, false
	}
	return &conv, true
}

// ActiveConversation returns the guest's current conversation at the hotel,
// unless there is none or it is closed.
func (r *Repository) ActiveConversation(ctx context.Context, hotelID, guestID string) (*models.Conversation, bool) {
	v, ok := r.store.Guest(guestID).Session(ctx, activeKeyPrefix+hotelID)
	if !ok || v.Raw == "" {
		return nil, false
	}
	conv, ok := r.GetConversation(ctx, v.Raw)
	if !ok || conv.Status == models.StatusClosed {
		return nil, false
	}
	return conv, true
}

// Save writes the record and keeps the guest's active-conversation pointer in
// step: set while open, dropped once this conversation closes.
// It reports false when the store did not take the write.
func (r *Repository) Save(ctx context.Context, conv models.Conversation) bool {
	saved := r.store.Put(ctx, contextstore.ConversationScope(conv.ID, contextstore.MapRecord), recordKey, conv, 0)
	guest := r.store.Guest(conv.GuestID)
	if conv.Status != models.StatusClosed {
		ttl := r.store.TTLs().Conversation
		return guest.SetSession(ctx, activeKeyPrefix+conv.HotelID, conv.ID, ttl) && saved
	}
	if v, ok := guest.Session(ctx, activeKeyPrefix+conv.HotelID); ok && v.Raw == conv.ID {
		guest.DeleteSession(ctx, activeKeyPrefix+conv.HotelID)
	}
	return saved
}
