package contextstore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

const intentHistoryKey = "entries"

// ConversationMemory is the typed view over one conversation's sub-maps.
type ConversationMemory struct {
	store          *Store
	conversationID string
}

func (s *Store) Conversation(conversationID string) *ConversationMemory {
	return &ConversationMemory{store: s, conversationID: conversationID}
}

func (m *ConversationMemory) scope(name string) Scope {
	return ConversationScope(m.conversationID, name)
}

func (m *ConversationMemory) CurrentRequest(ctx context.Context) map[string]Value {
	return m.store.GetAll(ctx, m.scope(MapCurrentRequest))
}

func (m *ConversationMemory) SetCurrentRequest(ctx context.Context, fields map[string]interface{}) int {
	return m.store.Update(ctx, m.scope(MapCurrentRequest), fields, 0)
}

func (m *ConversationMemory) ClearCurrentRequest(ctx context.Context) int {
	return m.store.DeleteAll(ctx, m.scope(MapCurrentRequest))
}

func (m *ConversationMemory) CollectedInfo(ctx context.Context) map[string]Value {
	return m.store.GetAll(ctx, m.scope(MapCollectedInfo))
}

func (m *ConversationMemory) Collect(ctx context.Context, fields map[string]interface{}) int {
	return m.store.Update(ctx, m.scope(MapCollectedInfo), fields, 0)
}

func (m *ConversationMemory) Session(ctx context.Context, key string) (Value, bool) {
	v, ok, _ := m.store.Get(ctx, m.scope(MapSession), key)
	return v, ok
}

func (m *ConversationMemory) SetSession(ctx context.Context, key string, value interface{}) bool {
	return m.store.Put(ctx, m.scope(MapSession), key, value, 0)
}

// IntentHistory returns the stored ring, oldest first.
func (m *ConversationMemory) IntentHistory(ctx context.Context) []models.IntentRecord {
	v, ok, _ := m.store.Get(ctx, m.scope(MapIntentHistory), intentHistoryKey)
	if !ok {
		return nil
	}
	var records []models.IntentRecord
	if err := v.Decode(&records); err != nil {
		m.store.logger.WithError(err).WithField("conversation_id", m.conversationID).Warn("Discarding undecodable intent history")
		return nil
	}
	return records
}

// AppendIntent adds a record and trims the ring to the most recent entries.
// Callers hold the conversation lock, so the read-modify-write is not raced.
func (m *ConversationMemory) AppendIntent(ctx context.Context, record models.IntentRecord) []models.IntentRecord {
	records := append(m.IntentHistory(ctx), record)
	if len(records) > constants.IntentHistorySize {
		records = records[len(records)-constants.IntentHistorySize:]
	}
	m.store.Put(ctx, m.scope(MapIntentHistory), intentHistoryKey, records, 0)
	return records
}

// AddPendingAction stores the action under its own key so that an action
// with an expiry disappears on its own.
func (m *ConversationMemory) AddPendingAction(ctx context.Context, action models.PendingAction) (models.PendingAction, bool) {
	now := time.Now()
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	if action.Status == "" {
		action.Status = models.ActionPending
	}

	ttl := m.store.ttls.Conversation
	if action.ExpiresAt != nil {
		remaining := action.ExpiresAt.Sub(now)
		if remaining <= 0 {
			return action, false
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	return action, m.store.Put(ctx, m.scope(MapPendingActions), action.ID, action, ttl)
}

// PendingActions returns live pending actions, highest priority first and
// oldest first within a priority.
func (m *ConversationMemory) PendingActions(ctx context.Context) []models.PendingAction {
	now := time.Now()
	var actions []models.PendingAction
	for _, v := range m.store.GetAll(ctx, m.scope(MapPendingActions)) {
		var action models.PendingAction
		if err := v.Decode(&action); err != nil {
			continue
		}
		if action.Status != models.ActionPending || action.Expired(now) {
			continue
		}
		actions = append(actions, action)
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority > actions[j].Priority
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})

	if len(actions) > constants.MaxPendingActions {
		actions = actions[:constants.MaxPendingActions]
	}
	return actions
}

// CompletePendingActions marks every pending action of the given type completed.
// An empty type completes all of them.
func (m *ConversationMemory) CompletePendingActions(ctx context.Context, actionType string) int {
	completed := 0
	for _, action := range m.PendingActions(ctx) {
		if actionType != "" && action.Type != actionType {
			continue
		}
		action.Status = models.ActionCompleted
		if m.store.Put(ctx, m.scope(MapPendingActions), action.ID, action, 0) {
			completed++
		}
	}
	return completed
}

// Clear drops every conversation sub-map except the record itself.
func (m *ConversationMemory) Clear(ctx context.Context) int {
	removed := 0
	for _, name := range []string{MapCurrentRequest, MapCollectedInfo, MapIntentHistory, MapPendingActions, MapSession} {
		removed += m.store.DeleteAll(ctx, m.scope(name))
	}
	return removed
}

// GuestMemory is the typed view over data that outlives a single conversation.
type GuestMemory struct {
	store   *Store
	guestID string
}

func (s *Store) Guest(guestID string) *GuestMemory {
	return &GuestMemory{store: s, guestID: guestID}
}

func (g *GuestMemory) scope(name string) Scope {
	return GuestScope(g.guestID, name)
}

func (g *GuestMemory) Preferences(ctx context.Context) map[string]Value {
	return g.store.GetAll(ctx, g.scope(MapPreferences))
}

func (g *GuestMemory) SetPreferences(ctx context.Context, prefs map[string]interface{}) int {
	return g.store.Update(ctx, g.scope(MapPreferences), prefs, 0)
}

// RecordAnchor stores the first occurrence of an anchor event. It returns true
// only for the call that actually recorded it.
func (g *GuestMemory) RecordAnchor(ctx context.Context, name string, at time.Time) bool {
	created, err := g.store.PutIfAbsent(ctx, g.scope(MapAnchors), name, at.UnixMilli(), g.store.ttls.GuestPreference)
	return err == nil && created
}

// SetAnchor overwrites an anchor, used for anchors that legitimately move (check-in, trigger fired).
func (g *GuestMemory) SetAnchor(ctx context.Context, name string, at time.Time) bool {
	return g.store.Put(ctx, g.scope(MapAnchors), name, at.UnixMilli(), g.store.ttls.GuestPreference)
}

func (g *GuestMemory) Anchor(ctx context.Context, name string) (time.Time, bool) {
	v, ok, _ := g.store.Get(ctx, g.scope(MapAnchors), name)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v.Raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// MarkFiring writes the at-most-once marker for a firing key. A false result
// with a nil error means the marker already existed.
func (g *GuestMemory) MarkFiring(ctx context.Context, firingKey string, at time.Time) (bool, error) {
	return g.store.PutIfAbsent(ctx, g.scope(MapFirings), firingKey, at.UnixMilli(), constants.FiringMarkerTTL)
}

func (g *GuestMemory) HasFired(ctx context.Context, firingKey string) bool {
	_, ok, _ := g.store.Get(ctx, g.scope(MapFirings), firingKey)
	return ok
}

func (g *GuestMemory) Session(ctx context.Context, key string) (Value, bool) {
	v, ok, _ := g.store.Get(ctx, g.scope(MapSession), key)
	return v, ok
}

func (g *GuestMemory) SetSession(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	return g.store.Put(ctx, g.scope(MapSession), key, value, ttl)
}

func (g *GuestMemory) DeleteSession(ctx context.Context, key string) bool {
	return g.store.Delete(ctx, g.scope(MapSession), key)
}
