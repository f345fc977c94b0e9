package contextstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

func TestConversationMemory_IntentHistoryIsBounded(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()
	mem := store.Conversation("conv_1")

	for i := 0; i < 25; i++ {
		mem.AppendIntent(ctx, models.IntentRecord{
			Intent:     models.IntentGeneralQuestion,
			Text:       fmt.Sprintf("message %d", i),
			RecordedAt: time.Now(),
		})
	}

	history := mem.IntentHistory(ctx)
	require.Len(t, history, 20)
	assert.Equal(t, "message 5", history[0].Text)
	assert.Equal(t, "message 24", history[19].Text)
}

func TestConversationMemory_PendingActionsOrdering(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()
	mem := store.Conversation("conv_1")

	base := time.Now().Add(-time.Minute)
	_, ok := mem.AddPendingAction(ctx, models.PendingAction{Type: "low", Priority: 1, CreatedAt: base})
	require.True(t, ok)
	_, ok = mem.AddPendingAction(ctx, models.PendingAction{Type: "high_late", Priority: 5, CreatedAt: base.Add(2 * time.Second)})
	require.True(t, ok)
	_, ok = mem.AddPendingAction(ctx, models.PendingAction{Type: "high_early", Priority: 5, CreatedAt: base.Add(time.Second)})
	require.True(t, ok)

	actions := mem.PendingActions(ctx)
	require.Len(t, actions, 3)
	assert.Equal(t, "high_early", actions[0].Type)
	assert.Equal(t, "high_late", actions[1].Type)
	assert.Equal(t, "low", actions[2].Type)
	assert.Equal(t, models.ActionPending, actions[0].Status)
	assert.NotEmpty(t, actions[0].ID)
}

func TestConversationMemory_PendingActionExpiry(t *testing.T) {
	mr, store := setupTestStore(t)
	ctx := context.Background()
	mem := store.Conversation("conv_1")

	past := time.Now().Add(-time.Second)
	_, ok := mem.AddPendingAction(ctx, models.PendingAction{Type: "stale", ExpiresAt: &past})
	assert.False(t, ok, "already expired actions are not stored")

	soon := time.Now().Add(time.Second)
	_, ok = mem.AddPendingAction(ctx, models.PendingAction{Type: "short", ExpiresAt: &soon})
	require.True(t, ok)
	require.Len(t, mem.PendingActions(ctx), 1)

	mr.FastForward(2 * time.Second)
	assert.Empty(t, mem.PendingActions(ctx))
}

func TestConversationMemory_CompletePendingActions(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()
	mem := store.Conversation("conv_1")

	mem.AddPendingAction(ctx, models.PendingAction{Type: "collect_booking_details"})
	mem.AddPendingAction(ctx, models.PendingAction{Type: "staff_follow_up"})

	assert.Equal(t, 1, mem.CompletePendingActions(ctx, "collect_booking_details"))

	actions := mem.PendingActions(ctx)
	require.Len(t, actions, 1)
	assert.Equal(t, "staff_follow_up", actions[0].Type)

	assert.Equal(t, 1, mem.CompletePendingActions(ctx, ""))
	assert.Empty(t, mem.PendingActions(ctx))
}

func TestConversationMemory_Clear(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()
	mem := store.Conversation("conv_1")

	mem.SetCurrentRequest(ctx, map[string]interface{}{"type": "booking"})
	mem.Collect(ctx, map[string]interface{}{"room": "12"})
	mem.AppendIntent(ctx, models.IntentRecord{Intent: models.IntentGreeting})
	require.True(t, store.Put(ctx, ConversationScope("conv_1", MapRecord), "data", "{}", 0))

	assert.Equal(t, 3, mem.Clear(ctx))
	assert.Empty(t, mem.CurrentRequest(ctx))
	assert.Empty(t, mem.CollectedInfo(ctx))
	assert.Empty(t, mem.IntentHistory(ctx))

	_, ok, _ := store.Get(ctx, ConversationScope("conv_1", MapRecord), "data")
	assert.True(t, ok, "the record survives Clear")
}

func TestGuestMemory_AnchorsAndFirings(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()
	guest := store.Guest("guest_1")

	first := time.UnixMilli(time.Now().UnixMilli())
	assert.True(t, guest.RecordAnchor(ctx, "first_message", first))
	assert.False(t, guest.RecordAnchor(ctx, "first_message", first.Add(time.Hour)))

	at, ok := guest.Anchor(ctx, "first_message")
	require.True(t, ok)
	assert.True(t, first.Equal(at))

	marked, err := guest.MarkFiring(ctx, "7:guest_1:100", time.Now())
	require.NoError(t, err)
	assert.True(t, marked)
	assert.True(t, guest.HasFired(ctx, "7:guest_1:100"))

	marked, err = guest.MarkFiring(ctx, "7:guest_1:100", time.Now())
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestGuestMemory_PreferencesOutliveConversation(t *testing.T) {
	mr, store := setupTestStore(t)
	ctx := context.Background()

	store.Conversation("conv_1").Collect(ctx, map[string]interface{}{"room": "12"})
	store.Guest("guest_1").SetPreferences(ctx, map[string]interface{}{"pillow": "firm"})

	mr.FastForward(store.TTLs().Conversation + time.Minute)

	assert.Empty(t, store.Conversation("conv_1").CollectedInfo(ctx))
	prefs := store.Guest("guest_1").Preferences(ctx)
	assert.Equal(t, "firm", prefs["pillow"].String())
}
