package triggers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1rokoko/hotel-boost-sub006/pkg/contextstore"
	"github.com/1rokoko/hotel-boost-sub006/pkg/delivery"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
	"github.com/1rokoko/hotel-boost-sub006/pkg/repository"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sentMessage struct {
	HotelID string
	GuestID string
	Text    string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	errs []error
}

func (s *recordingSender) Send(_ context.Context, hotelID, guestID, text string) (delivery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{HotelID: hotelID, GuestID: guestID, Text: text})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return delivery.Result{}, err
	}
	return delivery.Result{DeliveryID: "d-1"}, nil
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type stubConversations map[string]models.Conversation

func (s stubConversations) ActiveConversation(_ context.Context, hotelID, guestID string) (*models.Conversation, bool) {
	for _, c := range s {
		if c.HotelID == hotelID && c.GuestID == guestID && c.Status != models.StatusClosed {
			conv := c
			return &conv, true
		}
	}
	return nil, false
}

func (s stubConversations) GetConversation(_ context.Context, id string) (*models.Conversation, bool) {
	c, ok := s[id]
	return &c, ok
}

type testEnv struct {
	engine *Engine
	repo   *repository.MemoryRepository
	sender *recordingSender
	clock  *testClock
	store  *contextstore.Store
	mr     *miniredis.Miniredis
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestEngine(t *testing.T) *testEnv {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := metrics.New(prometheus.NewRegistry())
	store := contextstore.NewStore(rdb, contextstore.DefaultTTLs(), time.Second, testLogger(), m)
	repo := repository.NewMemoryRepository()
	repo.PutHotel(models.Hotel{ID: "hotel_1", Name: "Seaside Inn", Timezone: "UTC"})
	checkIn := t0.Add(-2 * time.Hour)
	repo.PutGuest(models.Guest{ID: "guest_1", HotelID: "hotel_1", Name: "Ana Lima", RoomNumber: "204", CheckIn: &checkIn})

	clock := &testClock{now: t0}
	sender := &recordingSender{}
	engine := NewEngine(repo, store, NewSchedule(rdb, testLogger(), m), sender, Config{Workers: 2, Now: clock.Now}, testLogger(), m)

	return &testEnv{engine: engine, repo: repo, sender: sender, clock: clock, store: store, mr: mr}
}

func TestEngine_TimeBasedWelcomeScenario(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 1, HotelID: "hotel_1", Name: "Welcome", Kind: models.TriggerTimeBased, Active: true,
		Schedule: &models.Schedule{Anchor: models.AnchorFirstMessage, Minutes: 5},
		Template: "Welcome {guest_name}! Reply here if you need anything.",
	}))

	scheduled, err := env.engine.RecordAnchor(ctx, "hotel_1", "guest_1", "", models.AnchorFirstMessage, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)

	// A second message does not move the anchor.
	scheduled, err = env.engine.RecordAnchor(ctx, "hotel_1", "guest_1", "", models.AnchorFirstMessage, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, scheduled)

	env.clock.Set(t0.Add(4 * time.Minute))
	report := env.engine.Tick(ctx)
	assert.Equal(t, 0, report.Dispatched)

	env.clock.Set(t0.Add(5 * time.Minute))
	report = env.engine.Tick(ctx)
	assert.Equal(t, 1, report.Dispatched)

	env.clock.Set(t0.Add(10 * time.Minute))
	report = env.engine.Tick(ctx)
	assert.Equal(t, 0, report.Dispatched)

	sent := env.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Welcome Ana Lima! Reply here if you need anything.", sent[0].Text)
	assert.Equal(t, "guest_1", sent[0].GuestID)
}

func TestEngine_EvaluateIsIdempotent(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 7, HotelID: "hotel_1", Kind: models.TriggerTimeBased, Active: true,
		Schedule: &models.Schedule{Anchor: models.AnchorCheckIn, Hours: 1},
		Template: "Hello",
	}))
	f := models.Firing{TriggerID: 7, HotelID: "hotel_1", GuestID: "guest_1", AnchorAt: t0, DueAt: t0}

	first := env.engine.Evaluate(ctx, f)
	second := env.engine.Evaluate(ctx, f)

	assert.Equal(t, models.FiringDispatched, first.Status)
	assert.Equal(t, models.FiringDuplicate, second.Status)
	assert.True(t, errors.Is(second.Err, ErrDuplicateFiring))
	assert.Len(t, env.sender.messages(), 1)
}

func TestEngine_ConcurrentEvaluationDispatchesOnce(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 7, HotelID: "hotel_1", Kind: models.TriggerEventBased, EventName: "x", Active: true, Template: "Hello",
	}))
	f := models.Firing{TriggerID: 7, HotelID: "hotel_1", GuestID: "guest_1", AnchorAt: t0, DueAt: t0}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.engine.Evaluate(ctx, f)
		}()
	}
	wg.Wait()

	assert.Len(t, env.sender.messages(), 1)
}

func TestEngine_FailedDispatchIsNotRepeated(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.sender.errs = []error{errors.New("provider down")}

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 3, HotelID: "hotel_1", Kind: models.TriggerEventBased, EventName: "x", Active: true, Template: "Hi",
	}))
	f := models.Firing{TriggerID: 3, HotelID: "hotel_1", GuestID: "guest_1", AnchorAt: t0}

	assert.Equal(t, models.FiringFailed, env.engine.Evaluate(ctx, f).Status)
	assert.Equal(t, models.FiringDuplicate, env.engine.Evaluate(ctx, f).Status)
	assert.Len(t, env.sender.messages(), 1)
}

func TestEngine_EventPriorityOrdering(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	for _, def := range []models.TriggerDefinition{
		{ID: 30, Priority: 1, Template: "low"},
		{ID: 20, Priority: 9, Template: "high-b"},
		{ID: 10, Priority: 9, Template: "high-a"},
	} {
		def.HotelID = "hotel_1"
		def.Kind = models.TriggerEventBased
		def.EventName = models.EventBookingRequestReceived
		def.Active = true
		require.NoError(t, env.repo.PutTrigger(def))
	}

	results, err := env.engine.PublishEvent(ctx, models.DomainEvent{
		Name: models.EventBookingRequestReceived, HotelID: "hotel_1", GuestID: "guest_1", OccurredAt: t0,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	var texts []string
	for _, m := range env.sender.messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"high-a", "high-b", "low"}, texts)
}

func TestEngine_EventFilterAndDelay(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 1, HotelID: "hotel_1", Kind: models.TriggerEventBased, EventName: models.EventNegativeSentiment, Active: true,
		Conditions: []models.Condition{{Field: "score", Operator: "less_than", Value: -0.6}},
		Delay:      10 * time.Minute,
		Template:   "Sorry about that, {guest_first_name}. Code {voucher}.",
	}))

	event := models.DomainEvent{
		Name: models.EventNegativeSentiment, HotelID: "hotel_1", GuestID: "guest_1", OccurredAt: t0,
		Payload: map[string]interface{}{"score": -0.2},
	}
	results, err := env.engine.PublishEvent(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, results)

	event.Payload["score"] = -0.9
	results, err = env.engine.PublishEvent(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, results, "delayed firings are scheduled, not sent inline")

	count, err := env.engine.ScheduledCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	env.clock.Set(t0.Add(10 * time.Minute))
	report := env.engine.Tick(ctx)
	assert.Equal(t, 1, report.Dispatched)

	sent := env.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Sorry about that, Ana. Code .", sent[0].Text)
}

func TestEngine_ConditionBasedFiresOncePerStay(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 5, HotelID: "hotel_1", Kind: models.TriggerConditionBased, Active: true,
		Conditions: []models.Condition{
			{Field: "guest.hours_since_check_in", Operator: "greater_than", Value: 1},
			{Field: "preferences.diet", Operator: "equals", Value: "vegan"},
		},
		Template: "Our vegan menu is ready for room {room_number}.",
	}))

	report := env.engine.Tick(ctx)
	assert.Equal(t, 0, report.Dispatched, "preference not known yet")

	env.store.Guest("guest_1").SetPreferences(ctx, map[string]interface{}{"diet": "vegan"})

	report = env.engine.Tick(ctx)
	assert.Equal(t, 1, report.Dispatched)

	env.clock.Set(t0.Add(time.Hour))
	report = env.engine.Tick(ctx)
	assert.Equal(t, 0, report.Dispatched)

	sent := env.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Our vegan menu is ready for room 204.", sent[0].Text)
}

func TestEngine_DisablingStopsScheduledFirings(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 1, HotelID: "hotel_1", Kind: models.TriggerTimeBased, Active: true,
		Schedule: &models.Schedule{Anchor: models.AnchorCheckIn, Minutes: 30},
		Template: "How is the room?",
	}))
	_, err := env.engine.RecordAnchor(ctx, "hotel_1", "guest_1", "", models.AnchorCheckIn, t0)
	require.NoError(t, err)

	require.NoError(t, env.repo.SetTriggerActive(1, false))

	env.clock.Set(t0.Add(time.Hour))
	report := env.engine.Tick(ctx)
	assert.Equal(t, 0, report.Dispatched)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, env.sender.messages())

	count, err := env.engine.ScheduledCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEngine_TriggerFiredAnchorChains(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 1, HotelID: "hotel_1", Kind: models.TriggerEventBased, EventName: "check_in_completed", Active: true,
		Template: "Welcome",
	}))
	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 2, HotelID: "hotel_1", Kind: models.TriggerTimeBased, Active: true,
		Schedule: &models.Schedule{Anchor: models.AnchorTriggerFired, AnchorTriggerID: 1, Hours: 2},
		Template: "Need anything?",
	}))

	_, err := env.engine.PublishEvent(ctx, models.DomainEvent{Name: "check_in_completed", HotelID: "hotel_1", GuestID: "guest_1", OccurredAt: t0})
	require.NoError(t, err)

	env.clock.Set(t0.Add(2 * time.Hour))
	report := env.engine.Tick(ctx)
	assert.Equal(t, 1, report.Dispatched)

	sent := env.sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "Need anything?", sent[1].Text)
}

func TestEngine_SkipsClosedConversation(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.engine.SetConversations(stubConversations{
		"conv_1": {ID: "conv_1", HotelID: "hotel_1", GuestID: "guest_1", Status: models.StatusClosed},
	})

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 1, HotelID: "hotel_1", Kind: models.TriggerEventBased, EventName: "x", Active: true, Template: "Hi",
	}))
	res := env.engine.Evaluate(ctx, models.Firing{TriggerID: 1, HotelID: "hotel_1", GuestID: "guest_1", ConversationID: "conv_1", AnchorAt: t0})

	assert.Equal(t, models.FiringSkipped, res.Status)
	assert.Empty(t, env.sender.messages())
}

func TestEngine_MarkerStoreUnavailableKeepsFiringScheduled(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	require.NoError(t, env.repo.PutTrigger(models.TriggerDefinition{
		ID: 1, HotelID: "hotel_1", Kind: models.TriggerEventBased, EventName: "x", Active: true, Template: "Hi",
	}))
	env.mr.SetError("ERR store unavailable")
	res := env.engine.Evaluate(ctx, models.Firing{TriggerID: 1, HotelID: "hotel_1", GuestID: "guest_1", AnchorAt: t0})
	env.mr.SetError("")

	assert.Equal(t, models.FiringFailed, res.Status)
	assert.True(t, res.keep)
	assert.Empty(t, env.sender.messages())
}

func TestDueTime(t *testing.T) {
	utc := time.UTC
	anchor := time.Date(2024, 6, 1, 15, 0, 0, 0, utc)

	tests := []struct {
		name     string
		schedule models.Schedule
		want     time.Time
	}{
		{"offset only", models.Schedule{Minutes: 5}, anchor.Add(5 * time.Minute)},
		{"next morning", models.Schedule{Hours: 12, AtTime: "09:00"}, time.Date(2024, 6, 2, 9, 0, 0, 0, utc)},
		{"a full day then the morning", models.Schedule{Days: 1, AtTime: "09:00"}, time.Date(2024, 6, 3, 9, 0, 0, 0, utc)},
		{"clock before offset ends", models.Schedule{Hours: 6, AtTime: "20:00"}, time.Date(2024, 6, 2, 20, 0, 0, 0, utc)},
		{"clock exactly at offset", models.Schedule{Hours: 5, AtTime: "20:00"}, time.Date(2024, 6, 1, 20, 0, 0, 0, utc)},
		{"same day later", models.Schedule{AtTime: "20:00"}, time.Date(2024, 6, 1, 20, 0, 0, 0, utc)},
		{"already past today", models.Schedule{AtTime: "08:00"}, time.Date(2024, 6, 2, 8, 0, 0, 0, utc)},
		{"bad clock ignored", models.Schedule{Hours: 1, AtTime: "soon"}, anchor.Add(time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(dueTime(tt.schedule, anchor, utc)), "got %s", dueTime(tt.schedule, anchor, utc))
		})
	}
}

func TestDueTime_UsesTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	anchor := time.Date(2024, 6, 1, 22, 30, 0, 0, time.UTC) // 01:30 next day local

	due := dueTime(models.Schedule{AtTime: "09:00"}, anchor, loc)
	assert.True(t, time.Date(2024, 6, 2, 9, 0, 0, 0, loc).Equal(due))
}
