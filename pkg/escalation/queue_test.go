package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

type flakyNotifier struct {
	mu       sync.Mutex
	failures int
	calls    []models.StaffNotification
}

func (n *flakyNotifier) Notify(_ context.Context, notification models.StaffNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification)
	if n.failures > 0 {
		n.failures--
		return ErrNotificationFailed
	}
	return nil
}

func (n *flakyNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func setupTestQueue(t *testing.T, notifier Notifier, maxAttempts int) (*NotificationQueue, *redis.Client) {
	_, rdb := setupTestRedis(t)
	q := NewNotificationQueue(rdb, notifier, QueueConfig{
		Group:       "staff-notifiers",
		Consumer:    "consumer-test",
		MaxAttempts: maxAttempts,
		MinIdle:     time.Millisecond,
		Block:       50 * time.Millisecond,
	}, testLogger(), metrics.New(prometheus.NewRegistry()))
	require.NoError(t, q.Setup(context.Background()))
	return q, rdb
}

func testNotification() models.StaffNotification {
	return models.StaffNotification{
		EscalationID:   "esc_1",
		ConversationID: "conv_1",
		HotelID:        "hotel_1",
		GuestID:        "guest_1",
		Reason:         models.ReasonExplicitRequest,
		Severity:       "medium",
		CreatedAt:      time.Now(),
	}
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	pending, err := rdb.XPending(context.Background(), constants.StaffNotificationsStream, "staff-notifiers").Result()
	require.NoError(t, err)
	return pending.Count
}

func TestNotificationQueue_DeliversAndAcks(t *testing.T) {
	notifier := &flakyNotifier{}
	q, rdb := setupTestQueue(t, notifier, 3)
	ctx := context.Background()

	require.NoError(t, q.Setup(ctx), "setup is idempotent")

	q.Dispatch(ctx, testNotification())
	q.consumeMessages(ctx)

	require.Equal(t, 1, notifier.callCount())
	assert.Equal(t, "esc_1", notifier.calls[0].EscalationID)
	assert.Equal(t, 1, notifier.calls[0].Attempt)
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestNotificationQueue_FailureStaysPendingThenRecovers(t *testing.T) {
	notifier := &flakyNotifier{failures: 1}
	q, rdb := setupTestQueue(t, notifier, 3)
	ctx := context.Background()

	q.Dispatch(ctx, testNotification())
	q.consumeMessages(ctx)

	assert.Equal(t, 1, notifier.callCount())
	assert.Equal(t, int64(1), pendingCount(t, rdb), "failed notification stays pending")

	time.Sleep(5 * time.Millisecond)
	q.recoverPending(ctx)

	assert.Equal(t, 2, notifier.callCount())
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestNotificationQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	notifier := &flakyNotifier{failures: 10}
	q, rdb := setupTestQueue(t, notifier, 3)
	ctx := context.Background()

	q.Dispatch(ctx, testNotification())
	streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "staff-notifiers",
		Consumer: "consumer-test",
		Streams:  []string{constants.StaffNotificationsStream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	message := streams[0].Messages[0]

	q.processMessage(ctx, message, 2)
	assert.Equal(t, int64(1), pendingCount(t, rdb))

	q.processMessage(ctx, message, 3)
	assert.Equal(t, int64(0), pendingCount(t, rdb), "acked once attempts are exhausted")
	assert.Equal(t, 2, notifier.callCount())
}

func TestNotificationQueue_UnparseableEntryIsAcked(t *testing.T) {
	q, rdb := setupTestQueue(t, &flakyNotifier{}, 3)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.StaffNotificationsStream,
		Values: map[string]interface{}{"payload": "not json"},
	}).Err())

	q.consumeMessages(ctx)
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestNotificationQueue_DirectAttemptWhenStreamUnavailable(t *testing.T) {
	notifier := &flakyNotifier{}
	mr, rdb := setupTestRedis(t)
	q := NewNotificationQueue(rdb, notifier, QueueConfig{Group: "g", Consumer: "c"}, testLogger(), metrics.New(prometheus.NewRegistry()))

	mr.Close()
	q.Dispatch(context.Background(), testNotification())

	assert.Eventually(t, func() bool { return notifier.callCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNotificationQueue_StartAndStop(t *testing.T) {
	notifier := &flakyNotifier{}
	q, _ := setupTestQueue(t, notifier, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Start(ctx))
	q.Dispatch(ctx, testNotification())

	assert.Eventually(t, func() bool { return notifier.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	q.Stop()
}
