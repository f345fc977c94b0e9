package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// QueueConfig tunes the staff notification stream
type QueueConfig struct {
	Group            string
	Consumer         string
	MaxAttempts      int
	NotifyTimeout    time.Duration
	MinIdle          time.Duration
	RecoveryInterval time.Duration
	Block            time.Duration
}

// NotificationQueue buffers staff notifications in a Redis stream so a failed
// notification never blocks the conversation. Failed entries stay pending and
// are reclaimed until MaxAttempts deliveries have been made.
type NotificationQueue struct {
	rdb      *redis.Client
	notifier Notifier
	cfg      QueueConfig
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	stopCh   chan struct{}
}

func NewNotificationQueue(rdb *redis.Client, notifier Notifier, cfg QueueConfig, logger *logrus.Logger, metrics *metrics.Metrics) *NotificationQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultNotificationAttempts
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = constants.DefaultCollaboratorTimeout
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = constants.NotificationMinIdle
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = constants.NotificationRecoveryInterval
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}

	return &NotificationQueue{
		rdb:      rdb,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

// Setup creates the consumer group. It is idempotent.
func (q *NotificationQueue) Setup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, constants.StaffNotificationsStream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	q.logger.WithField("consumer_group", q.cfg.Group).Info("Staff notification consumer group ready")
	return nil
}

func (q *NotificationQueue) Start(ctx context.Context) error {
	if err := q.Setup(ctx); err != nil {
		return err
	}

	q.logger.WithField("consumer_name", q.cfg.Consumer).Info("Starting staff notification consumer")
	go q.consumeLoop(ctx)
	go q.recoveryLoop(ctx)
	return nil
}

func (q *NotificationQueue) Stop() {
	close(q.stopCh)
}

// Dispatch enqueues the notification. When the stream itself is unavailable
// one direct attempt is made in the background.
func (q *NotificationQueue) Dispatch(ctx context.Context, notification models.StaffNotification) {
	if err := q.enqueue(ctx, notification); err != nil {
		q.logger.WithError(err).WithFields(logrus.Fields{
			"escalation_id":   notification.EscalationID,
			"conversation_id": notification.ConversationID,
			"degraded":        true,
		}).Warn("Failed to enqueue staff notification, notifying directly")

		go q.notifyDirect(notification)
	}
}

func (q *NotificationQueue) enqueue(ctx context.Context, notification models.StaffNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal staff notification: %w", err)
	}

	messageID, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.StaffNotificationsStream,
		Values: map[string]interface{}{
			"escalation_id":   notification.EscalationID,
			"conversation_id": notification.ConversationID,
			"created_at":      notification.CreatedAt.UnixMilli(),
			"payload":         string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add notification to stream: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"escalation_id": notification.EscalationID,
		"message_id":    messageID,
	}).Debug("Queued staff notification")
	return nil
}

func (q *NotificationQueue) notifyDirect(notification models.StaffNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.NotifyTimeout)
	defer cancel()

	notification.Attempt = 1
	if err := q.notifier.Notify(ctx, notification); err != nil {
		q.metrics.NotificationsProcessed.WithLabelValues("dropped").Inc()
		q.logger.WithError(err).WithFields(logrus.Fields{
			"escalation_id":   notification.EscalationID,
			"conversation_id": notification.ConversationID,
			"degraded":        true,
		}).Error("Staff notification lost")
		return
	}
	q.metrics.NotificationsProcessed.WithLabelValues("success").Inc()
}

func (q *NotificationQueue) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
			q.consumeMessages(ctx)
		}
	}
}

func (q *NotificationQueue) consumeMessages(ctx context.Context) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{constants.StaffNotificationsStream, ">"},
		Count:    10,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			q.logger.WithError(err).Error("Failed to read staff notifications")
			// avoid a hot loop while Redis is down
			time.Sleep(q.cfg.Block)
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			q.processMessage(ctx, message, 1)
		}
	}
}

// processMessage notifies staff for one stream entry. deliveries is how many
// times the entry has been handed to a consumer, this one included.
func (q *NotificationQueue) processMessage(ctx context.Context, message redis.XMessage, deliveries int64) {
	start := time.Now()
	defer func() {
		q.metrics.NotificationQueueLatency.Observe(time.Since(start).Seconds())
	}()

	notification, err := parseNotification(message)
	if err != nil {
		q.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse staff notification")
		q.metrics.NotificationsProcessed.WithLabelValues("parse_error").Inc()
		q.acknowledge(ctx, message.ID)
		return
	}
	notification.Attempt = int(deliveries)

	notifyCtx, cancel := context.WithTimeout(ctx, q.cfg.NotifyTimeout)
	err = q.notifier.Notify(notifyCtx, notification)
	cancel()

	fields := logrus.Fields{
		"escalation_id":   notification.EscalationID,
		"conversation_id": notification.ConversationID,
		"message_id":      message.ID,
		"attempt":         deliveries,
	}

	if err != nil {
		if deliveries >= int64(q.cfg.MaxAttempts) {
			q.logger.WithError(err).WithFields(fields).WithField("degraded", true).Error("Giving up on staff notification")
			q.metrics.NotificationsProcessed.WithLabelValues("dropped").Inc()
			q.acknowledge(ctx, message.ID)
			return
		}
		// Left pending; the recovery loop reclaims it.
		q.logger.WithError(err).WithFields(fields).WithField("degraded", true).Warn("Staff notification failed, will retry")
		q.metrics.NotificationsProcessed.WithLabelValues("retry").Inc()
		return
	}

	q.acknowledge(ctx, message.ID)
	q.metrics.NotificationsProcessed.WithLabelValues("success").Inc()
	q.logger.WithFields(fields).Debug("Staff notified")
}

func parseNotification(message redis.XMessage) (models.StaffNotification, error) {
	var notification models.StaffNotification

	payload, ok := message.Values["payload"].(string)
	if !ok {
		return notification, fmt.Errorf("missing or invalid payload")
	}
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		return notification, fmt.Errorf("invalid payload: %w", err)
	}
	if notification.ConversationID == "" {
		return notification, fmt.Errorf("missing conversation_id")
	}
	return notification, nil
}

func (q *NotificationQueue) acknowledge(ctx context.Context, messageID string) {
	if err := q.rdb.XAck(ctx, constants.StaffNotificationsStream, q.cfg.Group, messageID).Err(); err != nil {
		q.logger.WithError(err).WithField("message_id", messageID).Error("Failed to acknowledge staff notification")
	}
}

func (q *NotificationQueue) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.recoverPending(ctx)
		}
	}
}

// recoverPending reclaims entries that have been idle for MinIdle, from any
// consumer, and retries them.
func (q *NotificationQueue) recoverPending(ctx context.Context) {
	messages, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   constants.StaffNotificationsStream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.MinIdle,
		Count:    10,
		Start:    "0-0",
	}).Result()
	if err != nil {
		q.logger.WithError(err).Error("Failed to auto-claim pending staff notifications")
		return
	}
	if len(messages) > 0 {
		q.logger.WithField("claimed", len(messages)).Info("Retrying pending staff notifications")
	}

	for _, message := range messages {
		q.processMessage(ctx, message, q.deliveryCount(ctx, message.ID))
	}
}

func (q *NotificationQueue) deliveryCount(ctx context.Context, messageID string) int64 {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: constants.StaffNotificationsStream,
		Group:  q.cfg.Group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		// Unknown; count it as a retry so it cannot loop forever.
		return int64(q.cfg.MaxAttempts)
	}
	return pending[0].RetryCount
}
