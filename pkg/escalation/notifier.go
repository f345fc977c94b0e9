package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// ErrNotificationFailed wraps every failed staff notification attempt.
var ErrNotificationFailed = errors.New("staff notification failed")

// Notifier is the staff-facing channel
type Notifier interface {
	Notify(ctx context.Context, notification models.StaffNotification) error
}

// WebhookNotifier posts the notification as JSON to a staff endpoint
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *logrus.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, logger *logrus.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{client: client, url: url, logger: logger}
}

func (n *WebhookNotifier) Notify(ctx context.Context, notification models.StaffNotification) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(notification).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: webhook returned %s", ErrNotificationFailed, resp.Status())
	}

	n.logger.WithFields(logrus.Fields{
		"escalation_id":   notification.EscalationID,
		"conversation_id": notification.ConversationID,
		"status_code":     resp.StatusCode(),
	}).Debug("Staff webhook notified")
	return nil
}

// amqpChannel is the part of *amqp.Channel the notifier uses
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitNotifier publishes notifications to a durable queue consumed by the
// staff dashboard.
type RabbitNotifier struct {
	conn     *amqp.Connection
	channel  amqpChannel
	queue    string
	logger   *logrus.Logger
	mu       sync.Mutex
	declared bool
}

func NewRabbitNotifier(url, queue string, logger *logrus.Logger) (*RabbitNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	logger.WithField("queue", queue).Info("RabbitMQ staff channel established")
	return &RabbitNotifier{conn: conn, channel: ch, queue: queue, logger: logger}, nil
}

func newRabbitNotifierWithChannel(ch amqpChannel, queue string, logger *logrus.Logger) *RabbitNotifier {
	return &RabbitNotifier{channel: ch, queue: queue, logger: logger}
}

func (n *RabbitNotifier) Notify(ctx context.Context, notification models.StaffNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal staff notification: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.declared {
		if _, err := n.channel.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: could not declare queue %s: %v", ErrNotificationFailed, n.queue, err)
		}
		n.declared = true
	}

	err = n.channel.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    notification.EscalationID,
		Timestamp:    notification.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	n.logger.WithFields(logrus.Fields{
		"escalation_id": notification.EscalationID,
		"queue":         n.queue,
	}).Debug("Published staff notification to RabbitMQ")
	return nil
}

func (n *RabbitNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
