package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind tells the caller whether a failed send may be retried
type Kind string

const (
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

// Error is a classified delivery failure
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s delivery failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transient(err error) error {
	return &Error{Kind: Transient, Err: err}
}

func permanent(err error) error {
	return &Error{Kind: Permanent, Err: err}
}

// IsTransient reports whether err is worth retrying. Unclassified errors are
// treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == Transient
	}
	return !errors.Is(err, context.Canceled)
}

// Result identifies a delivered message
type Result struct {
	DeliveryID string
}

// Sender is the outbound message collaborator
type Sender interface {
	Send(ctx context.Context, hotelID, guestID, text string) (Result, error)
}

// LogSender only logs messages. Used when no provider is configured.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, hotelID, guestID, text string) (Result, error) {
	id := "log-" + uuid.New().String()
	s.logger.WithFields(logrus.Fields{
		"hotel_id":    hotelID,
		"guest_id":    guestID,
		"delivery_id": id,
		"text":        text,
	}).Info("Outbound message (no provider configured)")
	return Result{DeliveryID: id}, nil
}
