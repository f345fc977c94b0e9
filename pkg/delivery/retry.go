package delivery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
)

// RetryingSender retries transient failures with exponential backoff. Each
// attempt gets its own timeout.
type RetryingSender struct {
	next        Sender
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

func NewRetryingSender(next Sender, maxAttempts int, backoff, timeout time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *RetryingSender {
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultDeliveryAttempts
	}
	if backoff <= 0 {
		backoff = constants.DefaultDeliveryBackoff
	}
	if timeout <= 0 {
		timeout = constants.DefaultCollaboratorTimeout
	}
	return &RetryingSender{
		next:        next,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		timeout:     timeout,
		logger:      logger,
		metrics:     metrics,
	}
}

func (s *RetryingSender) Send(ctx context.Context, hotelID, guestID, text string) (Result, error) {
	fields := logrus.Fields{"hotel_id": hotelID, "guest_id": guestID}
	wait := s.backoff

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		result, err := s.next.Send(attemptCtx, hotelID, guestID, text)
		cancel()

		if err == nil {
			s.metrics.DeliveryAttempts.WithLabelValues("success").Inc()
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			s.metrics.DeliveryAttempts.WithLabelValues("permanent").Inc()
			s.logger.WithError(err).WithFields(fields).Error("Outbound message rejected")
			return Result{}, err
		}

		s.metrics.DeliveryAttempts.WithLabelValues("transient").Inc()
		if attempt == s.maxAttempts {
			break
		}

		s.logger.WithError(err).WithFields(fields).WithFields(logrus.Fields{
			"attempt":  attempt,
			"wait_ms":  wait.Milliseconds(),
			"degraded": true,
		}).Warn("Outbound message failed, retrying")

		select {
		case <-ctx.Done():
			return Result{}, transient(ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}

	s.logger.WithError(lastErr).WithFields(fields).WithFields(logrus.Fields{
		"attempts": s.maxAttempts,
		"degraded": true,
	}).Error("Outbound message undeliverable")
	return Result{}, lastErr
}
