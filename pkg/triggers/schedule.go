package triggers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// Schedule keeps pending firings in a sorted set scored by due time in epoch ms.
// The member encodes the whole firing, so scheduling the same firing twice is a no-op.
type Schedule struct {
	rdb     *redis.Client
	key     string
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewSchedule(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *Schedule {
	return &Schedule{
		rdb:     rdb,
		key:     constants.TriggerScheduleKey,
		logger:  logger,
		metrics: metrics,
	}
}

func encodeMember(f models.Firing) string {
	return strings.Join([]string{
		strconv.FormatInt(f.TriggerID, 10),
		f.HotelID,
		f.GuestID,
		f.ConversationID,
		strconv.FormatInt(f.AnchorAt.UnixMilli(), 10),
	}, "|")
}

func decodeMember(member string, score float64) (models.Firing, error) {
	parts := strings.Split(member, "|")
	if len(parts) != 5 {
		return models.Firing{}, fmt.Errorf("malformed schedule member %q", member)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return models.Firing{}, fmt.Errorf("malformed trigger id in %q: %w", member, err)
	}
	anchorMs, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return models.Firing{}, fmt.Errorf("malformed anchor in %q: %w", member, err)
	}
	return models.Firing{
		TriggerID:      id,
		HotelID:        parts[1],
		GuestID:        parts[2],
		ConversationID: parts[3],
		AnchorAt:       time.UnixMilli(anchorMs),
		DueAt:          time.UnixMilli(int64(score)),
	}, nil
}

// Add schedules a firing at its DueAt.
func (s *Schedule) Add(ctx context.Context, f models.Firing) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("schedule_add").Observe(time.Since(start).Seconds())
	}()

	// NX keeps the original due time if the firing is already scheduled.
	err := s.rdb.ZAddNX(ctx, s.key, &redis.Z{
		Score:  float64(f.DueAt.UnixMilli()),
		Member: encodeMember(f),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule firing %s: %w", f.Key(), err)
	}

	s.logger.WithFields(logrus.Fields{
		"trigger_id": f.TriggerID,
		"guest_id":   f.GuestID,
		"due_at":     f.DueAt,
	}).Debug("Scheduled trigger firing")
	return nil
}

// Due returns the firings whose due time is at or before now, oldest first.
// Undecodable members are removed so they cannot block the set.
func (s *Schedule) Due(ctx context.Context, now time.Time, limit int64) ([]models.Firing, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("schedule_due").Observe(time.Since(start).Seconds())
	}()

	entries, err := s.rdb.ZRangeByScoreWithScores(ctx, s.key, &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due firings: %w", err)
	}

	firings := make([]models.Firing, 0, len(entries))
	for _, entry := range entries {
		member, _ := entry.Member.(string)
		f, err := decodeMember(member, entry.Score)
		if err != nil {
			s.logger.WithError(err).Warn("Dropping malformed schedule entry")
			s.rdb.ZRem(ctx, s.key, member)
			continue
		}
		firings = append(firings, f)
	}
	return firings, nil
}

// Remove drops a firing from the schedule once it has been evaluated.
func (s *Schedule) Remove(ctx context.Context, f models.Firing) error {
	if err := s.rdb.ZRem(ctx, s.key, encodeMember(f)).Err(); err != nil {
		return fmt.Errorf("failed to remove firing %s: %w", f.Key(), err)
	}
	return nil
}

// Len returns the number of scheduled firings.
func (s *Schedule) Len(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count scheduled firings: %w", err)
	}
	return count, nil
}
