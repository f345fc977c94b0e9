package contextstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
)

// InspectionReport summarizes one pass over the context keyspace.
type InspectionReport struct {
	Keys       int
	WithoutTTL int
	Duration   time.Duration
}

// Inspect walks every context key and reports how many carry no expiry.
// Expiry itself is enforced by Redis; this pass is advisory only and never
// deletes anything.
func (s *Store) Inspect(ctx context.Context) (InspectionReport, error) {
	start := time.Now()
	report := InspectionReport{}

	var cursor uint64
	pattern := constants.ContextKeyPrefix + ":*"
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return report, err
		}

		if len(keys) > 0 {
			pipe := s.rdb.Pipeline()
			for _, key := range keys {
				pipe.TTL(ctx, key)
			}
			cmds, err := pipe.Exec(ctx)
			if err != nil {
				return report, err
			}
			for _, cmd := range cmds {
				report.Keys++
				// -1 means the key exists without an expiry
				if ttl, ok := cmd.(*redis.DurationCmd); ok && ttl.Val() == -1 {
					report.WithoutTTL++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	report.Duration = time.Since(start)
	s.metrics.ContextKeysInspected.Set(float64(report.Keys))

	fields := logrus.Fields{
		"keys":        report.Keys,
		"without_ttl": report.WithoutTTL,
		"duration_ms": report.Duration.Milliseconds(),
	}
	if report.WithoutTTL > 0 {
		s.logger.WithFields(fields).Warn("Context keys found without expiry")
	} else {
		s.logger.WithFields(fields).Debug("Context inspection completed")
	}
	return report, nil
}
