package triggers

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// dueTime places a time-based firing. Without AtTime it is anchor+offset.
// With AtTime it is the first occurrence of that wall-clock time, in loc, at
// or after anchor+offset, so the offset is never cut short.
func dueTime(s models.Schedule, anchor time.Time, loc *time.Location) time.Time {
	due := anchor.Add(s.Offset())
	if s.AtTime == "" {
		return due
	}
	clock, err := time.Parse("15:04", s.AtTime)
	if err != nil {
		return due
	}
	local := due.In(loc)
	aligned := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if aligned.Before(due) {
		aligned = aligned.AddDate(0, 0, 1)
	}
	return aligned
}

// locations caches time.LoadLocation results; an unknown zone falls back to the default.
type locations struct {
	fallback *time.Location
	logger   *logrus.Logger
	cache    sync.Map
}

func newLocations(defaultTimezone string, logger *logrus.Logger) *locations {
	l := &locations{fallback: time.UTC, logger: logger}
	if defaultTimezone != "" {
		l.fallback = l.load(defaultTimezone)
	}
	return l
}

func (l *locations) load(name string) *time.Location {
	if name == "" {
		return l.fallback
	}
	if loc, ok := l.cache.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		l.logger.WithError(err).WithField("timezone", name).Warn("Unknown timezone, using default")
		loc = l.fallback
	}
	l.cache.Store(name, loc)
	return loc
}

// forDefinition prefers the definition's zone, then the hotel's, then the default.
func (l *locations) forDefinition(def models.TriggerDefinition, hotel *models.Hotel) *time.Location {
	if def.Timezone != "" {
		return l.load(def.Timezone)
	}
	if hotel != nil && hotel.Timezone != "" {
		return l.load(hotel.Timezone)
	}
	return l.fallback
}
