package contextstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
)

// TTLs holds the default expiry per class of context entry
type TTLs struct {
	Conversation    time.Duration
	GuestPreference time.Duration
	Session         time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Conversation:    constants.DefaultConversationTTL,
		GuestPreference: constants.PreferenceTTL(constants.DefaultConversationTTL),
		Session:         constants.DefaultSessionTTL,
	}
}

// Store is the TTL-scoped key/value memory backing conversations and guests.
// Expiry is delegated to Redis. Unavailability degrades reads to absent and
// writes to a reported failure; no operation here takes a lock.
type Store struct {
	rdb       *redis.Client
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	ttls      TTLs
	opTimeout time.Duration
	scanCount int64
}

func NewStore(rdb *redis.Client, ttls TTLs, opTimeout time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Store {
	if opTimeout <= 0 {
		opTimeout = constants.DefaultCollaboratorTimeout
	}
	return &Store{
		rdb:       rdb,
		logger:    logger,
		metrics:   metrics,
		ttls:      ttls,
		opTimeout: opTimeout,
		scanCount: 100,
	}
}

func (s *Store) TTLs() TTLs {
	return s.ttls
}

// defaultTTL picks the expiry class of a scope when the caller passes ttl <= 0.
func (s *Store) defaultTTL(scope Scope) time.Duration {
	switch scope.Map {
	case MapPreferences:
		return s.ttls.GuestPreference
	case MapSession:
		return s.ttls.Session
	case MapFirings:
		return constants.FiringMarkerTTL
	default:
		return s.ttls.Conversation
	}
}

func (s *Store) resolveTTL(scope Scope, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return s.defaultTTL(scope)
}

func (s *Store) observe(operation string) func() {
	start := time.Now()
	return func() {
		s.metrics.RedisOperationDuration.WithLabelValues("context_" + operation).Observe(time.Since(start).Seconds())
	}
}

func (s *Store) degraded(operation string, scope Scope, err error) {
	s.metrics.ContextStoreFailures.WithLabelValues(operation).Inc()
	s.logger.WithError(err).WithFields(logrus.Fields{
		"scope":     scope.String(),
		"operation": operation,
		"degraded":  true,
	}).Warn("Context store unavailable")
}

// Put writes one key. It reports false when the write did not happen.
func (s *Store) Put(ctx context.Context, scope Scope, key string, value interface{}, ttl time.Duration) bool {
	defer s.observe("put")()

	if err := scope.Validate(); err != nil || key == "" {
		s.logger.WithError(err).WithField("key", key).Error("Rejected context write with invalid scope")
		return false
	}

	encoded, err := encodeValue(value)
	if err != nil {
		s.logger.WithError(err).WithField("scope", scope.String()).Error("Failed to encode context value")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, scope.key(key), encoded, s.resolveTTL(scope, ttl)).Err(); err != nil {
		s.degraded("put", scope, err)
		return false
	}
	return true
}

// PutIfAbsent writes the key only when it does not exist yet. Unlike Put it
// surfaces store errors, because callers use it as a serialization point and
// must tell "already exists" apart from "unknown".
func (s *Store) PutIfAbsent(ctx context.Context, scope Scope, key string, value interface{}, ttl time.Duration) (bool, error) {
	defer s.observe("put_if_absent")()

	if err := scope.Validate(); err != nil {
		return false, err
	}

	encoded, err := encodeValue(value)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	created, err := s.rdb.SetNX(ctx, scope.key(key), encoded, s.resolveTTL(scope, ttl)).Result()
	if err != nil {
		s.degraded("put_if_absent", scope, err)
		return false, err
	}
	return created, nil
}

// Get returns the value and whether it was present. The error is reserved for
// scope misuse; a store failure reads as absent.
func (s *Store) Get(ctx context.Context, scope Scope, key string) (Value, bool, error) {
	defer s.observe("get")()

	if err := scope.Validate(); err != nil {
		return Value{}, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, scope.key(key)).Result()
	if err == redis.Nil {
		return Value{}, false, nil
	}
	if err != nil {
		s.degraded("get", scope, err)
		return Value{}, false, nil
	}
	return decodeValue(raw), true, nil
}

// GetAll returns every live key of the scope. Keys that expire between the
// scan and the fetch are simply missing from the result.
func (s *Store) GetAll(ctx context.Context, scope Scope) map[string]Value {
	defer s.observe("get_all")()

	result := make(map[string]Value)
	if err := scope.Validate(); err != nil {
		s.logger.WithError(err).Error("Rejected context read with invalid scope")
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	keys, err := s.scanKeys(ctx, scope.pattern())
	if err != nil {
		s.degraded("get_all", scope, err)
		return result
	}
	if len(keys) == 0 {
		return result
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.degraded("get_all", scope, err)
		return result
	}

	prefix := scope.prefix()
	for i, raw := range values {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		result[keys[i][len(prefix):]] = decodeValue(text)
	}
	return result
}

// Update writes a whole map. Keys succeed or fail independently; the return
// value is how many failed.
func (s *Store) Update(ctx context.Context, scope Scope, values map[string]interface{}, ttl time.Duration) int {
	defer s.observe("update")()

	if len(values) == 0 {
		return 0
	}
	if err := scope.Validate(); err != nil {
		s.logger.WithError(err).Error("Rejected context update with invalid scope")
		return len(values)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	expiry := s.resolveTTL(scope, ttl)
	failed := 0
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StatusCmd, 0, len(values))

	for key, value := range values {
		encoded, err := encodeValue(value)
		if err != nil || key == "" {
			failed++
			continue
		}
		cmds = append(cmds, pipe.Set(ctx, scope.key(key), encoded, expiry))
	}

	if len(cmds) > 0 {
		// Per-command errors are inspected below; Exec's error is the first of them.
		_, _ = pipe.Exec(ctx)
		for _, cmd := range cmds {
			if cmd.Err() != nil {
				failed++
			}
		}
	}

	if failed > 0 {
		s.metrics.ContextStoreFailures.WithLabelValues("update").Add(float64(failed))
		s.logger.WithFields(logrus.Fields{
			"scope":    scope.String(),
			"failed":   failed,
			"total":    len(values),
			"degraded": true,
		}).Warn("Context update partially failed")
	}
	return failed
}

// Delete removes one key. Deleting an absent key is a success.
func (s *Store) Delete(ctx context.Context, scope Scope, key string) bool {
	defer s.observe("delete")()

	if err := scope.Validate(); err != nil {
		s.logger.WithError(err).Error("Rejected context delete with invalid scope")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, scope.key(key)).Err(); err != nil {
		s.degraded("delete", scope, err)
		return false
	}
	return true
}

// DeleteAll removes every key of the scope and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context, scope Scope) int {
	defer s.observe("delete_all")()

	if err := scope.Validate(); err != nil {
		s.logger.WithError(err).Error("Rejected context delete with invalid scope")
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	keys, err := s.scanKeys(ctx, scope.pattern())
	if err != nil {
		s.degraded("delete_all", scope, err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	removed, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		s.degraded("delete_all", scope, err)
		return 0
	}
	return int(removed)
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	seen := make(map[string]struct{})
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return nil, err
		}
		// SCAN may return a key more than once.
		for _, key := range batch {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
