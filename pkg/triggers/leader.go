package triggers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
)

const renewScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

const resignScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// LeaderElection decides which pod runs the trigger scheduler. Event firings
// requested inline by inbound traffic do not need leadership; the firing
// marker is what keeps them at most once.
type LeaderElection struct {
	rdb      *redis.Client
	key      string
	podID    string
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	isLeader atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewLeaderElection(rdb *redis.Client, podID string, ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	if ttl <= 0 {
		ttl = constants.DefaultLeaderElectionTTLSeconds * time.Second
	}
	interval := constants.DefaultLeaderElectionIntervalSeconds * time.Second
	if interval >= ttl {
		interval = ttl / 2
	}
	return &LeaderElection{
		rdb:      rdb,
		key:      constants.LeaderElectionKey,
		podID:    podID,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) {
	le.logger.WithField("pod_id", le.podID).Info("Starting trigger leader election")

	// Try to become leader immediately
	le.tryBecomeLeader(ctx)
	go le.leaderElectionLoop(ctx)
}

func (le *LeaderElection) Stop() {
	le.stopOnce.Do(func() {
		close(le.stopCh)
		if le.isLeader.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			le.resignLeadership(ctx)
		}
	})
}

// IsLeader reports the last known leadership state.
func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

// CurrentLeader returns the pod id holding the leader key, if any.
func (le *LeaderElection) CurrentLeader(ctx context.Context) (string, error) {
	leader, err := le.rdb.Get(ctx, le.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return leader, err
}

func (le *LeaderElection) leaderElectionLoop(ctx context.Context) {
	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	start := time.Now()
	defer func() {
		le.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	acquired, err := le.rdb.SetNX(ctx, le.key, le.podID, le.ttl).Result()
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		le.setLeader(false)
		return
	}

	if acquired {
		le.setLeader(true)
		return
	}

	// Someone holds the key; if it is us, extend it.
	le.renewLeadership(ctx)
}

func (le *LeaderElection) renewLeadership(ctx context.Context) {
	renewed, err := le.rdb.Eval(ctx, renewScript, []string{le.key}, le.podID, le.ttl.Milliseconds()).Int64()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		le.setLeader(false)
		return
	}
	le.setLeader(renewed == 1)
}

func (le *LeaderElection) resignLeadership(ctx context.Context) {
	if err := le.rdb.Eval(ctx, resignScript, []string{le.key}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned leadership")
	}
	le.isLeader.Store(false)
}

func (le *LeaderElection) setLeader(leader bool) {
	if le.isLeader.Swap(leader) == leader {
		return
	}
	if leader {
		le.logger.WithField("pod_id", le.podID).Info("Became trigger leader")
		le.metrics.TriggerLeaderChanges.Inc()
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Lost trigger leadership")
	}
}
