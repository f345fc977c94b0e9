package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/classifier"
	"github.com/1rokoko/hotel-boost-sub006/pkg/config"
	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
	"github.com/1rokoko/hotel-boost-sub006/pkg/contextstore"
	"github.com/1rokoko/hotel-boost-sub006/pkg/conversation"
	"github.com/1rokoko/hotel-boost-sub006/pkg/delivery"
	"github.com/1rokoko/hotel-boost-sub006/pkg/escalation"
	"github.com/1rokoko/hotel-boost-sub006/pkg/handlers"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	redisClient "github.com/1rokoko/hotel-boost-sub006/pkg/redis"
	"github.com/1rokoko/hotel-boost-sub006/pkg/repository"
	"github.com/1rokoko/hotel-boost-sub006/pkg/server"
	"github.com/1rokoko/hotel-boost-sub006/pkg/statemachine"
	"github.com/1rokoko/hotel-boost-sub006/pkg/textai"
	"github.com/1rokoko/hotel-boost-sub006/pkg/triggers"
)

// Service owns every long-running component of one pod.
type Service struct {
	config         *config.Config
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	store          *contextstore.Store
	conversations  *conversation.Service
	engine         *triggers.Engine
	leaderElection *triggers.LeaderElection
	notifications  *escalation.NotificationQueue
	closers        []io.Closer
	server         *http.Server
}

// Dependencies are the external systems the service talks to. Nil fields are
// built from config.
type Dependencies struct {
	Repository repository.Repository
	Analyzer   textai.Analyzer
	Sender     delivery.Sender
	Notifier   escalation.Notifier
}

func NewService(ctx context.Context, rdb *redis.Client, config *config.Config, deps Dependencies, logger *logrus.Logger, metrics *metrics.Metrics) (*Service, error) {
	s := &Service{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	repo, err := s.buildRepository(ctx, deps.Repository)
	if err != nil {
		return nil, err
	}
	analyzer := s.buildAnalyzer(deps.Analyzer)
	sender, err := s.buildSender(deps.Sender, repo)
	if err != nil {
		return nil, err
	}
	notifier, err := s.buildNotifier(deps.Notifier)
	if err != nil {
		return nil, err
	}

	s.store = contextstore.NewStore(rdb, contextstore.TTLs{
		Conversation:    config.ConversationTTL(),
		GuestPreference: config.GuestPreferenceTTL(),
		Session:         config.SessionTTL(),
	}, 2*time.Second, logger, metrics)

	s.notifications = escalation.NewNotificationQueue(rdb, notifier, escalation.QueueConfig{
		Group:         config.NotificationConsumerGroup,
		Consumer:      config.PodID,
		MaxAttempts:   config.NotificationMaxAttempts,
		NotifyTimeout: config.CollaboratorTimeout(),
	}, logger, metrics)

	machine := statemachine.New()
	escalations := escalation.NewService(escalation.Rules{
		SentimentThreshold:       config.SentimentThreshold,
		SentimentConfidenceFloor: config.SentimentConfidenceFloor,
		UrgencyCeiling:           config.UrgencyCeiling,
		RepeatedIntentCount:      config.RepeatedIntentCount,
		RepeatedIntentWindow:     config.RepeatedIntentWindow,
	}, s.store, machine, s.notifications, config.StaffChannel, logger, metrics)

	s.leaderElection = triggers.NewLeaderElection(rdb, config.PodID, config.LeaderElectionTTLDuration(), logger, metrics)
	s.engine = triggers.NewEngine(repo, s.store, triggers.NewSchedule(rdb, logger, metrics), sender, triggers.Config{
		TickInterval:    config.TriggerTickInterval(),
		Workers:         config.TriggerWorkers,
		DefaultTimezone: config.DefaultTimezone,
	}, logger, metrics)

	records := conversation.NewRepository(s.store, logger)
	s.engine.SetConversations(records)

	s.conversations = conversation.NewService(
		records,
		s.store,
		redisClient.NewLocker(rdb, logger),
		classifier.New(analyzer, config.CollaboratorTimeout(), logger, metrics),
		machine,
		escalations,
		analyzer,
		s.engine,
		sender,
		conversation.Config{
			InactivityHorizon:   config.InactivityHorizon(),
			LockTTL:             config.LockTTL(),
			CollaboratorTimeout: config.CollaboratorTimeout(),
		},
		logger,
		metrics,
	)

	return s, nil
}

func (s *Service) buildRepository(ctx context.Context, repo repository.Repository) (repository.Repository, error) {
	if repo == nil {
		if s.config.DatabaseURL == "" {
			s.logger.Warn("No DATABASE_URL configured, using an empty in-memory repository")
			repo = repository.NewMemoryRepository()
		} else {
			pg, err := repository.Connect(ctx, s.config.DatabaseURL, s.logger)
			if err != nil {
				return nil, err
			}
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
			s.closers = append(s.closers, pg)
			repo = pg
		}
	}
	// Definitions are re-read every few ticks so edits and deactivations apply quickly.
	return repository.NewCachedRepository(repo, 4*s.config.TriggerTickInterval()), nil
}

func (s *Service) buildAnalyzer(analyzer textai.Analyzer) textai.Analyzer {
	if analyzer != nil {
		return analyzer
	}
	if s.config.ClassifierBackend == "openai" && s.config.OpenAIAPIKey != "" {
		s.logger.WithField("model", s.config.OpenAIModel).Info("Using OpenAI text analyzer")
		return textai.NewOpenAIAnalyzer(s.config.OpenAIAPIKey, s.config.OpenAIModel, s.logger)
	}
	s.logger.Info("Using rule-based text analyzer")
	return textai.NewRuleAnalyzer()
}

func (s *Service) buildSender(sender delivery.Sender, guests delivery.GuestDirectory) (delivery.Sender, error) {
	if sender == nil {
		if s.config.TwilioAccountSID == "" {
			s.logger.Warn("No Twilio credentials configured, outbound messages are only logged")
			sender = delivery.NewLogSender(s.logger)
		} else {
			twilio, err := delivery.NewTwilioSender(s.config.TwilioAccountSID, s.config.TwilioAuthToken, s.config.TwilioFromNumber, guests, s.logger)
			if err != nil {
				return nil, err
			}
			sender = twilio
		}
	}
	return delivery.NewRetryingSender(sender, s.config.DeliveryMaxAttempts, s.config.DeliveryBackoff(), s.config.CollaboratorTimeout(), s.logger, s.metrics), nil
}

func (s *Service) buildNotifier(notifier escalation.Notifier) (escalation.Notifier, error) {
	if notifier != nil {
		return notifier, nil
	}
	switch s.config.StaffChannel {
	case "rabbitmq":
		rabbit, err := escalation.NewRabbitNotifier(s.config.RabbitMQURL, s.config.RabbitMQQueue, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rabbit)
		return rabbit, nil
	case "webhook":
		if s.config.StaffWebhookURL == "" {
			return nil, fmt.Errorf("STAFF_WEBHOOK_URL is required for the webhook staff channel")
		}
		return escalation.NewWebhookNotifier(s.config.StaffWebhookURL, s.config.CollaboratorTimeout(), s.logger), nil
	default:
		return nil, fmt.Errorf("unknown staff channel %q", s.config.StaffChannel)
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting hotel concierge service")

	// Start leader election
	s.leaderElection.Start(ctx)

	// Start staff notification consumer
	if err := s.notifications.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification consumer: %w", err)
	}

	// Start trigger scheduler; only the leader ticks
	s.engine.Start(ctx, s.leaderElection)

	// Start HTTP server
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	go s.inspectionRoutine(ctx)

	s.logger.WithField("pod_id", s.config.PodID).Info("Hotel concierge service started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping hotel concierge service")

	// Stop HTTP server first so no new messages arrive
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			return err
		}
	}

	s.engine.Stop()
	s.notifications.Stop()
	s.leaderElection.Stop()

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close dependency")
		}
	}

	s.logger.Info("Hotel concierge service stopped")
	return nil
}

func (s *Service) IsLeader() bool {
	return s.leaderElection.IsLeader()
}

func (s *Service) Conversations() *conversation.Service {
	return s.conversations
}

func (s *Service) Engine() *triggers.Engine {
	return s.engine
}

func (s *Service) Handler() *handlers.Handler {
	return handlers.NewHandler(s.conversations, s.engine, s.logger)
}

func (s *Service) startHTTPServer(ctx context.Context) error {
	s.server = server.NewHTTPServer(s.config, s.Handler(), s.logger)

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return nil
}

// inspectionRoutine runs the advisory context-store scan on the leader only.
func (s *Service) inspectionRoutine(ctx context.Context) {
	ticker := time.NewTicker(constants.ContextInspectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.leaderElection.IsLeader() {
				if _, err := s.store.Inspect(ctx); err != nil {
					s.logger.WithError(err).Warn("Context inspection failed")
				}
			}
		}
	}
}
