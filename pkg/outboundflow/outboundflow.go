// Package outboundflow assembles the delivery worker, workflow engine,
// distribution resolver and HTTP API into one service.
package outboundflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/RealZimboGuy/outboundflow/internal/breaker"
	"github.com/RealZimboGuy/outboundflow/internal/channels"
	"github.com/RealZimboGuy/outboundflow/internal/config"
	"github.com/RealZimboGuy/outboundflow/internal/controllers"
	"github.com/RealZimboGuy/outboundflow/internal/crypto"
	"github.com/RealZimboGuy/outboundflow/internal/distribution"
	"github.com/RealZimboGuy/outboundflow/internal/engine"
	"github.com/RealZimboGuy/outboundflow/internal/events"
	"github.com/RealZimboGuy/outboundflow/internal/lock"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const (
	dailyResetLockKey = "outboundflow:daily-reset"
	dailyResetLockTTL = 10 * time.Minute
	cloudHTTPTimeout  = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Service is a fully wired instance. Build it with New, drive it with Run and
// release it with Close.
type Service struct {
	DB        *sql.DB
	Clock     core.Clock
	Breakers  *breaker.Registry
	Sessions  *channels.Registry
	Delivery  *engine.DeliveryWorker
	Workflows *engine.WorkflowEngine
	Poller    *engine.WorkflowPoller
	Resetter  *engine.CounterResetter
	Resolver  *distribution.Resolver
	Handler   http.Handler

	closers []func() error
}

// New opens the configured database and every optional backend, then wires
// the components together. Optional backends that are not configured are
// skipped.
func New(ctx context.Context) (*Service, error) {
	db, databaseType, err := OpenDatabase()
	if err != nil {
		return nil, err
	}
	s := &Service{DB: db, Clock: core.NewRealClock()}
	s.closers = append(s.closers, db.Close)
	if err := s.wire(ctx, databaseType); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) wire(ctx context.Context, databaseType string) error {
	db, clock := s.DB, s.Clock

	jobs := repository.NewDeliveryJobRepository(db, clock)
	messages := repository.NewChatMessageRepository(db, clock)
	conversations := repository.NewConversationRepository(db, clock)
	numbers := repository.NewWhatsappNumberRepository(db, clock)
	connections := repository.NewWhatsappConnectionRepository(db, clock)
	workflows := repository.NewWorkflowRepository(db, clock)
	workflowJobs := repository.NewWorkflowJobRepository(db, clock)
	workflowLogs := repository.NewWorkflowLogRepository(db, clock)
	leads := repository.NewLeadRepository(db, clock)
	integrations := repository.NewIntegrationRepository(db, clock)
	distributionRepo := repository.NewDistributionRepository(db, clock)
	apiClients := repository.NewApiClientRepository(db, clock)

	s.Breakers = breaker.NewDefaultRegistry(clock.Now)

	var box engine.SecretOpener
	key := config.GetSystemSettingString(config.DATA_ENCRYPTION_KEY)
	if key != "" {
		b, err := crypto.NewBox(key)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		box = b
	} else {
		slog.Warn("OFLOW_DATA_ENCRYPTION_KEY is not set, Cloud API credentials cannot be decrypted")
	}

	var publisher events.StatusPublisher
	var resetLock engine.Locker
	if addr := config.GetSystemSettingString(config.REDIS_ADDR); addr != "" {
		client, err := events.NewRedisClient(ctx, addr,
			config.GetSystemSettingString(config.REDIS_PASSWORD), config.GetSystemSettingInteger(config.REDIS_DB))
		if err != nil {
			return err
		}
		s.closers = append(s.closers, client.Close)
		publisher = events.NewRedisPublisher(client)
		resetLock = newResetLock(client)
		slog.Info("Redis status publisher enabled", "addr", addr)
	}

	broadcasters, err := s.openBrokers()
	if err != nil {
		return err
	}
	dispatcher := events.NewDispatcher(integrations, s.Breakers.Get(breaker.ServiceWebhook), key, clock,
		events.WithBroadcasters(broadcasters...),
		events.WithPrivateTargets(config.GetSystemSettingBool(config.WEBHOOK_ALLOW_PRIVATE)))

	uploads := config.GetSystemSettingString(config.UPLOADS_DIR)
	senders := map[channels.Kind]channels.Sender{
		channels.KindCloud: channels.NewCloudChannel(&http.Client{Timeout: cloudHTTPTimeout},
			config.GetSystemSettingString(config.GRAPH_BASE_URL), config.GetSystemSettingString(config.GRAPH_VERSION),
			uploads, s.Breakers.Get(breaker.ServiceCloud)),
	}
	if config.GetSystemSettingBool(config.SESSION_ENABLED) {
		registry, err := s.openSessions(ctx, databaseType, connections, numbers)
		if err != nil {
			return err
		}
		s.Sessions = registry
		senders[channels.KindSession] = channels.NewSessionChannel(registry, uploads)
	}

	s.Delivery = engine.NewDeliveryWorker(engine.DeliveryDeps{
		Jobs:          jobs,
		Messages:      messages,
		Conversations: conversations,
		Numbers:       numbers,
		Connections:   connections,
		Box:           box,
		Senders:       senders,
		Breakers:      s.Breakers,
		Dispatcher:    dispatcher,
		Publisher:     publisher,
		Clock:         clock,
	}, engine.DeliveryConfigFromSettings())
	s.Workflows = engine.NewWorkflowEngine(engine.WorkflowDeps{
		Workflows:   workflows,
		Jobs:        workflowJobs,
		Logs:        workflowLogs,
		Leads:       leads,
		Numbers:     numbers,
		Connections: connections,
		Box:         box,
		Senders:     senders,
		Clock:       clock,
	})
	s.Poller = engine.NewWorkflowPoller(s.Workflows, workflows, workflowJobs, clock)
	s.Resetter = engine.NewCounterResetter(numbers, resetLock, clock)
	s.Resolver = distribution.NewResolver(conversations, distributionRepo, publisher, clock)

	var sessions controllers.Sessions
	if s.Sessions != nil {
		sessions = s.Sessions
	}
	s.Handler = controllers.NewRouter(
		controllers.NewAuthController(apiClients),
		controllers.NewStatusController(s.Breakers, numbers, sessions, db),
		controllers.NewDeliveriesController(s.Delivery),
		controllers.NewWorkflowEventsController(s.Workflows),
		controllers.NewConversationsController(conversations, s.Resolver),
	)
	return nil
}

func newResetLock(client *redis.Client) engine.Locker {
	owner, err := os.Hostname()
	if err != nil || owner == "" {
		owner = "outboundflow"
	}
	return lock.New(client, dailyResetLockKey, owner+"-"+uuid.NewString(), dailyResetLockTTL)
}

func (s *Service) openBrokers() ([]events.Broadcaster, error) {
	var out []events.Broadcaster
	if url := config.GetSystemSettingString(config.AMQP_URL); url != "" {
		sink, err := events.NewAMQPSink(url, config.GetSystemSettingString(config.AMQP_EXCHANGE))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sink.Close)
		out = append(out, sink)
		slog.Info("AMQP event sink enabled", "exchange", config.GetSystemSettingString(config.AMQP_EXCHANGE))
	}
	if brokers := config.GetSystemSettingList(config.KAFKA_BROKERS); len(brokers) > 0 {
		sink, err := events.NewKafkaSink(brokers, config.GetSystemSettingString(config.KAFKA_TOPIC))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sink.Close)
		out = append(out, sink)
		slog.Info("Kafka event sink enabled", "brokers", strings.Join(brokers, ","))
	}
	return out, nil
}

// openSessions keeps whatsmeow's device tables in the main database on
// postgres and in a separate SQLite file otherwise.
func (s *Service) openSessions(ctx context.Context, databaseType string,
	connections *repository.WhatsappConnectionRepository, numbers *repository.WhatsappNumberRepository) (*channels.Registry, error) {
	storeDB, dialect := s.DB, "postgres"
	if databaseType != config.DATABASE_TYPE_POSTGRES {
		file := config.GetSystemSettingString(config.SESSION_STORE_FILE)
		db, err := openSQLiteFile(file)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		storeDB, dialect = db, "sqlite3"
		slog.Info("Using SQLite session store", "file", file)
	}
	container, err := channels.NewSessionStore(ctx, storeDB, dialect)
	if err != nil {
		return nil, err
	}
	registry := channels.NewRegistry(channels.NewWhatsmeowFactory(container, connections), connections, numbers, s.Clock)
	s.closers = append(s.closers, func() error {
		registry.Close()
		return nil
	})
	return registry, nil
}

// Run starts the background loops and the HTTP server and blocks until ctx
// is cancelled or the server fails.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(s.Delivery.Start)
	run(s.Poller.Start)
	run(s.Resetter.Start)
	if s.Sessions != nil {
		if err := s.Sessions.Restore(ctx); err != nil {
			slog.ErrorContext(ctx, "Failed to restore sessions", "error", err)
		}
		interval := config.GetSystemSettingDuration(config.SESSION_HEALTH_INTERVAL)
		run(func(ctx context.Context) { s.Sessions.RunHealthChecks(ctx, interval) })
	}

	addr := ":" + config.GetSystemSettingString(config.SERVER_WEB_PORT)
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		addr = v
	}
	server := &http.Server{Addr: addr, Handler: s.Handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", addr)
		serveErr <- server.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", shutdownErr)
	}
	wg.Wait()
	s.Workflows.Wait()
	slog.Info("Service stopped")
	return err
}

// Close releases every backend in reverse order of opening.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("Close failed", "error", err)
		}
	}
	s.closers = nil
}

// EnqueueDelivery queues an authored outbound message for sending.
func (s *Service) EnqueueDelivery(ctx context.Context, tenantID, conversationID, messageID int64, priority int) (int64, error) {
	return s.Delivery.Enqueue(ctx, tenantID, conversationID, messageID, priority)
}

// DispatchWorkflowEvent starts every matching active workflow in the background.
func (s *Service) DispatchWorkflowEvent(ctx context.Context, payload domain.EventPayload) error {
	return s.Workflows.DispatchEvent(ctx, payload)
}

// DistributeConversation assigns an unassigned conversation to an agent.
func (s *Service) DistributeConversation(ctx context.Context, conversationID int64) (int64, bool, error) {
	return s.Resolver.DistributeConversation(ctx, conversationID)
}

func SetupLogger() {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(config.GetSystemSettingString(config.LOG_LEVEL))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
