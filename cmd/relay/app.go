package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	confluent "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/overtonx/relay"
	"github.com/overtonx/relay/account"
	kafkabroker "github.com/overtonx/relay/broker/kafka"
	natsbroker "github.com/overtonx/relay/broker/nats"
	"github.com/overtonx/relay/broker/rabbitmq"
	"github.com/overtonx/relay/circuitbreaker"
	"github.com/overtonx/relay/counter"
	"github.com/overtonx/relay/internal/admin"
	"github.com/overtonx/relay/internal/config"
	"github.com/overtonx/relay/ratelimit"
	"github.com/overtonx/relay/storage/sqlstore"
)

// circuits is what the process needs from a breaker: guarding deliveries and the admin endpoints.
type circuits interface {
	relay.Guard
	admin.Circuits
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *sql.DB
	store    *sqlstore.SQLStore
	counters counter.Store
	redis    redis.UniversalClient
	breaker  circuits
	carrier  *relay.Carrier

	registry *prometheus.Registry
	metrics  relay.MetricsCollector
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

// newApp opens the database and builds everything but the publisher.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := sql.Open("mysql", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLife)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    sqlstore.NewSQLStore(db, logger),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = relay.MultiMetricsCollector{
		relay.NewPrometheusMetricsCollector("relay", a.registry),
		relay.NewOpenTelemetryMetricsCollector(),
	}

	a.counters, a.redis = newCounterStore(cfg.Redis)
	a.breaker = newBreaker(cfg.Breaker, a.counters, logger)
	return a, nil
}

func newCounterStore(cfg config.Redis) (counter.Store, redis.UniversalClient) {
	if cfg.Addr == "" {
		return counter.NewMemoryStore(), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return counter.NewRedisStore(client, counter.WithKeyPrefix(cfg.KeyPrefix)), client
}

func newBreaker(cfg config.Breaker, counters counter.Store, logger *zap.Logger) circuits {
	if cfg.Mode == config.BreakerLocal {
		return circuitbreaker.NewLocal(cfg.FailureThreshold, cfg.Timeout, logger)
	}
	return circuitbreaker.New(counters,
		circuitbreaker.WithFailureThreshold(cfg.FailureThreshold),
		circuitbreaker.WithTimeout(cfg.Timeout),
		circuitbreaker.WithStateTTL(cfg.StateTTL),
		circuitbreaker.WithLogger(logger),
	)
}

func newPublisher(cfg config.Broker, logger *zap.Logger) (relay.Publisher, error) {
	switch cfg.Type {
	case config.BrokerKafka:
		return kafkabroker.NewPublisher(logger,
			kafkabroker.WithProducerProps(confluent.ConfigMap{"bootstrap.servers": cfg.KafkaBrokers}),
			kafkabroker.WithDefaultTopic(cfg.Topic),
		)
	case config.BrokerRabbitMQ:
		return rabbitmq.Dial(cfg.RabbitURL, logger,
			rabbitmq.WithExchange(cfg.RabbitExchange),
			rabbitmq.WithRoutingKey(cfg.Topic),
			rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		)
	case config.BrokerNATS:
		return natsbroker.Connect(cfg.NatsURL, logger, natsbroker.WithDefaultSubject(cfg.Topic))
	case config.BrokerNop:
		return relay.NewNopPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Type)
	}
}

func newCodec(name string) relay.Codec {
	if name == "protobuf" {
		return relay.ProtoStructCodec{}
	}
	return relay.JSONCodec{}
}

func newTopicResolver(cfg config.Broker) relay.TopicResolver {
	if cfg.TopicPerAggregate {
		return relay.TopicPerAggregate(cfg.TopicPrefix)
	}
	return relay.DefaultTopicResolver
}

// connect builds the carrier on top of a publisher for the configured broker.
func (a *app) connect() error {
	publisher, err := newPublisher(a.cfg.Broker, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create %s publisher: %w", a.cfg.Broker.Type, err)
	}

	carrier, err := relay.NewCarrier(a.store,
		relay.WithLogger(a.logger),
		relay.WithMetrics(a.metrics),
		relay.WithPublisher(publisher),
		relay.WithGuard(a.breaker),
		relay.WithCodec(newCodec(a.cfg.Broker.Codec)),
		relay.WithTopicResolver(newTopicResolver(a.cfg.Broker)),
	)
	if err != nil {
		_ = publisher.Close()
		return err
	}
	a.carrier = carrier
	return nil
}

func (a *app) drainOptions() []relay.DrainOption {
	return []relay.DrainOption{
		relay.WithDrainBatchSize(a.cfg.Outbox.BatchSize),
		relay.WithDrainMaxRetries(a.cfg.Outbox.MaxRetries),
		relay.WithDrainDownstreamKey(a.cfg.Breaker.Key),
	}
}

func (a *app) workers() []relay.Worker {
	outbox := a.cfg.Outbox
	workers := []relay.Worker{
		relay.NewBaseWorker("drain", outbox.DrainInterval, a.logger, func(ctx context.Context) error {
			_, err := a.carrier.Drain(ctx, a.drainOptions()...)
			if errors.Is(err, relay.ErrDrainInProgress) {
				a.logger.Debug("Skipping drain tick, a drain is already running")
				return nil
			}
			return err
		}, relay.WithRunOnStart()),
		relay.NewBaseWorker("cleanup", outbox.CleanupInterval, a.logger, func(ctx context.Context) error {
			return a.carrier.Cleanup(ctx, relay.WithCleanupProcessedRetention(outbox.ProcessedRetention))
		}),
	}
	if outbox.RequeueInterval > 0 {
		workers = append(workers, relay.NewBaseWorker("requeue", outbox.RequeueInterval, a.logger, func(ctx context.Context) error {
			_, err := a.carrier.RequeueFailed(ctx,
				relay.WithRequeueBatchSize(outbox.BatchSize),
				relay.WithRequeueMaxRetries(outbox.MaxRetries),
			)
			return err
		}))
	}
	return workers
}

func (a *app) handler() http.Handler {
	limiter := ratelimit.New(a.counters,
		ratelimit.WithMaxAttempts(a.cfg.Admin.MaxAttempts),
		ratelimit.WithDecay(a.cfg.Admin.Decay),
		ratelimit.WithLogger(a.logger),
	)
	loginLimiter := ratelimit.New(a.counters,
		ratelimit.WithMaxAttempts(a.cfg.Limiter.MaxAttempts),
		ratelimit.WithDecay(a.cfg.Limiter.Decay),
		ratelimit.WithLogger(a.logger),
	)

	trManager := manager.Must(trmsql.NewDefaultFactory(a.db))
	accounts := account.NewService(account.NewMySQLUserRepository(a.db), a.carrier, trManager, loginLimiter,
		account.WithLogger(a.logger),
	)

	exporter := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	return admin.New(a.carrier, a.breaker, limiter,
		admin.WithLogger(a.logger),
		admin.WithMetrics(a.metrics, exporter),
		admin.WithDrainOptions(a.drainOptions()...),
		admin.WithAccounts(accounts, limiter),
	).Routes()
}

func (a *app) close() {
	if a.carrier != nil {
		if err := a.carrier.Close(); err != nil {
			a.logger.Warn("Failed to close publisher", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
}
