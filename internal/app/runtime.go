package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/kafka"
	msgmemory "github.com/vladislavdragonenkov/ordersaga/internal/messaging/memory"
	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/postgres"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/redislock"
)

var _ saga.Locker = (*redislock.Locker)(nil)

// runtimeDependencies: хранилище заказов и таймлайна выбранного драйвера.
type runtimeDependencies struct {
	repo           domain.OrderRepository
	timelineRepo   domain.TimelineRepository
	storageChecker func(ctx context.Context) error
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			repo:           memory.NewOrderRepository(),
			timelineRepo:   memory.NewTimelineRepository(),
			storageChecker: func(context.Context) error { return nil },
		}, nil
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("postgres storage requires dsn")
		}

		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		logger.Info("using postgres storage")
		return &runtimeDependencies{
			repo:           postgres.NewOrderRepository(store),
			timelineRepo:   postgres.NewTimelineRepository(store),
			storageChecker: store.Ping,
			closeFn:        store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}

// brokerDependencies: MessageChannel выбранного брокера.
type brokerDependencies struct {
	channel domain.MessageChannel
	// inProcess выставлен для memory-брокера: ответы на резерв формирует встроенный сервис товаров.
	inProcess bool
	closeFn   func() error
}

func initBroker(cfg Config, logger *log.Entry) (*brokerDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Broker)) {
	case "", BrokerMemory:
		logger.Warn("using in-process broker with built-in product service, not for production")
		return &brokerDependencies{
			channel:   msgmemory.NewChannel(logger.WithField("component", "memory-channel")),
			inProcess: true,
		}, nil
	case BrokerKafka:
		channel, err := kafka.NewChannel(kafka.ChannelConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroup,
			DLQ:     cfg.KafkaDLQ,
		}, logger.WithField("component", "kafka-channel"))
		if err != nil {
			return nil, fmt.Errorf("init kafka channel: %w", err)
		}
		logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka channel initialized")
		return &brokerDependencies{channel: channel, closeFn: channel.Close}, nil
	case BrokerRabbitMQ:
		channel, err := rabbitmq.Dial(rabbitmq.Config{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.RabbitMQExchange,
		}, logger.WithField("component", "rabbitmq-channel"))
		if err != nil {
			return nil, fmt.Errorf("init rabbitmq channel: %w", err)
		}
		logger.WithField("exchange", cfg.RabbitMQExchange).Info("rabbitmq channel initialized")
		return &brokerDependencies{channel: channel, closeFn: channel.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", cfg.Broker)
	}
}

// lockDependencies: блокировка заказа: redis, если задан адрес, иначе локальная.
type lockDependencies struct {
	locker  saga.Locker
	checker func(ctx context.Context) error
	closeFn func() error
}

func initLocker(ctx context.Context, cfg Config, logger *log.Entry) (*lockDependencies, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		logger.Info("using process-local order lock")
		return &lockDependencies{locker: saga.NewLocalLocker()}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	locker := redislock.New(client,
		redislock.WithTTL(cfg.LockTTL),
		redislock.WithLogger(logger.WithField("component", "redis-lock")),
	)
	if err := locker.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.WithField("redis_addr", addr).Info("using redis order lock")
	return &lockDependencies{locker: locker, checker: locker.Ping, closeFn: client.Close}, nil
}
