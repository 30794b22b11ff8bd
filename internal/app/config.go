package app

import (
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/rabbitmq"
)

// Драйверы хранилища заказов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Брокеры для MessageChannel.
const (
	BrokerMemory   = "memory"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	GRPCHealthAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	Broker           string
	KafkaBrokers     []string
	KafkaGroup       string
	KafkaDLQ         bool
	RabbitMQURL      string
	RabbitMQExchange string

	// RedisAddr включает распределённую блокировку заказа; пусто: локальная.
	RedisAddr string
	LockTTL   time.Duration

	ReservationTimeout  time.Duration
	TimeoutScanInterval time.Duration
	TimeoutScanBatch    int
	ShutdownTimeout     time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		GRPCHealthAddr:      ":50051",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		Broker:              BrokerMemory,
		KafkaGroup:          "order-service",
		KafkaDLQ:            true,
		RabbitMQExchange:    rabbitmq.DefaultExchange,
		LockTTL:             30 * time.Second,
		ReservationTimeout:  5 * time.Minute,
		TimeoutScanInterval: 30 * time.Second,
		TimeoutScanBatch:    100,
		ShutdownTimeout:     5 * time.Second,
	}
}
