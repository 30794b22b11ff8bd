package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/app"
	"github.com/vladislavdragonenkov/ordersaga/internal/version"
)

const (
	envHTTPAddr            = "ORDERSAGA_HTTP_ADDR"
	envMetricsAddr         = "ORDERSAGA_METRICS_ADDR"
	envGRPCHealthAddr      = "ORDERSAGA_GRPC_HEALTH_ADDR"
	envStorageDriver       = "ORDERSAGA_STORAGE_DRIVER"
	envPostgresDSN         = "ORDERSAGA_POSTGRES_DSN"
	envPostgresAutoMigrate = "ORDERSAGA_POSTGRES_AUTO_MIGRATE"
	envBroker              = "ORDERSAGA_BROKER"
	envKafkaBrokers        = "ORDERSAGA_KAFKA_BROKERS"
	envKafkaGroup          = "ORDERSAGA_KAFKA_GROUP"
	envKafkaDLQ            = "ORDERSAGA_KAFKA_DLQ"
	envRabbitMQURL         = "ORDERSAGA_RABBITMQ_URL"
	envRabbitMQExchange    = "ORDERSAGA_RABBITMQ_EXCHANGE"
	envRedisAddr           = "ORDERSAGA_REDIS_ADDR"
	envLockTTL             = "ORDERSAGA_LOCK_TTL"
	envReservationTimeout  = "ORDERSAGA_RESERVATION_TIMEOUT"
	envTimeoutScanInterval = "ORDERSAGA_TIMEOUT_SCAN_INTERVAL"
	envTimeoutScanBatch    = "ORDERSAGA_TIMEOUT_SCAN_BATCH"
	envShutdownTimeout     = "ORDERSAGA_SHUTDOWN_TIMEOUT"
	envLogLevel            = "ORDERSAGA_LOG_LEVEL"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) []string {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := nonEmpty(lookup, envLogLevel)
	if !ok {
		return nil
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v, using info", envLogLevel, err)}
	}
	log.SetLevel(level)
	return nil
}

// readConfigFromEnv формирует конфигурацию из переменных окружения.
// Некорректные значения заменяются значениями по умолчанию, причина попадает в warnings.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v, using default", key, err))
	}

	if v, ok := nonEmpty(lookup, envHTTPAddr); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := nonEmpty(lookup, envMetricsAddr); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := nonEmpty(lookup, envGRPCHealthAddr); ok {
		cfg.GRPCHealthAddr = v
	}
	if v, ok := nonEmpty(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, envPostgresDSN); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := nonEmpty(lookup, envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}
	if v, ok := nonEmpty(lookup, envBroker); ok {
		cfg.Broker = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, envKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	if v, ok := nonEmpty(lookup, envKafkaGroup); ok {
		cfg.KafkaGroup = v
	}
	if v, ok := nonEmpty(lookup, envKafkaDLQ); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envKafkaDLQ, err)
		} else {
			cfg.KafkaDLQ = parsed
		}
	}
	if v, ok := nonEmpty(lookup, envRabbitMQURL); ok {
		cfg.RabbitMQURL = v
	}
	if v, ok := nonEmpty(lookup, envRabbitMQExchange); ok {
		cfg.RabbitMQExchange = v
	}
	if v, ok := nonEmpty(lookup, envRedisAddr); ok {
		cfg.RedisAddr = v
	}

	positive := func(v time.Duration) bool { return v > 0 }
	durations := []struct {
		key    string
		target *time.Duration
	}{
		{envLockTTL, &cfg.LockTTL},
		{envReservationTimeout, &cfg.ReservationTimeout},
		{envTimeoutScanInterval, &cfg.TimeoutScanInterval},
		{envShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v, ok := nonEmpty(lookup, d.key)
		if !ok {
			continue
		}
		parsed, err := parseDuration(v, positive, "must be > 0")
		if err != nil {
			warn(d.key, err)
			continue
		}
		*d.target = parsed
	}

	if v, ok := nonEmpty(lookup, envTimeoutScanBatch); ok {
		if parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0"); err != nil {
			warn(envTimeoutScanBatch, err)
		} else {
			cfg.TimeoutScanBatch = parsed
		}
	}

	return cfg, warnings
}

func nonEmpty(lookup envLookup, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, fmt.Errorf("%s %s", rule, value)
	}
	return value, nil
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, fmt.Errorf("%s %d", rule, value)
	}
	return value, nil
}

func main() {
	// .env необязателен: переменные окружения процесса имеют приоритет.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env")
	}

	for _, w := range setupLogger(os.LookupEnv) {
		log.Warn(w)
	}
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"grpc_health":    cfg.GRPCHealthAddr,
		"storage_driver": cfg.StorageDriver,
		"broker":         cfg.Broker,
		"version":        version.GetVersion(),
	}).Info("starting order-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("order-service остановлен")
}
