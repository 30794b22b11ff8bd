package saga

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// errStatusMoved: пока шаг ждал повтора, статус заказа сменил другой обработчик.
var errStatusMoved = errors.New("order status changed concurrently")

// RetryConfig конфигурация повторов при конфликте версий.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      200 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// retryOnConflict повторяет fn, пока она возвращает ErrOrderVersionConflict.
// Остальные ошибки и nil возвращаются сразу.
func retryOnConflict(ctx context.Context, cfg RetryConfig, logger *log.Entry, orderID string, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !domain.IsVersionConflict(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt,
			"delay":    delay,
		}).Warn("version conflict detected, retrying")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}

		// Экспоненциальная задержка с ограничением
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	logger.WithError(err).WithFields(log.Fields{
		"order_id":     orderID,
		"max_attempts": attempts,
	}).Error("version conflict persisted after all retry attempts")
	return err
}
