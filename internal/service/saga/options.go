package saga

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
)

// Option настраивает Orchestrator и Compensator.
type Option func(*options)

type options struct {
	timeline     domain.TimelineRepository
	locker       Locker
	destinations Destinations
	metrics      *metrics.SagaMetrics
	logger       *log.Entry
	now          func() time.Time
	retry        RetryConfig
}

// WithTimeline включает запись событий заказа.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(o *options) {
		o.timeline = timeline
	}
}

// WithLocker задаёт блокировку заказов (по умолчанию LocalLocker).
func WithLocker(locker Locker) Option {
	return func(o *options) {
		o.locker = locker
	}
}

// WithDestinations задаёт адреса брокера; незаполненные поля берутся по умолчанию.
func WithDestinations(d Destinations) Option {
	return func(o *options) {
		o.destinations = d.withDefaults()
	}
}

// WithMetrics включает prometheus метрики.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRetryConfig задаёт повторы сохранения перехода при конфликте версий.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

func buildOptions(opts []Option) options {
	o := options{
		destinations: DefaultDestinations(),
		now:          func() time.Time { return time.Now().UTC() },
		retry:        DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.New().WithField("component", "saga")
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	return o
}

// core: общее состояние оркестратора и компенсации: сохранение переходов, timeline, публикация.
type core struct {
	orders       domain.OrderRepository
	channel      domain.MessageChannel
	timeline     domain.TimelineRepository
	destinations Destinations
	metrics      *metrics.SagaMetrics
	logger       *log.Entry
	now          func() time.Time
	retry        RetryConfig
}

func newCore(orders domain.OrderRepository, channel domain.MessageChannel, o options) core {
	return core{
		orders:       orders,
		channel:      channel,
		timeline:     o.timeline,
		destinations: o.destinations,
		metrics:      o.metrics,
		logger:       o.logger,
		now:          o.now,
		retry:        o.retry,
	}
}

// transition переводит заказ в статус to и сохраняет его.
// При успехе *order заменяется сохранённым снимком; при ошибке не меняется.
func (c *core) transition(ctx context.Context, order *domain.Order, to domain.OrderStatus, reason string) error {
	return c.transitionWith(ctx, order, to, reason, nil)
}

// transitionWith применяет prepare к заказу и сохраняет переход в статус to.
// При конфликте версий заказ перечитывается, и переход повторяется только для этого шага,
// пока заказ остаётся в исходном статусе. Если статус сменил другой обработчик,
// возвращается errStatusMoved.
func (c *core) transitionWith(
	ctx context.Context,
	order *domain.Order,
	to domain.OrderStatus,
	reason string,
	prepare func(*domain.Order),
) error {
	from := order.Status
	current := order.Clone()

	var saved domain.Order
	err := retryOnConflict(ctx, c.retry, c.logger, order.ID, func() error {
		next := current.Clone()
		if prepare != nil {
			prepare(&next)
		}
		if err := next.TransitionTo(to, reason, c.now()); err != nil {
			return err
		}

		var err error
		saved, err = c.orders.Save(ctx, next)
		if err == nil || !domain.IsVersionConflict(err) {
			return err
		}

		fresh, getErr := c.orders.Get(ctx, order.ID)
		if getErr != nil {
			return getErr
		}
		if fresh.Status != from {
			return fmt.Errorf("%w: %s -> %s", errStatusMoved, from, fresh.Status)
		}
		current = fresh
		return err
	})
	if err != nil {
		if domain.IsInvalidTransition(err) {
			return err
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"status":   to,
		}).Error("failed to persist status")
		return domain.Internal(err)
	}
	*order = saved

	c.record(ctx, domain.TimelineEvent{
		OrderID:  saved.ID,
		Type:     domain.TimelineStatusChanged,
		Status:   saved.Status,
		Reason:   statusReason(saved),
		Occurred: saved.UpdatedAt,
	})
	return nil
}

func statusReason(order domain.Order) string {
	if order.Status == domain.OrderStatusFailed || order.Status == domain.OrderStatusCancelled {
		return order.FailureReason
	}
	return ""
}

// record добавляет событие в timeline; ошибки только логируются.
func (c *core) record(ctx context.Context, event domain.TimelineEvent) {
	if c.timeline == nil {
		return
	}
	if event.Occurred.IsZero() {
		event.Occurred = c.now()
	}
	if err := c.timeline.Append(ctx, event); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.OrderID,
			"event":    event.Type,
		}).Warn("append timeline event failed")
		return
	}
	c.metrics.RecordTimelineEvent()
}

// elapsed: время с создания заказа для гистограммы длительности саги.
func (c *core) elapsed(order domain.Order) time.Duration {
	if order.CreatedAt.IsZero() {
		return 0
	}
	return c.now().Sub(order.CreatedAt)
}
