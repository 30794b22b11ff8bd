package saga

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
)

// CompensationReason: причина отмены заказа после успешной компенсации.
const CompensationReason = "Order cancelled due to saga compensation"

// Compensator снимает резерв товаров для заказа, который не удалось довести до конца.
type Compensator struct {
	core
}

// NewCompensator создаёт исполнителя компенсации.
func NewCompensator(orders domain.OrderRepository, channel domain.MessageChannel, opts ...Option) *Compensator {
	o := buildOptions(opts)
	return newCompensator(newCore(orders, channel, o))
}

func newCompensator(c core) *Compensator {
	return &Compensator{core: c}
}

// Compensate публикует запрос на снятие резерва и переводит заказ в CANCELLED,
// а при сбое публикации: в FAILED с текстом ошибки. Повторов нет.
// Ошибка возвращается только если не удалось сохранить итоговый статус.
func (c *Compensator) Compensate(ctx context.Context, order *domain.Order) error {
	logger := c.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"step":     domain.SagaStepCompensate,
	})

	started := c.now()
	defer func() {
		c.metrics.RecordStepDuration(string(domain.SagaStepCompensate), c.now().Sub(started))
	}()

	request := CancellationRequest{OrderID: order.ID, Items: reservationItems(order.Items)}
	pubErr := c.publish(ctx, c.destinations.OrderCancelled, order.ID, request)
	if pubErr == nil {
		if err := c.transition(ctx, order, domain.OrderStatusCancelled, CompensationReason); err != nil {
			logger.WithError(err).Error("failed to persist compensated order")
			return err
		}
		logger.Info("saga compensated")
		c.metrics.RecordSagaCancelled(c.elapsed(*order))
		c.publishSagaEvent(ctx, EventSagaCompensated, *order, nil)
		return nil
	}

	logger.WithError(pubErr).Warn("compensation publish failed")
	if err := c.transition(ctx, order, domain.OrderStatusFailed, pubErr.Error()); err != nil {
		logger.WithError(err).Error("failed to persist failed compensation")
		return err
	}
	c.metrics.RecordSagaFailed(metrics.FailureCompensation, c.elapsed(*order))
	c.publishSagaEvent(ctx, EventSagaFailed, *order, map[string]any{"reason": order.FailureReason})
	return nil
}
