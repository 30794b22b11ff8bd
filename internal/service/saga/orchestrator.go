// Package saga реализует оркестрацию заказа: резерв товаров, подтверждение и компенсацию.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
)

const (
	// DefaultReservationFailure: причина провала, если сервис товаров её не сообщил.
	DefaultReservationFailure = "Failed to reserve products"
	// ReservationTimeoutReason: причина провала по таймауту ответа.
	ReservationTimeoutReason = "Reservation timed out"

	reserveFailurePrefix = "Failed to reserve products: "
	confirmFailurePrefix = "Failed to confirm order: "
)

type stepOutcome int

const (
	// stepDone: шаг завершён, можно выполнять следующий.
	stepDone stepOutcome = iota
	// stepAwaitingReply: шаг ждёт асинхронного ответа; цикл останавливается.
	stepAwaitingReply
	// stepFailed: шаг провалился, нужна компенсация завершённых шагов.
	stepFailed
)

// step описывает шаг саги. compensate откатывает результат шага, если упал один из следующих.
type step struct {
	name       domain.SagaStep
	from       domain.OrderStatus
	run        func(ctx context.Context, order *domain.Order) (stepOutcome, error)
	compensate func(ctx context.Context, order *domain.Order) error
}

const (
	reserveStepIndex = iota
	confirmStepIndex
)

// Orchestrator ведёт заказ по шагам reserve_products → confirm_order.
// Публичные методы берут блокировку заказа; ReserveProducts и ConfirmOrder ожидают, что она уже взята.
type Orchestrator struct {
	core

	locker      Locker
	compensator *Compensator
	steps       []step
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(orders domain.OrderRepository, channel domain.MessageChannel, opts ...Option) *Orchestrator {
	o := buildOptions(opts)
	c := newCore(orders, channel, o)

	orch := &Orchestrator{
		core:        c,
		locker:      o.locker,
		compensator: newCompensator(c),
	}
	orch.steps = []step{
		reserveStepIndex: {
			name:       domain.SagaStepReserve,
			from:       domain.OrderStatusPending,
			run:        orch.reserveProducts,
			compensate: orch.compensator.Compensate,
		},
		confirmStepIndex: {
			name: domain.SagaStepConfirm,
			from: domain.OrderStatusProductReserved,
			run:  orch.confirmOrder,
		},
	}
	return orch
}

// Locker возвращает блокировку, которой оркестратор сериализует заказы.
func (o *Orchestrator) Locker() Locker {
	return o.locker
}

// Destinations возвращает используемые адреса брокера.
func (o *Orchestrator) Destinations() Destinations {
	return o.destinations
}

// Start запускает сагу для заказа. Для заказа не в PENDING ничего не делает.
// Возвращается после публикации запроса на резерв.
func (o *Orchestrator) Start(ctx context.Context, orderID string) error {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return domain.Internal(err)
	}
	defer unlock()

	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		if domain.IsNotFound(err) {
			return err
		}
		return domain.Internal(err)
	}

	if order.Status != domain.OrderStatusPending {
		o.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Debug("order already processed, skipping saga")
		return nil
	}

	o.metrics.RecordSagaStarted()
	o.publishSagaEvent(ctx, EventSagaStarted, order, map[string]any{"items_count": len(order.Items)})

	return o.execute(ctx, &order, reserveStepIndex)
}

// ReserveProducts публикует запрос резерва. Заказ остаётся в PENDING до ответа.
func (o *Orchestrator) ReserveProducts(ctx context.Context, order *domain.Order) error {
	return o.execute(ctx, order, reserveStepIndex)
}

// ConfirmOrder подтверждает заказ в PRODUCT_RESERVED.
func (o *Orchestrator) ConfirmOrder(ctx context.Context, order *domain.Order) error {
	return o.execute(ctx, order, confirmStepIndex)
}

// execute выполняет шаги начиная с from, пока шаг не ждёт ответа или не провалится.
func (o *Orchestrator) execute(ctx context.Context, order *domain.Order, from int) error {
	for i := from; i < len(o.steps); i++ {
		s := o.steps[i]
		if order.Status != s.from {
			return fmt.Errorf("%w: step %s requires %s, order is %s",
				domain.ErrInvalidTransition, s.name, s.from, order.Status)
		}

		started := o.now()
		outcome, err := s.run(ctx, order)
		o.metrics.RecordStepDuration(string(s.name), o.now().Sub(started))
		if err != nil {
			return err
		}

		switch outcome {
		case stepAwaitingReply:
			return nil
		case stepFailed:
			return o.compensate(ctx, order, i)
		}
	}
	return nil
}

// compensate откатывает завершённые шаги до failed в обратном порядке.
func (o *Orchestrator) compensate(ctx context.Context, order *domain.Order, failed int) error {
	for i := failed - 1; i >= 0; i-- {
		if o.steps[i].compensate == nil {
			continue
		}
		if err := o.steps[i].compensate(ctx, order); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) reserveProducts(ctx context.Context, order *domain.Order) (stepOutcome, error) {
	logger := o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"step":     domain.SagaStepReserve,
	})

	request := ReservationRequest{OrderID: order.ID, Items: reservationItems(order.Items)}
	pubErr := o.publish(ctx, o.destinations.ReserveProducts, order.ID, request)
	if pubErr == nil {
		o.record(ctx, domain.TimelineEvent{
			OrderID: order.ID,
			Type:    domain.TimelineReservationSent,
			Status:  order.Status,
		})
		logger.Debug("reservation requested")
		return stepAwaitingReply, nil
	}

	logger.WithError(pubErr).Warn("reservation publish failed")
	if err := o.transition(ctx, order, domain.OrderStatusFailed, reserveFailurePrefix+pubErr.Error()); err != nil {
		return stepFailed, err
	}
	o.metrics.RecordSagaFailed(metrics.FailureReservePublish, o.elapsed(*order))
	o.publishSagaEvent(ctx, EventSagaFailed, *order, map[string]any{"reason": order.FailureReason})
	return stepFailed, domain.Internal(pubErr)
}

func (o *Orchestrator) confirmOrder(ctx context.Context, order *domain.Order) (stepOutcome, error) {
	logger := o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"step":     domain.SagaStepConfirm,
	})

	if err := o.transition(ctx, order, domain.OrderStatusConfirmed, ""); err != nil {
		return stepFailed, err
	}

	pubErr := o.publish(ctx, o.destinations.OrderConfirmed, order.ID, ConfirmationNotice{OrderID: order.ID})
	if pubErr != nil {
		reason := confirmFailurePrefix + pubErr.Error()
		logger.WithError(pubErr).Warn("confirmation publish failed, compensating")
		o.record(ctx, domain.TimelineEvent{
			OrderID: order.ID,
			Type:    domain.TimelineSagaStepFailed,
			Status:  order.Status,
			Reason:  reason,
		})
		return stepFailed, nil
	}

	logger.Info("saga completed successfully")
	o.metrics.RecordSagaConfirmed(o.elapsed(*order))
	o.publishSagaEvent(ctx, EventSagaConfirmed, *order, map[string]any{"total_minor": order.TotalMinor})
	return stepDone, nil
}

// HandleMessage: обработчик ответов сервиса товаров для MessageChannel.Subscribe.
// Если в ответе нет success, исход берётся из адреса доставки.
func (o *Orchestrator) HandleMessage(ctx context.Context, destination string, payload []byte) error {
	var reply ReservationReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		o.logger.WithError(err).WithField("destination", destination).Warn("malformed reservation reply")
		return fmt.Errorf("decode reservation reply: %w", err)
	}

	if reply.Success == nil {
		var success bool
		switch destination {
		case o.destinations.ProductReserved:
			success = true
		case o.destinations.ReservationFailed:
			success = false
		default:
			return fmt.Errorf("reservation reply for order %q on %q has no outcome", reply.OrderID, destination)
		}
		reply.Success = &success
	}

	return o.OnReservationReply(ctx, reply)
}

// OnReservationReply применяет ответ на резерв. Повторные и устаревшие ответы отбрасываются.
// Конфликт версий повторяется внутри шага, на котором он случился, а не для всего ответа.
func (o *Orchestrator) OnReservationReply(ctx context.Context, reply ReservationReply) error {
	if reply.OrderID == "" {
		return fmt.Errorf("reservation reply: %w", domain.ErrOrderIDRequired)
	}

	unlock, err := o.locker.Lock(ctx, reply.OrderID)
	if err != nil {
		return domain.Internal(err)
	}
	defer unlock()

	return o.applyReply(ctx, reply)
}

func (o *Orchestrator) applyReply(ctx context.Context, reply ReservationReply) error {
	logger := o.logger.WithFields(log.Fields{
		"order_id": reply.OrderID,
		"success":  reply.Succeeded(),
	})

	order, err := o.orders.Get(ctx, reply.OrderID)
	if err != nil {
		if domain.IsNotFound(err) {
			logger.Warn("reservation reply for unknown order, discarding")
			o.metrics.RecordReplyDiscarded()
			return nil
		}
		return domain.Internal(err)
	}

	if order.Status != domain.OrderStatusPending {
		o.discardReply(ctx, logger, order, reply)
		return nil
	}

	if !reply.Succeeded() {
		reason := reply.Reason
		if reason == "" {
			reason = DefaultReservationFailure
		}
		if err := o.transition(ctx, &order, domain.OrderStatusFailed, reason); err != nil {
			return o.replyTransitionError(ctx, logger, order.ID, reply, err)
		}
		logger.WithField("reason", reason).Info("reservation rejected")
		o.metrics.RecordSagaFailed(metrics.FailureReservationRejected, o.elapsed(order))
		o.publishSagaEvent(ctx, EventSagaFailed, order, map[string]any{"reason": reason})
		return nil
	}

	prices := reply.Prices()
	applyPrices := func(next *domain.Order) { next.ApplyPricing(prices) }
	if err := o.transitionWith(ctx, &order, domain.OrderStatusProductReserved, "", applyPrices); err != nil {
		return o.replyTransitionError(ctx, logger, order.ID, reply, err)
	}
	return o.execute(ctx, &order, confirmStepIndex)
}

func (o *Orchestrator) discardReply(ctx context.Context, logger *log.Entry, order domain.Order, reply ReservationReply) {
	logger.WithField("status", order.Status).Info("duplicate or stale reservation reply, discarding")
	o.metrics.RecordReplyDiscarded()
	o.record(ctx, domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineReplyDiscarded,
		Status:  order.Status,
		Reason:  reply.Reason,
	})
}

// replyTransitionError отбрасывает ответ, если заказ успел уйти из PENDING, пока шаг повторялся.
func (o *Orchestrator) replyTransitionError(ctx context.Context, logger *log.Entry, orderID string, reply ReservationReply, err error) error {
	if !errors.Is(err, errStatusMoved) {
		return err
	}
	order, getErr := o.orders.Get(ctx, orderID)
	if getErr != nil {
		return domain.Internal(getErr)
	}
	o.discardReply(ctx, logger, order, reply)
	return nil
}

// ExpireReservation переводит в FAILED заказ, который остаётся в PENDING и не менялся с deadline.
// Компенсация не выполняется: резерв не подтверждён. Возвращает true, если заказ истёк.
func (o *Orchestrator) ExpireReservation(ctx context.Context, orderID string, deadline time.Time) (bool, error) {
	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return false, domain.Internal(err)
	}
	defer unlock()

	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		if domain.IsNotFound(err) {
			return false, nil
		}
		return false, domain.Internal(err)
	}
	if order.Status != domain.OrderStatusPending || order.UpdatedAt.After(deadline) {
		return false, nil
	}

	if err := o.transition(ctx, &order, domain.OrderStatusFailed, ReservationTimeoutReason); err != nil {
		if errors.Is(err, errStatusMoved) {
			return false, nil
		}
		return false, err
	}
	o.logger.WithField("order_id", order.ID).Warn("reservation timed out")
	o.metrics.RecordSagaFailed(metrics.FailureReservationTimeout, o.elapsed(order))
	o.publishSagaEvent(ctx, EventSagaFailed, order, map[string]any{"reason": ReservationTimeoutReason})
	return true, nil
}
