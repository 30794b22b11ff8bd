package domain

import (
	"fmt"
	"time"
)

// OrderStatus описывает жизненный цикл заказа в саге.
type OrderStatus string

const (
	// OrderStatusPending: заказ создан, запрос на резерв отправлен или ещё нет.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusProductReserved: сервис товаров подтвердил резерв.
	OrderStatusProductReserved OrderStatus = "PRODUCT_RESERVED"
	// OrderStatusConfirmed: заказ подтверждён, уведомление опубликовано.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusCompleted: заказ исполнен.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusFailed: сага завершилась ошибкой.
	OrderStatusFailed OrderStatus = "FAILED"
	// OrderStatusCancelled: заказ отменён, резерв снят компенсацией.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

const (
	defaultFailedReason    = "Order failed"
	defaultCancelledReason = "Order cancelled"
)

// transitions: разрешённые рёбра автомата. Терминальные статусы исходящих рёбер не имеют.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusProductReserved,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
	OrderStatusProductReserved: {
		OrderStatusConfirmed,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
	OrderStatusConfirmed: {
		OrderStatusCompleted,
		OrderStatusFailed,
		OrderStatusCancelled,
	},
}

// AllStatuses возвращает статусы в порядке жизненного цикла.
func AllStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusProductReserved,
		OrderStatusConfirmed,
		OrderStatusCompleted,
		OrderStatusFailed,
		OrderStatusCancelled,
	}
}

// Valid сообщает, известен ли статус.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending,
		OrderStatusProductReserved,
		OrderStatusConfirmed,
		OrderStatusCompleted,
		OrderStatusFailed,
		OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed || s == OrderStatusCancelled
}

// CanTransition проверяет ребро from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo переводит заказ в новый статус, если переход разрешён.
// При недопустимом переходе заказ не меняется.
func (o *Order) TransitionTo(to OrderStatus, reason string, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}

	switch to {
	case OrderStatusFailed:
		if reason == "" {
			reason = defaultFailedReason
		}
		o.FailureReason = reason
	case OrderStatusCancelled:
		if reason == "" {
			reason = defaultCancelledReason
		}
		o.FailureReason = reason
	}

	o.Status = to
	o.UpdatedAt = now
	return nil
}
