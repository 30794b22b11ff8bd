package domain

import "time"

// Типы событий таймлайна.
const (
	TimelineOrderCreated    = "OrderCreated"
	TimelineStatusChanged   = "OrderStatusChanged"
	TimelineSagaStepFailed  = "SagaStepFailed"
	TimelineReplyDiscarded  = "ReplyDiscarded"
	TimelineReservationSent = "ReservationRequested"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Status   OrderStatus
	Reason   string
	Occurred time.Time
}
