package saga

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// EventType: тип события жизненного цикла саги.
type EventType string

const (
	EventSagaStarted     EventType = "saga.started"
	EventSagaConfirmed   EventType = "saga.confirmed"
	EventSagaFailed      EventType = "saga.failed"
	EventSagaCompensated EventType = "saga.compensated"
)

// SagaEvent публикуется в Destinations.SagaEvents.
type SagaEvent struct {
	EventType EventType      `json:"event_type"`
	OrderID   string         `json:"order_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// publishSagaEvent публикует событие саги, если адрес настроен.
// Ошибки только логируются и на сагу не влияют.
func (c *core) publishSagaEvent(ctx context.Context, eventType EventType, order domain.Order, metadata map[string]any) {
	if c.destinations.SagaEvents == "" {
		return
	}

	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["status"] = string(order.Status)
	if order.UserID != "" {
		metadata["user_id"] = order.UserID
	}

	event := SagaEvent{
		EventType: eventType,
		OrderID:   order.ID,
		Timestamp: c.now(),
		Metadata:  metadata,
	}
	if err := c.publish(ctx, c.destinations.SagaEvents, order.ID, event); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"event_type": eventType,
			"order_id":   order.ID,
		}).Warn("failed to publish saga event")
	}
}

func (c *core) publish(ctx context.Context, destination, orderID string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.channel.Publish(domain.ContextWithMessageKey(ctx, orderID), destination, payload)
}
