// Package inventory содержит in-process заменитель сервиса товаров для локального запуска и тестов.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
)

// DefaultPriceMinor: цена товара, для которого не задана своя.
const DefaultPriceMinor int64 = 100

// Responder отвечает на запросы резерва как сервис товаров.
// Товары без заданного остатка считаются доступными в любом количестве.
type Responder struct {
	mu     sync.Mutex
	stock  map[string]int32
	prices map[string]int64
	held   map[string][]saga.ReservationItem

	channel      domain.MessageChannel
	destinations saga.Destinations
	logger       *log.Entry

	reserveCalls int
	releaseCalls int
}

// NewResponder создаёт заменитель сервиса товаров.
func NewResponder(channel domain.MessageChannel, destinations saga.Destinations, logger *log.Entry) *Responder {
	if logger == nil {
		logger = log.New().WithField("component", "inventory-responder")
	}
	return &Responder{
		stock:        make(map[string]int32),
		prices:       make(map[string]int64),
		held:         make(map[string][]saga.ReservationItem),
		channel:      channel,
		destinations: destinations,
		logger:       logger,
	}
}

// SetStock задаёт остаток товара.
func (r *Responder) SetStock(productID string, qty int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stock[productID] = qty
}

// SetPrice задаёт цену товара.
func (r *Responder) SetPrice(productID string, priceMinor int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[productID] = priceMinor
}

// Stock возвращает текущий остаток и признак того, что он задан.
func (r *Responder) Stock(productID string) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qty, ok := r.stock[productID]
	return qty, ok
}

// ReserveCalls возвращает число обработанных запросов резерва.
func (r *Responder) ReserveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserveCalls
}

// ReleaseCalls возвращает число обработанных запросов на снятие резерва.
func (r *Responder) ReleaseCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseCalls
}

// Attach подписывает Responder на запросы резерва и отмены.
func (r *Responder) Attach(ctx context.Context) error {
	if err := r.channel.Subscribe(ctx, r.destinations.ReserveProducts, r.handleReserve); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.destinations.ReserveProducts, err)
	}
	if err := r.channel.Subscribe(ctx, r.destinations.OrderCancelled, r.handleCancel); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.destinations.OrderCancelled, err)
	}
	return nil
}

func (r *Responder) handleReserve(ctx context.Context, _ string, payload []byte) error {
	var request saga.ReservationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return fmt.Errorf("decode reservation request: %w", err)
	}

	reply, destination := r.reserve(request)
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}

	r.logger.WithFields(log.Fields{
		"order_id":    request.OrderID,
		"destination": destination,
	}).Debug("reservation reply sent")
	return r.channel.Publish(domain.ContextWithMessageKey(ctx, request.OrderID), destination, body)
}

func (r *Responder) reserve(request saga.ReservationRequest) (saga.ReservationReply, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserveCalls++

	// Повторный запрос для уже зарезервированного заказа подтверждается без нового списания.
	if _, ok := r.held[request.OrderID]; !ok {
		for _, item := range request.Items {
			if available, limited := r.stock[item.ProductID]; limited && available < item.Quantity {
				success := false
				return saga.ReservationReply{
					OrderID: request.OrderID,
					Success: &success,
					Reason:  fmt.Sprintf("Insufficient stock for product %s", item.ProductID),
				}, r.destinations.ReservationFailed
			}
		}
		for _, item := range request.Items {
			if _, limited := r.stock[item.ProductID]; limited {
				r.stock[item.ProductID] -= item.Quantity
			}
		}
		r.held[request.OrderID] = request.Items
	}

	success := true
	prices := make([]saga.ItemPrice, 0, len(request.Items))
	for _, item := range request.Items {
		price, ok := r.prices[item.ProductID]
		if !ok {
			price = DefaultPriceMinor
		}
		prices = append(prices, saga.ItemPrice{ProductID: item.ProductID, Price: price})
	}
	return saga.ReservationReply{OrderID: request.OrderID, Success: &success, Items: prices}, r.destinations.ProductReserved
}

func (r *Responder) handleCancel(_ context.Context, _ string, payload []byte) error {
	var request saga.CancellationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return fmt.Errorf("decode cancellation request: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseCalls++

	items, ok := r.held[request.OrderID]
	if !ok {
		return nil
	}
	for _, item := range items {
		if _, limited := r.stock[item.ProductID]; limited {
			r.stock[item.ProductID] += item.Quantity
		}
	}
	delete(r.held, request.OrderID)
	return nil
}
