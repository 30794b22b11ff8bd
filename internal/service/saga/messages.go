package saga

import "github.com/vladislavdragonenkov/ordersaga/internal/domain"

// Destinations задаёт адреса обмена с сервисом товаров.
type Destinations struct {
	// ReserveProducts: запрос резерва товаров.
	ReserveProducts string
	// OrderConfirmed: уведомление о подтверждении заказа.
	OrderConfirmed string
	// OrderCancelled: запрос на снятие резерва.
	OrderCancelled string
	// ProductReserved и ReservationFailed: ответы сервиса товаров.
	ProductReserved   string
	ReservationFailed string
	// SagaEvents: события жизненного цикла саги; пустое значение отключает публикацию.
	SagaEvents string
}

// DefaultDestinations возвращает адреса по умолчанию.
func DefaultDestinations() Destinations {
	return Destinations{
		ReserveProducts:   "order.created",
		OrderConfirmed:    "order.confirmed",
		OrderCancelled:    "order.cancelled",
		ProductReserved:   "product.reserved",
		ReservationFailed: "product.reservation.failed",
		SagaEvents:        "order.saga.events",
	}
}

// ReplyDestinations возвращает адреса, на которые нужно подписать HandleMessage.
func (d Destinations) ReplyDestinations() []string {
	return []string{d.ProductReserved, d.ReservationFailed}
}

func (d Destinations) withDefaults() Destinations {
	def := DefaultDestinations()
	if d.ReserveProducts == "" {
		d.ReserveProducts = def.ReserveProducts
	}
	if d.OrderConfirmed == "" {
		d.OrderConfirmed = def.OrderConfirmed
	}
	if d.OrderCancelled == "" {
		d.OrderCancelled = def.OrderCancelled
	}
	if d.ProductReserved == "" {
		d.ProductReserved = def.ProductReserved
	}
	if d.ReservationFailed == "" {
		d.ReservationFailed = def.ReservationFailed
	}
	return d
}

// ReservationItem: позиция запроса резерва.
type ReservationItem struct {
	ProductID string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

// ReservationRequest публикуется в ReserveProducts.
type ReservationRequest struct {
	OrderID string            `json:"orderId"`
	Items   []ReservationItem `json:"items"`
}

// ItemPrice: цена товара, сообщённая в ответе на резерв.
type ItemPrice struct {
	ProductID string `json:"productId"`
	Price     int64  `json:"price"`
}

// ReservationReply: ответ сервиса товаров.
// Success == nil означает, что исход определяется адресом доставки.
type ReservationReply struct {
	OrderID string      `json:"orderId"`
	Success *bool       `json:"success,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Items   []ItemPrice `json:"items,omitempty"`
}

// Succeeded сообщает, подтверждён ли резерв.
func (r ReservationReply) Succeeded() bool {
	return r.Success != nil && *r.Success
}

// Prices возвращает цены по productID.
func (r ReservationReply) Prices() map[string]int64 {
	if len(r.Items) == 0 {
		return nil
	}
	prices := make(map[string]int64, len(r.Items))
	for _, item := range r.Items {
		prices[item.ProductID] = item.Price
	}
	return prices
}

// ConfirmationNotice публикуется в OrderConfirmed.
type ConfirmationNotice struct {
	OrderID string `json:"orderId"`
}

// CancellationRequest публикуется в OrderCancelled при компенсации.
type CancellationRequest struct {
	OrderID string            `json:"orderId"`
	Items   []ReservationItem `json:"items"`
}

func reservationItems(items []domain.OrderItem) []ReservationItem {
	result := make([]ReservationItem, 0, len(items))
	for _, item := range items {
		result = append(result, ReservationItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return result
}
