package domain

import "time"

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// OrderID: обратная ссылка на заказ-владелец.
	OrderID string
	// ProductID: внешний идентификатор товара в сервисе каталога.
	ProductID string
	// Quantity: количество единиц товара.
	Quantity int32
	// PriceMinor: цена за единицу в минимальных денежных единицах.
	// Равна нулю, пока ответ на резервирование не сообщит цену.
	PriceMinor int64
	CreatedAt  time.Time
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID     string
	UserID string
	Status OrderStatus
	// TotalMinor пересчитывается из цен позиций, когда их сообщает сервис товаров.
	TotalMinor int64
	// FailureReason заполняется при переходе в FAILED или CANCELLED и никогда не очищается.
	FailureReason string
	Items         []OrderItem
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone возвращает копию заказа с собственным слайсом позиций.
func (o Order) Clone() Order {
	clone := o
	if o.Items != nil {
		clone.Items = make([]OrderItem, len(o.Items))
		copy(clone.Items, o.Items)
	}
	return clone
}

// ApplyPricing проставляет цены позициям по productID и пересчитывает итог.
// Позиции без цены в prices не меняются.
func (o *Order) ApplyPricing(prices map[string]int64) {
	if len(prices) == 0 {
		return
	}
	for i := range o.Items {
		if price, ok := prices[o.Items[i].ProductID]; ok {
			o.Items[i].PriceMinor = price
		}
	}
	o.RecalculateTotal()
}

// RecalculateTotal выставляет TotalMinor как сумму qty * price по позициям.
func (o *Order) RecalculateTotal() {
	var total int64
	for _, item := range o.Items {
		total += int64(item.Quantity) * item.PriceMinor
	}
	o.TotalMinor = total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalMinor < 0 {
		errs = append(errs, ErrTotalNegative)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusInvalid)
	}

	// Сверяем итог заказа с суммой позиций: qty * price.
	var calc int64
	for _, item := range o.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrItemProductRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Quantity) * item.PriceMinor
	}
	if calc != o.TotalMinor {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}
