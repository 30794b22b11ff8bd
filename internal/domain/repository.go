package domain

import (
	"context"
	"time"
)

// OrderFilter задаёт необязательные условия выборки заказов.
type OrderFilter struct {
	Status OrderStatus
	UserID string
	// UpdatedBefore отбирает заказы, не менявшиеся с указанного момента.
	UpdatedBefore time.Time
	// Limit <= 0 означает без ограничения.
	Limit int
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking
	// и возвращает сохранённый снимок с увеличенной версией.
	Save(ctx context.Context, order Order) (Order, error)
	// Delete удаляет заказ вместе с позициями.
	Delete(ctx context.Context, id string) error
	// List возвращает заказы от новых к старым.
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
}
