// Package httpapi публикует операции над заказами по HTTP.
package httpapi

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/orders"
)

const defaultRequestTimeout = 15 * time.Second

// OrderService: операции, которые обслуживает API.
type OrderService interface {
	Create(ctx context.Context, in orders.CreateOrderInput) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, reason string) (domain.Order, error)
	Delete(ctx context.Context, id string) error
}

var _ OrderService = (*orders.Service)(nil)

// NewRouter собирает chi router с middleware и маршрутами заказов.
func NewRouter(svc OrderService, logger *log.Entry) *chi.Mux {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(accessLog(logger))
	r.Use(middleware.Timeout(defaultRequestTimeout))

	h := &ordersHandler{svc: svc, logger: logger}
	h.Register(r)
	return r
}
