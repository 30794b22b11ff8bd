// Package orders реализует операции над заказами поверх репозитория и саги.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Orchestrator запускает сагу для созданного заказа.
type Orchestrator interface {
	Start(ctx context.Context, orderID string) error
}

// ItemInput: позиция нового заказа.
type ItemInput struct {
	ProductID string
	Quantity  int32
}

// CreateOrderInput: данные для создания заказа. Цены сообщает сервис товаров при резерве.
type CreateOrderInput struct {
	UserID string
	Items  []ItemInput
}

// Service управляет заказами.
type Service struct {
	repo     domain.OrderRepository
	timeline domain.TimelineRepository
	saga     Orchestrator
	locker   saga.Locker
	logger   *log.Entry
	now      func() time.Time
}

// NewService конструирует сервис с зависимостями.
// locker должен быть тем же, что у оркестратора, иначе UpdateStatus может гоняться с сагой.
func NewService(
	repo domain.OrderRepository,
	timeline domain.TimelineRepository,
	orchestrator Orchestrator,
	locker saga.Locker,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	if locker == nil {
		locker = saga.NewLocalLocker()
	}
	return &Service{
		repo:     repo,
		timeline: timeline,
		saga:     orchestrator,
		locker:   locker,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create сохраняет заказ в PENDING и запускает сагу.
// Сбой публикации запроса на резерв не ошибка: заказ возвращается в FAILED.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	order, err := s.buildOrder(in)
	if err != nil {
		return domain.Order{}, err
	}

	created, err := s.repo.Create(ctx, order)
	if err != nil {
		s.logger.WithError(err).Error("failed to create order")
		return domain.Order{}, domain.Internal(err)
	}
	s.appendTimeline(ctx, domain.TimelineEvent{
		OrderID:  created.ID,
		Type:     domain.TimelineOrderCreated,
		Status:   created.Status,
		Occurred: created.CreatedAt,
	})

	logger := s.logger.WithFields(log.Fields{
		"order_id": created.ID,
		"user_id":  created.UserID,
	})
	logger.Info("order created")

	if s.saga == nil {
		return created, nil
	}

	startErr := s.saga.Start(ctx, created.ID)
	current, err := s.repo.Get(ctx, created.ID)
	if err != nil {
		return domain.Order{}, domain.Internal(err)
	}
	if startErr != nil {
		if current.Status == domain.OrderStatusFailed {
			logger.WithError(startErr).Warn("saga failed to start, order marked failed")
			return current, nil
		}
		logger.WithError(startErr).Error("failed to start saga")
		return domain.Order{}, domain.Internal(startErr)
	}
	return current, nil
}

func (s *Service) buildOrder(in CreateOrderInput) (domain.Order, error) {
	now := s.now()
	orderID := uuid.NewString()

	var errs []error
	items := make([]domain.OrderItem, 0, len(in.Items))
	for idx, item := range in.Items {
		if item.ProductID == "" {
			errs = append(errs, fmt.Errorf("item[%d]: %w", idx, domain.ErrItemProductRequired))
		}
		if item.Quantity <= 0 {
			errs = append(errs, fmt.Errorf("item[%d]: %w", idx, domain.ErrItemQtyInvalid))
		}
		items = append(items, domain.OrderItem{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			CreatedAt: now,
		})
	}

	order := domain.Order{
		ID:        orderID,
		UserID:    in.UserID,
		Status:    domain.OrderStatusPending,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(errs) == 0 {
		errs = order.ValidateInvariants()
	} else if in.UserID == "" {
		errs = append([]error{domain.ErrUserRequired}, errs...)
	}
	if len(errs) > 0 {
		return domain.Order{}, domain.InvalidArgument(errs...)
	}
	return order, nil
}

// Get возвращает заказ по идентификатору.
func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	if id == "" {
		return domain.Order{}, domain.InvalidArgument(domain.ErrOrderIDRequired)
	}
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, s.mapRepoError(err, id, "failed to load order")
	}
	return order, nil
}

// List возвращает заказы по фильтру. Limit ограничивается сверху.
func (s *Service) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.InvalidArgument(fmt.Errorf("%w: %s", domain.ErrStatusInvalid, filter.Status))
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}

	orders, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.WithError(err).Error("failed to list orders")
		return nil, domain.Internal(err)
	}
	return orders, nil
}

// Timeline возвращает события заказа в хронологическом порядке.
func (s *Service) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, nil
	}

	events, err := s.timeline.List(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("failed to load timeline")
		return nil, domain.Internal(err)
	}
	return events, nil
}

// UpdateStatus явно меняет статус заказа по правилам автомата, например CONFIRMED → COMPLETED.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, reason string) (domain.Order, error) {
	if id == "" {
		return domain.Order{}, domain.InvalidArgument(domain.ErrOrderIDRequired)
	}
	if !status.Valid() {
		return domain.Order{}, domain.InvalidArgument(fmt.Errorf("%w: %q", domain.ErrStatusInvalid, status))
	}

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return domain.Order{}, domain.Internal(err)
	}
	defer unlock()

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, s.mapRepoError(err, id, "failed to load order")
	}

	if err := order.TransitionTo(status, reason, s.now()); err != nil {
		return domain.Order{}, err
	}

	saved, err := s.repo.Save(ctx, order)
	if err != nil {
		return domain.Order{}, s.mapRepoError(err, id, "failed to save order")
	}

	event := domain.TimelineEvent{
		OrderID:  saved.ID,
		Type:     domain.TimelineStatusChanged,
		Status:   saved.Status,
		Occurred: saved.UpdatedAt,
	}
	if saved.Status == domain.OrderStatusFailed || saved.Status == domain.OrderStatusCancelled {
		event.Reason = saved.FailureReason
	}
	s.appendTimeline(ctx, event)

	s.logger.WithFields(log.Fields{
		"order_id": saved.ID,
		"status":   saved.Status,
	}).Info("order status updated")
	return saved, nil
}

// Delete удаляет заказ вместе с позициями.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return domain.InvalidArgument(domain.ErrOrderIDRequired)
	}

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return domain.Internal(err)
	}
	defer unlock()

	if err := s.repo.Delete(ctx, id); err != nil {
		return s.mapRepoError(err, id, "failed to delete order")
	}
	s.logger.WithField("order_id", id).Info("order deleted")
	return nil
}

// mapRepoError оставляет доменные ошибки как есть, остальное помечает ErrInternal.
func (s *Service) mapRepoError(err error, orderID, msg string) error {
	switch {
	case domain.IsNotFound(err), domain.IsVersionConflict(err):
		return err
	default:
		s.logger.WithError(err).WithField("order_id", orderID).Error(msg)
		return domain.Internal(err)
	}
}

func (s *Service) appendTimeline(ctx context.Context, event domain.TimelineEvent) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.OrderID,
			"event":    event.Type,
		}).Warn("append timeline event failed")
	}
}
