package saga

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	msgmemory "github.com/vladislavdragonenkov/ordersaga/internal/messaging/memory"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
	storemem "github.com/vladislavdragonenkov/ordersaga/internal/storage/memory"
)

type fixture struct {
	orders   domain.OrderRepository
	timeline domain.TimelineRepository
	channel  *msgmemory.Channel
	orch     *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		orders:   storemem.NewOrderRepository(),
		timeline: storemem.NewTimelineRepository(),
		channel:  msgmemory.NewChannel(testLogger()),
	}
	f.orch = f.newOrchestrator(opts...)
	return f
}

func (f *fixture) newOrchestrator(opts ...Option) *Orchestrator {
	base := []Option{
		WithTimeline(f.timeline),
		WithLogger(testLogger()),
		WithMetrics(metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry())),
		WithRetryConfig(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}),
	}
	return NewOrchestrator(f.orders, f.channel, append(base, opts...)...)
}

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	return logger.WithField("test", "saga")
}

func (f *fixture) seed(t *testing.T, id string) domain.Order {
	t.Helper()

	now := time.Now().UTC()
	order := domain.Order{
		ID:     id,
		UserID: "user-1",
		Status: domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{ID: id + "-item-1", OrderID: id, ProductID: "product-1", Quantity: 2, CreatedAt: now},
			{ID: id + "-item-2", OrderID: id, ProductID: "product-2", Quantity: 1, CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := f.orders.Create(context.Background(), order)
	require.NoError(t, err)
	return created
}

func (f *fixture) get(t *testing.T, id string) domain.Order {
	t.Helper()

	order, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (f *fixture) events(t *testing.T, id, eventType string) []domain.TimelineEvent {
	t.Helper()

	all, err := f.timeline.List(context.Background(), id)
	require.NoError(t, err)

	var result []domain.TimelineEvent
	for _, ev := range all {
		if ev.Type == eventType {
			result = append(result, ev)
		}
	}
	return result
}

func successReply(orderID string, prices ...ItemPrice) ReservationReply {
	ok := true
	return ReservationReply{OrderID: orderID, Success: &ok, Items: prices}
}

func failureReply(orderID, reason string) ReservationReply {
	ok := false
	return ReservationReply{OrderID: orderID, Success: &ok, Reason: reason}
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(payload, &v))
	return v
}

// flakyRepo подменяет ошибки Save поверх настоящего репозитория.
type flakyRepo struct {
	domain.OrderRepository

	mu        sync.Mutex
	saveErr   error
	conflicts int
	saves     int
	// conflictOn: номера вызовов Save (с 1), на которых вернуть конфликт версий.
	conflictOn map[int]bool
}

func (r *flakyRepo) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	r.saves++
	if r.conflictOn[r.saves] {
		r.mu.Unlock()
		return domain.Order{}, domain.ErrOrderVersionConflict
	}
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return domain.Order{}, domain.ErrOrderVersionConflict
	}
	err := r.saveErr
	r.mu.Unlock()

	if err != nil {
		return domain.Order{}, err
	}
	return r.OrderRepository.Save(ctx, order)
}

func (r *flakyRepo) failSaves(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveErr = err
}

// bumpingRepo один раз сохраняет заказ в обход оркестратора перед Save с номером bumpOn,
// чтобы следующий Save получил настоящий конфликт версий.
type bumpingRepo struct {
	domain.OrderRepository

	mu     sync.Mutex
	saves  int
	bumpOn int
	status domain.OrderStatus
}

func (r *bumpingRepo) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	r.saves++
	bump := r.saves == r.bumpOn
	r.mu.Unlock()

	if bump {
		current, err := r.OrderRepository.Get(ctx, order.ID)
		if err != nil {
			return domain.Order{}, err
		}
		if r.status != "" {
			current.Status = r.status
		}
		if _, err := r.OrderRepository.Save(ctx, current); err != nil {
			return domain.Order{}, err
		}
	}
	return r.OrderRepository.Save(ctx, order)
}
