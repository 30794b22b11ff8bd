package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func TestOrderRepository_PostgresCreateGetListAndSave(t *testing.T) {
	store := integrationStore(t, true)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	order1 := sampleOrder("order-1", "user-1", now.Add(-2*time.Minute))
	order2 := sampleOrder("order-2", "user-1", now.Add(-time.Minute))

	if _, err := repo.Create(ctx, order1); err != nil {
		t.Fatalf("create order1: %v", err)
	}
	if _, err := repo.Create(ctx, order2); err != nil {
		t.Fatalf("create order2: %v", err)
	}

	got, err := repo.Get(ctx, order1.ID)
	if err != nil {
		t.Fatalf("get order1: %v", err)
	}
	if got.ID != order1.ID || got.UserID != order1.UserID || got.Status != order1.Status {
		t.Fatalf("unexpected order payload: %+v", got)
	}
	if len(got.Items) != len(order1.Items) {
		t.Fatalf("unexpected items count: got=%d want=%d", len(got.Items), len(order1.Items))
	}

	listed, err := repo.List(ctx, domain.OrderFilter{UserID: "user-1", Limit: 1})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != order2.ID {
		t.Fatalf("unexpected list result with limit: %+v", listed)
	}

	stale, err := repo.List(ctx, domain.OrderFilter{Status: domain.OrderStatusPending, UpdatedBefore: now.Add(-90 * time.Second)})
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != order1.ID {
		t.Fatalf("unexpected stale list: %+v", stale)
	}

	got.ApplyPricing(map[string]int64{"product-1": 250})
	if err := got.TransitionTo(domain.OrderStatusProductReserved, "", now.Add(time.Minute)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	saved, err := repo.Save(ctx, got)
	if err != nil {
		t.Fatalf("save order: %v", err)
	}
	if saved.Version != got.Version+1 {
		t.Fatalf("unexpected version after save: got=%d want=%d", saved.Version, got.Version+1)
	}

	updated, err := repo.Get(ctx, order1.ID)
	if err != nil {
		t.Fatalf("get updated order: %v", err)
	}
	if updated.Status != domain.OrderStatusProductReserved {
		t.Fatalf("unexpected status after save: %s", updated.Status)
	}
	if updated.TotalMinor != 500 || updated.Items[0].PriceMinor != 250 {
		t.Fatalf("pricing not persisted: %+v", updated)
	}
}

func TestOrderRepository_PostgresErrorsAndDelete(t *testing.T) {
	store := integrationStore(t, true)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	base := sampleOrder("order-errors", "user-2", now)

	if _, err := repo.Get(ctx, "missing-order"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := repo.Save(ctx, base); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on save missing, got %v", err)
	}

	if _, err := repo.Create(ctx, base); err != nil {
		t.Fatalf("create base order: %v", err)
	}
	if _, err := repo.Create(ctx, base); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on duplicate create, got %v", err)
	}

	stale := base
	stale.Status = domain.OrderStatusFailed
	stale.Version = 42
	if _, err := repo.Save(ctx, stale); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on stale save, got %v", err)
	}

	if err := repo.Delete(ctx, base.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, base.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on second delete, got %v", err)
	}
}

func sampleOrder(id, userID string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:     id,
		UserID: userID,
		Status: domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{
				ID:        id + "-item-1",
				OrderID:   id,
				ProductID: "product-1",
				Quantity:  2,
				CreatedAt: createdAt,
			},
		},
		Version:   0,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}
