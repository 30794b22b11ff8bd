package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func TestTimelineRepository_PostgresAppendAndList(t *testing.T) {
	store := integrationStore(t, true)
	orderRepo := NewOrderRepository(store)
	timelineRepo := NewTimelineRepository(store)
	ctx := context.Background()

	createdAt := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)
	order := sampleOrder("timeline-order", "user-timeline", createdAt)
	if _, err := orderRepo.Create(ctx, order); err != nil {
		t.Fatalf("create order for timeline: %v", err)
	}

	// Нулевое время заполняется автоматически.
	if err := timelineRepo.Append(ctx, domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineOrderCreated,
		Status:  domain.OrderStatusPending,
	}); err != nil {
		t.Fatalf("append timeline event with zero occurred: %v", err)
	}

	if err := timelineRepo.Append(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelineStatusChanged,
		Status:   domain.OrderStatusFailed,
		Reason:   "Out of stock",
		Occurred: createdAt.Add(10 * time.Second),
	}); err != nil {
		t.Fatalf("append timeline event with explicit occurred: %v", err)
	}

	events, err := timelineRepo.List(ctx, order.ID)
	if err != nil {
		t.Fatalf("list timeline events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 timeline events, got %d", len(events))
	}
	if events[0].Occurred.After(events[1].Occurred) {
		t.Fatalf("events should be sorted by occurred asc: %+v", events)
	}
	if events[0].Status != domain.OrderStatusFailed || events[0].Reason != "Out of stock" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}

func TestTimelineRepository_PostgresMissingOrder(t *testing.T) {
	store := integrationStore(t, true)
	timelineRepo := NewTimelineRepository(store)
	ctx := context.Background()

	if err := timelineRepo.Append(ctx, domain.TimelineEvent{
		OrderID: "missing-order",
		Type:    domain.TimelineOrderCreated,
	}); err == nil {
		t.Fatal("expected append error for missing order due FK constraint")
	}

	events, err := timelineRepo.List(ctx, "missing-order")
	if err != nil {
		t.Fatalf("list for missing order should not fail: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for missing order, got %d", len(events))
	}
}
