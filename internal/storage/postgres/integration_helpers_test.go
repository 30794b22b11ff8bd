package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// integrationDSNEnv: DSN тестовой базы; без него интеграционные тесты пропускаются.
const integrationDSNEnv = "ORDERSAGA_POSTGRES_TEST_DSN"

// integrationStore открывает Store на тестовой базе. С migrated=true схема поднимается
// до последней версии, а таблицы заказов и timeline очищаются.
func integrationStore(t *testing.T, migrated bool) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(integrationDSNEnv))
	if dsn == "" {
		t.Skipf("%s is not set", integrationDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if !migrated {
		return store
	}
	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `TRUNCATE TABLE timeline_events, order_items, orders CASCADE`); err != nil {
		t.Fatalf("reset tables: %v", err)
	}
	return store
}
