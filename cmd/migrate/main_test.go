package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/storage/postgres"
)

type fakeMigrator struct {
	states  []postgres.MigrationState
	upErr   error
	upSteps []int
	down    []int
	closed  bool
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	f.upSteps = append(f.upSteps, steps)
	if f.upErr != nil {
		return f.upErr
	}
	for i := range f.states {
		if steps > 0 && i >= steps {
			break
		}
		f.states[i].Applied = true
		f.states[i].AppliedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	}
	return nil
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	f.down = append(f.down, steps)
	for i := len(f.states) - 1; i >= 0 && steps > 0; i-- {
		if f.states[i].Applied {
			f.states[i].Applied = false
			steps--
		}
	}
	return nil
}

func (f *fakeMigrator) MigrationStatus(context.Context) ([]postgres.MigrationState, error) {
	return f.states, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func newFake() *fakeMigrator {
	return &fakeMigrator{states: []postgres.MigrationState{
		{Version: 1, Name: "init_orders"},
		{Version: 2, Name: "order_timeline"},
	}}
}

func execute(t *testing.T, store *fakeMigrator, env map[string]string, args ...string) (string, string, error) {
	t.Helper()

	var gotDSN string
	open := func(_ context.Context, dsn string) (migrator, error) {
		gotDSN = dsn
		return store, nil
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cmd := newRootCmd(open, lookup)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), gotDSN, err
}

func TestUp_AppliesAllAndPrintsSummary(t *testing.T) {
	store := newFake()

	out, dsn, err := execute(t, store, nil, "up", "--dsn", " postgres://localhost/ordersaga ")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/ordersaga", dsn)
	assert.Equal(t, []int{0}, store.upSteps)
	assert.Contains(t, out, "migrate up ok: version=2 applied=2")
	assert.True(t, store.closed)
}

func TestUp_Error(t *testing.T) {
	store := newFake()
	store.upErr = errors.New("boom")

	_, _, err := execute(t, store, nil, "up", "--dsn", "postgres://localhost/ordersaga")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate up failed")
}

func TestDown_DefaultsToOneStep(t *testing.T) {
	store := newFake()
	require.NoError(t, store.MigrateUp(context.Background(), 0))

	out, _, err := execute(t, store, map[string]string{envPostgresDSN: "postgres://env/ordersaga"}, "down")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, store.down)
	assert.Contains(t, out, "migrate down ok: version=1 applied=1")
}

func TestDown_RejectsNonPositiveSteps(t *testing.T) {
	_, _, err := execute(t, newFake(), nil, "down", "--steps", "0", "--dsn", "postgres://localhost/ordersaga")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--steps must be > 0")
}

func TestStatus_Table(t *testing.T) {
	store := newFake()
	require.NoError(t, store.MigrateUp(context.Background(), 1))

	out, dsn, err := execute(t, store, map[string]string{envPostgresDSN: "postgres://env/ordersaga"}, "status")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/ordersaga", dsn)
	assert.Contains(t, out, "init_orders")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "pending")
}

func TestMissingDSN(t *testing.T) {
	_, _, err := execute(t, newFake(), nil, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), envPostgresDSN)
}

func TestOpenError(t *testing.T) {
	cmd := newRootCmd(func(context.Context, string) (migrator, error) {
		return nil, errors.New("connection refused")
	}, func(string) (string, bool) { return "", false })
	cmd.SetArgs([]string{"status", "--dsn", "postgres://localhost/ordersaga"})
	cmd.SetOut(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open postgres store")
}
