package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/ordersaga/internal/storage/postgres"
)

const (
	envPostgresDSN = "ORDERSAGA_POSTGRES_DSN"
	defaultTimeout = 30 * time.Second
)

// migrator: операции над схемой, которые нужны CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) ([]postgres.MigrationState, error)
	Close() error
}

type openFunc func(ctx context.Context, dsn string) (migrator, error)

func openPostgres(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

type rootOptions struct {
	dsn     string
	timeout time.Duration
}

func newRootCmd(open openFunc, lookup func(string) (string, bool)) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the order-service PostgreSQL schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall command timeout")

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store migrator) error) error {
		dsn := strings.TrimSpace(opts.dsn)
		if dsn == "" {
			if v, ok := lookup(envPostgresDSN); ok {
				dsn = strings.TrimSpace(v)
			}
		}
		if dsn == "" {
			return errors.New(envPostgresDSN + " (or --dsn) is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()

		store, err := open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()

		return fn(ctx, store)
	}

	cmd.AddCommand(
		newUpCmd(withStore),
		newDownCmd(withStore),
		newStatusCmd(withStore),
	)
	return cmd
}

type storeRunner func(cmd *cobra.Command, fn func(ctx context.Context, store migrator) error) error

func newUpCmd(run storeRunner) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, store migrator) error {
				if err := store.MigrateUp(ctx, steps); err != nil {
					return fmt.Errorf("migrate up failed: %w", err)
				}
				return printSummary(ctx, cmd.OutOrStdout(), store, "migrate up ok")
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 = all)")
	return cmd
}

func newDownCmd(run storeRunner) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be > 0, got %d", steps)
			}
			return run(cmd, func(ctx context.Context, store migrator) error {
				if err := store.MigrateDown(ctx, steps); err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
				return printSummary(ctx, cmd.OutOrStdout(), store, "migrate down ok")
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func newStatusCmd(run storeRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, store migrator) error {
				states, err := store.MigrationStatus(ctx)
				if err != nil {
					return fmt.Errorf("migration status failed: %w", err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
				for _, s := range states {
					appliedAt := "pending"
					if s.Applied {
						appliedAt = s.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Name, appliedAt)
				}
				return w.Flush()
			})
		},
	}
}

func printSummary(ctx context.Context, out io.Writer, store migrator, prefix string) error {
	states, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}

	var current int64
	applied := 0
	for _, s := range states {
		if s.Applied {
			applied++
			if s.Version > current {
				current = s.Version
			}
		}
	}
	_, err = fmt.Fprintf(out, "%s: version=%d applied=%d\n", prefix, current, applied)
	return err
}

func main() {
	if err := newRootCmd(openPostgres, os.LookupEnv).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
