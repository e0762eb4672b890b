package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/billing/internal/app"
	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/storage/postgres"
	"github.com/vladislavdragonenkov/billing/internal/version"
)

func (c *cli) newSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Charge all PENDING invoices now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
				report, err := deps.Billing.SettleInvoices(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printf(out, "batches=%d claimed=%d paid=%d failed=%d reverted=%d lost=%d persist_errors=%d\n",
					report.Batches, report.Claimed, report.Paid, report.FailedTotal(), report.Reverted,
					report.Lost, report.PersistErrors)

				reasons := make([]string, 0, len(report.Failed))
				for reason := range report.Failed {
					reasons = append(reasons, string(reason))
				}
				sort.Strings(reasons)
				for _, reason := range reasons {
					printf(out, "  %s=%d\n", reason, report.Failed[domain.FailureReason(reason)])
				}
				return nil
			})
		},
	}
}

func (c *cli) newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain-dlq",
		Short: "Dispatch unhandled failed payments to their handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
				report, err := deps.Dispatcher.DrainFailedPayments(cmd.Context())
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "batches=%d claimed=%d handled=%d handler_errors=%d\n",
					report.Batches, report.Claimed, report.Handled, report.HandlerErr)
				return nil
			})
		},
	}
}

func (c *cli) newReclaimCmd() *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return invoices stuck in IN_PROGRESS to PENDING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
				threshold := staleAfter
				if threshold <= 0 {
					threshold = deps.Reclaimer.StaleAfter()
				}
				n, err := deps.Reclaimer.Reclaim(cmd.Context(), time.Now().Add(-threshold))
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "reclaimed=%d stale_after=%s\n", n, threshold)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "override the configured staleness threshold")
	return cmd
}

func (c *cli) newRequeueCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "requeue-dlq",
		Short: "Mark handled DLQ entries of a failure reason as unhandled again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := domain.ParseFailureReason(reason)
			if err != nil {
				return err
			}
			return c.withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
				n, err := deps.Storage.Requeue(cmd.Context(), parsed)
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "requeued=%d reason=%s\n", n, parsed)
				return nil
			})
		},
	}
	reasons := make([]string, 0, len(domain.FailureReasons()))
	for _, r := range domain.FailureReasons() {
		reasons = append(reasons, string(r))
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason: "+strings.Join(reasons, "|"))
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (c *cli) newMigrateCmd() *cobra.Command {
	var (
		dsn       string
		upSteps   int
		downSteps int
	)

	openStore := func(cmd *cobra.Command) (*postgres.Store, error) {
		if dsn == "" {
			cfg, err := c.loadConfig()
			if err != nil {
				return nil, err
			}
			dsn = cfg.Storage.PostgresDSN
		}
		if dsn == "" {
			return nil, fmt.Errorf("postgres dsn is required: set --dsn or BILLING_POSTGRES_DSN")
		}
		return postgres.Open(cmd.Context(), dsn, postgres.DefaultPoolConfig())
	}

	printStatus := func(cmd *cobra.Command, store *postgres.Store, prefix string) error {
		state, err := store.MigrationStatus(cmd.Context())
		if err != nil {
			return err
		}
		printf(cmd.OutOrStdout(), "%s: version=%d applied=%d pending=%d\n", prefix, state.Version, state.Applied, state.Pending())
		return nil
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	migrate.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default: storage.postgresDsn)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.MigrateUp(cmd.Context(), upSteps); err != nil {
				return err
			}
			return printStatus(cmd, store, "migrate up ok")
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.MigrateDown(cmd.Context(), downSteps); err != nil {
				return err
			}
			return printStatus(cmd, store, "migrate down ok")
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return printStatus(cmd, store, "migration status")
		},
	}

	migrate.AddCommand(up, down, status)
	return migrate
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printf(cmd.OutOrStdout(), "%s\n", version.String())
		},
	}
}
