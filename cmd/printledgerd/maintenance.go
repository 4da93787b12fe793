package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/MarkoPoloResearchLab/printledger/internal/config"
	"github.com/MarkoPoloResearchLab/printledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/printledger/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

const (
	flagTest      = "test"
	flagSteps     = "steps"
	flagFrom      = "from"
	flagTo        = "to"
	flagRate      = "rate"
	flagAfterID   = "after-id"
	flagUser      = "user"
	flagRetention = "retention"
	testFlagUsage = "roll every chunk back instead of committing it"
)

// withApplication runs fn against a wired application under a signal-aware
// context, so an interrupted bulk run stops at the next row and commits its
// last chunk.
func withApplication(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, app *application) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app, err := openApplication(ctx, *cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(ctx, app)
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := resolveDriver(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if driver == gormstore.DriverSQLite {
				db, cleanup, _, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer func() { _ = cleanup() }()
				if err := gormstore.AutoMigrate(cmd.Context(), db); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema up to date")
				return nil
			}
			version, err := migrations.Up(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := resolveDriver(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if driver != gormstore.DriverPostgres {
				return fmt.Errorf("migrate down requires a postgres database, got %s", driver)
			}
			steps, err := cmd.Flags().GetInt(flagSteps)
			if err != nil {
				return err
			}
			version, err := migrations.Down(cfg.DatabaseURL, steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
	down.Flags().Int(flagSteps, 1, "number of migrations to roll back")
	cmd.AddCommand(up, down)
	return cmd
}

func newRebaseCurrencyCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebase-currency",
		Short: "Convert every account balance to a new currency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			from, _ := flags.GetString(flagFrom)
			to, _ := flags.GetString(flagTo)
			rawRate, _ := flags.GetString(flagRate)
			afterID, _ := flags.GetInt64(flagAfterID)
			test, _ := flags.GetBool(flagTest)
			rate, err := decimal.NewFromString(strings.TrimSpace(rawRate))
			if err != nil {
				return fmt.Errorf("%s: %w", flagRate, err)
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				committer, err := app.ledgerCommitter("rebase-currency", test)
				if err != nil {
					return err
				}
				report, err := app.accounts.RebaseCurrency(ctx, ledger.RebaseRequest{From: from, To: to, Rate: rate, AfterID: afterID}, committer)
				printReport(cmd.OutOrStdout(), "rebase-currency", report)
				return err
			})
		},
	}
	cmd.Flags().String(flagFrom, "", "currency the ledger is kept in now")
	cmd.Flags().String(flagTo, "", "currency to convert to")
	cmd.Flags().String(flagRate, "", "amount of the new currency per unit of the old one")
	cmd.Flags().Int64(flagAfterID, 0, "resume after this account id")
	cmd.Flags().Bool(flagTest, false, testFlagUsage)
	_ = cmd.MarkFlagRequired(flagFrom)
	_ = cmd.MarkFlagRequired(flagTo)
	_ = cmd.MarkFlagRequired(flagRate)
	return cmd
}

func newPruneOutboxCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune-outbox",
		Short: "Delete expired pending print jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString(flagUser)
			test, _ := cmd.Flags().GetBool(flagTest)
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				committer, err := app.outboxCommitter("prune-outbox", test)
				if err != nil {
					return err
				}
				report, err := app.queue.Prune(ctx, outbox.PruneScope{UserID: userID}, clock(), committer)
				printReport(cmd.OutOrStdout(), "prune-outbox", report.Report)
				if len(report.SkippedUsers) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "kept the queue of recently active users: %s\n", strings.Join(report.SkippedUsers, ", "))
				}
				return err
			})
		},
	}
	cmd.Flags().String(flagUser, "", "prune only this user's queue")
	cmd.Flags().Bool(flagTest, false, testFlagUsage)
	return cmd
}

func newSweepVouchersCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep-vouchers",
		Short: "Delete expired unredeemed vouchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			test, _ := cmd.Flags().GetBool(flagTest)
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				committer, err := app.ledgerCommitter("sweep-vouchers", test)
				if err != nil {
					return err
				}
				report, err := app.accounts.SweepExpiredVouchers(ctx, clock(), committer)
				printReport(cmd.OutOrStdout(), "sweep-vouchers", report)
				return err
			})
		},
	}
	cmd.Flags().Bool(flagTest, false, testFlagUsage)
	return cmd
}

func newPruneHistoryCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune-history",
		Short: "Delete transactions older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			retention, _ := cmd.Flags().GetDuration(flagRetention)
			test, _ := cmd.Flags().GetBool(flagTest)
			if retention <= 0 {
				retention = cfg.HistoryRetention
			}
			if retention <= 0 {
				return fmt.Errorf("a positive --%s or --%s is required", flagRetention, config.KeyHistoryRetention)
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				committer, err := app.ledgerCommitter("prune-history", test)
				if err != nil {
					return err
				}
				report, err := app.accounts.PruneHistory(ctx, clock().Add(-retention), committer)
				printReport(cmd.OutOrStdout(), "prune-history", report)
				return err
			})
		},
	}
	cmd.Flags().Duration(flagRetention, 0, "keep transactions younger than this; defaults to --"+config.KeyHistoryRetention)
	cmd.Flags().Bool(flagTest, false, testFlagUsage)
	return cmd
}

func printReport(out io.Writer, name string, report batch.Report) {
	mode := "committed"
	if report.TestRun {
		mode = "rolled back (test)"
	}
	fmt.Fprintf(out, "%s: processed=%d skipped=%d failed=%d watermark=%q elapsed=%s %s\n",
		name, report.Processed, report.Skipped, report.Failed, report.Watermark, report.Elapsed.Round(time.Millisecond), mode)
}
