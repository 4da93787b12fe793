package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/MarkoPoloResearchLab/printledger/internal/config"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "printledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "printledgerd",
		Short:         "Print-cost ledger and job ticket delivery queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(config.KeyConfigFile, "", "optional YAML, JSON or TOML settings file")
	flags.String(config.KeyDatabaseURL, "", "postgres:// URL, sqlite:// URL or SQLite file path (required)")
	flags.Bool(config.KeyDevelopment, false, "development logging; falls back to a local SQLite file")
	flags.String(config.KeyGRPCListenAddr, "", "gRPC listen address (default :7000)")
	flags.String(config.KeyHTTPListenAddr, "", "HTTP console listen address (default :9090)")
	flags.String(config.KeyCurrency, "", "ledger currency code (default EUR)")
	flags.String(config.KeyGlobalOverdraft, "", "overdraft limit for accounts using the global limit")
	flags.Int64(config.KeyAdvisoryLockKey, 0, "postgres advisory lock key guarding bulk operations")
	flags.Duration(config.KeyOutboxExpiry, 0, "lifetime of a queued job (default 24h)")
	flags.String(config.KeyDeliveryWeekdays, "", "comma-separated weekdays tickets are delivered on (default mon-fri)")
	flags.Int(config.KeyBatchThreshold, 0, "rows per commit in bulk operations (default 1000)")
	flags.Duration(config.KeyVoucherSweepInterval, 0, "interval of the expired voucher sweep (default 1h)")
	flags.Duration(config.KeyHistoryPruneInterval, 0, "interval of the transaction history prune (default 1h)")
	flags.Duration(config.KeyHistoryRetention, 0, "age after which transactions are pruned; 0 keeps everything")
	flags.Duration(config.KeyPrintRetryHorizon, 0, "age below which pruning keeps PRINT rows and their idempotency keys (default 168h)")
	flags.Duration(config.KeyOutboxPruneInterval, 0, "interval of the expired job prune (default 1h)")
	flags.String(config.KeySMTPHost, "", "SMTP host; empty disables mail notifications")
	flags.Int(config.KeySMTPPort, 0, "SMTP port (default 587)")
	flags.String(config.KeySMTPUsername, "", "SMTP username")
	flags.String(config.KeySMTPPassword, "", "SMTP password")
	flags.String(config.KeySMTPFrom, "", "sender address of notifications")
	flags.String(config.KeyMailDomain, "", "domain appended to user ids to form recipient addresses")
	flags.String(config.KeyAdminAddress, "", "recipient of notifications about shared accounts")
	flags.String(config.KeySessionSigningKey, "", "TAuth JWT signing key (required by serve)")
	flags.String(config.KeySessionIssuer, "", "expected JWT issuer (default tauth)")
	flags.String(config.KeySessionCookieName, "", "JWT cookie name (default app_session)")
	flags.String(config.KeyAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(config.KeyOperators, "", "comma-separated user ids allowed to run the operator console")
	flags.String(config.KeyDispatchWebhookURL, "", "print webhook receiving dispatched chunks")
	flags.String(config.KeyPrintersFile, "", "YAML or JSON printer directory")

	cmd.AddCommand(
		newServeCommand(cfg),
		newMigrateCommand(cfg),
		newRebaseCurrencyCommand(cfg),
		newPruneOutboxCommand(cfg),
		newSweepVouchersCommand(cfg),
		newPruneHistoryCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	configFile, err := cmd.Flags().GetString(config.KeyConfigFile)
	if err != nil {
		return err
	}
	v, err := config.NewViper(configFile)
	if err != nil {
		return err
	}

	var bindErr error
	cmd.Root().PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		if bindErr != nil || flag.Name == config.KeyConfigFile {
			return
		}
		bindErr = v.BindPFlag(flag.Name, flag)
	})
	if bindErr != nil {
		return bindErr
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}
