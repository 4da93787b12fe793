package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/printledger/internal/config"
	"github.com/MarkoPoloResearchLab/printledger/internal/directory"
	"github.com/MarkoPoloResearchLab/printledger/internal/dispatch"
	"github.com/MarkoPoloResearchLab/printledger/internal/logging"
	"github.com/MarkoPoloResearchLab/printledger/internal/notify"
	"github.com/MarkoPoloResearchLab/printledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/printledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

// application holds the wired services shared by every subcommand.
type application struct {
	cfg         config.Config
	logger      *zap.Logger
	driver      string
	ledgerStore *gormstore.LedgerStore
	outboxStore *gormstore.OutboxStore
	accounts    *ledger.Service
	queue       *outbox.Service
	printers    *directory.Static
	closers     []func() error
}

func clock() time.Time {
	return time.Now().UTC()
}

func openApplication(ctx context.Context, cfg config.Config) (*application, error) {
	logger, err := logging.New(cfg.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app := &application{cfg: cfg, logger: logger}
	if err := app.open(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *application) open(ctx context.Context) error {
	db, cleanup, driver, err := openDatabase(ctx, app.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	app.driver = driver
	app.closers = append(app.closers, cleanup)

	if err := prepareSchema(ctx, db, driver, app.cfg.DatabaseURL, app.logger); err != nil {
		return err
	}

	var mailer *notify.Mailer
	if app.cfg.MailEnabled() {
		mailer, err = notify.NewMailer(notify.Config{
			Host:            app.cfg.SMTP.Host,
			Port:            app.cfg.SMTP.Port,
			Username:        app.cfg.SMTP.Username,
			Password:        app.cfg.SMTP.Password,
			From:            app.cfg.SMTP.From,
			RecipientDomain: app.cfg.SMTP.MailDomain,
			AdminAddress:    app.cfg.SMTP.AdminAddress,
		})
		if err != nil {
			return err
		}
	}

	operationLogger := logging.NewOperationLogger(app.logger)
	ledgerOptions := []ledger.ServiceOption{
		ledger.WithOperationLogger(operationLogger.Ledger()),
		ledger.WithGlobalOverdraft(app.cfg.GlobalOverdraft),
		ledger.WithPrintRetryHorizon(app.cfg.PrintRetryHorizon),
	}
	queueOptions := []outbox.ServiceOption{
		outbox.WithOperationLogger(operationLogger.Outbox()),
		outbox.WithExpiryWindow(app.cfg.OutboxExpiry),
		outbox.WithPreviewTracker(gormstore.NewPreviewStore(db)),
	}
	if mailer != nil {
		ledgerOptions = append(ledgerOptions, ledger.WithNotifier(mailer))
		queueOptions = append(queueOptions, outbox.WithNotifier(mailer))
	}
	if len(app.cfg.DeliveryWeekdays) > 0 {
		queueOptions = append(queueOptions, outbox.WithDeliveryWeekdays(app.cfg.DeliveryWeekdays...))
	}

	var sequence outbox.Sequence = gormstore.NewSequenceStore(db)
	if driver == gormstore.DriverPostgres {
		pool, err := pgstore.Connect(ctx, app.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		app.closers = append(app.closers, func() error { pool.Close(); return nil })
		gate, err := pgstore.NewAdvisoryGate(pool, pgstore.WithLockKey(app.cfg.AdvisoryLockKey))
		if err != nil {
			return err
		}
		ledgerOptions = append(ledgerOptions, ledger.WithGate(gate))
		sequence = pgstore.NewSequence(pool)
	}

	if app.cfg.PrintersFile != "" {
		app.printers, err = directory.Load(app.cfg.PrintersFile)
		if err != nil {
			return err
		}
		queueOptions = append(queueOptions, outbox.WithPrinterDirectory(app.printers))
	}
	if app.cfg.DispatchWebhookURL != "" {
		webhook, err := dispatch.NewWebhook(app.cfg.DispatchWebhookURL)
		if err != nil {
			return err
		}
		queueOptions = append(queueOptions, outbox.WithDispatcher(webhook))
	}

	app.ledgerStore = gormstore.NewLedgerStore(db, app.cfg.Currency)
	app.outboxStore = gormstore.NewOutboxStore(db)
	app.accounts, err = ledger.NewService(app.ledgerStore, clock, ledgerOptions...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	app.queue, err = outbox.NewService(app.outboxStore, app.accounts, sequence, clock, queueOptions...)
	if err != nil {
		return fmt.Errorf("outbox service init: %w", err)
	}
	return nil
}

// ledgerCommitter builds a committer over ledger bulk sessions.
func (app *application) ledgerCommitter(name string, test bool) (*batch.Committer[ledger.BulkSession], error) {
	return batch.NewCommitter[ledger.BulkSession](app.ledgerStore.Begin, app.commitOptions(name, test)...)
}

// outboxCommitter builds a committer over outbox bulk sessions.
func (app *application) outboxCommitter(name string, test bool) (*batch.Committer[outbox.BulkSession], error) {
	return batch.NewCommitter[outbox.BulkSession](app.outboxStore.Begin, app.commitOptions(name, test)...)
}

func (app *application) commitOptions(name string, test bool) []batch.Option {
	return []batch.Option{
		batch.WithName(name),
		batch.WithLogger(app.logger),
		batch.WithThreshold(app.cfg.BatchThreshold),
		batch.WithTestMode(test),
		batch.WithClock(clock),
	}
}

// Close releases the database handles in reverse order and flushes the log.
func (app *application) Close() error {
	var errs []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		errs = append(errs, app.closers[index]())
	}
	app.closers = nil
	_ = app.logger.Sync()
	return errors.Join(errs...)
}
