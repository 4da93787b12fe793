package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	constraintAccountName        = "idx_accounts_type_name"
	constraintUserAccountPrimary = "user_accounts_pkey"
	constraintTrxIdempotencyKey  = "uniq_account_trx_idempotency_key"
	constraintVoucherPrimary     = "vouchers_pkey"
	constraintJobTicketNumber    = "uniq_outbox_jobs_ticket_number"
	constraintJobPrimary         = "outbox_jobs_pkey"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	settingCurrencyCode          = "currency_code"
	settingRebaseGeneration      = "rebase_generation"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorSubjectVoucher          = "voucher"
	errorSubjectSetting          = "setting"
	errorSubjectSession          = "session"
	errorSubjectJob              = "job"
	errorSubjectTicket           = "ticket"
	errorSubjectSequence         = "sequence"
	errorSubjectPreview          = "preview"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeRollback            = "rollback"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLookup              = "lookup"
	errorCodeNext                = "next"
	errorCodeUpdate              = "update"
)

// Open connects to driver at dsn. SQLite DSNs such as
// file:printledger?mode=memory&cache=shared suit tests and single-host setups.
func Open(driver string, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// AutoMigrate creates or updates every table. Postgres deployments run the SQL
// migrations instead; AutoMigrate backs SQLite and tests.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// isConflict reports a unique violation. On postgres the violated constraint
// must be one of constraints; SQLite reports no constraint name.
func isConflict(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolationCode {
			return false
		}
		for _, constraint := range constraints {
			if pgErr.ConstraintName == constraint {
				return true
			}
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// session is the unit of work behind a bulk session. The transaction outlives
// the caller's context so an interrupted sweep can still commit its last chunk.
type session struct {
	db *gorm.DB
}

func beginSession(ctx context.Context, db *gorm.DB) (session, error) {
	transaction := db.WithContext(context.WithoutCancel(ctx)).Begin()
	if transaction.Error != nil {
		return session{}, wrapStoreError(errorSubjectSession, errorCodeBegin, transaction.Error)
	}
	return session{db: transaction}, nil
}

func (unit session) commit() error {
	if err := unit.db.Commit().Error; err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCommit, err)
	}
	return nil
}

func (unit session) rollback() error {
	if err := unit.db.Rollback().Error; err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeRollback, err)
	}
	return nil
}
