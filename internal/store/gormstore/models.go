package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

// Account represents the accounts table.
type Account struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement"`
	Name               string          `gorm:"not null"`
	NameLower          string          `gorm:"not null;index:idx_accounts_type_name,unique,priority:2"`
	Type               string          `gorm:"not null;index:idx_accounts_type_name,unique,priority:1"`
	Balance            decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	OverdraftLimit     decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	UseGlobalOverdraft bool            `gorm:"not null;default:false"`
	Restricted         bool            `gorm:"not null;default:false"`
	ParentID           *int64          `gorm:"index"`
	Disabled           bool            `gorm:"not null;default:false"`
	Deleted            bool            `gorm:"not null;default:false"`
	CreatedBy          string
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (Account) TableName() string { return "accounts" }

// UserAccount links an owner to their account of one type.
type UserAccount struct {
	UserID      string `gorm:"primaryKey"`
	AccountType string `gorm:"primaryKey"`
	AccountID   int64  `gorm:"not null;index"`
}

func (UserAccount) TableName() string { return "user_accounts" }

// AccountTrx mirrors the account_trx table.
type AccountTrx struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	AccountID      int64           `gorm:"not null;index:idx_account_trx_account_created,priority:1"`
	Amount         decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	Type           string          `gorm:"column:trx_type;not null"`
	Comment        string
	ExtID          string `gorm:"index"`
	ExtAddress     string
	DocumentRef    string    `gorm:"index"`
	IdempotencyKey string    `gorm:"not null;uniqueIndex:uniq_account_trx_idempotency_key"`
	CurrencyCode   string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false;index:idx_account_trx_account_created,priority:2"`
}

func (AccountTrx) TableName() string { return "account_trx" }

// Voucher mirrors the vouchers table.
type Voucher struct {
	CardNumber        string          `gorm:"primaryKey"`
	Value             decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	BatchID           string          `gorm:"not null;index"`
	ExpiresAt         time.Time       `gorm:"not null;index"`
	RedeemedAt        *time.Time
	RedeemedAccountID *int64
	CreatedAt         time.Time `gorm:"not null;autoCreateTime:false"`
}

func (Voucher) TableName() string { return "vouchers" }

// Setting is one key/value row of ledger_settings.
type Setting struct {
	Name  string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (Setting) TableName() string { return "ledger_settings" }

// Job mirrors the outbox_jobs table. Promoted jobs carry a ticket number.
type Job struct {
	ID              string                                `gorm:"primaryKey"`
	UserID          string                                `gorm:"not null;index:idx_outbox_jobs_user_state,priority:1"`
	AccountID       int64                                 `gorm:"not null"`
	DocumentRef     string                                `gorm:"not null"`
	ArtifactHandle  string
	Printer         string
	PrinterGroup    string
	Options         datatypes.JSONType[map[string]string] `gorm:"not null"`
	Documents       datatypes.JSONSlice[outbox.Document]  `gorm:"not null"`
	ChunkByDocument bool                                  `gorm:"not null;default:false"`
	PageCount       int                                   `gorm:"not null"`
	Copies          int                                   `gorm:"not null"`
	Cost            decimal.Decimal                       `gorm:"type:numeric(18,6);not null"`
	SubmittedAt     time.Time                             `gorm:"not null"`
	ExpiresAt       time.Time                             `gorm:"not null;index"`
	DeliveryAt      *time.Time
	TicketNumber    *string                               `gorm:"uniqueIndex:uniq_outbox_jobs_ticket_number"`
	TicketLabel     string
	State           string                                `gorm:"not null;index:idx_outbox_jobs_user_state,priority:2"`
	RedirectPrinter string
	DispatchJobIDs  datatypes.JSONSlice[string]           `gorm:"not null"`
	Operator        string
	Attempts        int                                   `gorm:"not null;default:0"`
	CompletedAt     *time.Time
	UpdatedAt       time.Time                             `gorm:"not null;autoUpdateTime:false"`
}

func (Job) TableName() string { return "outbox_jobs" }

// Sequence is a named counter handed out atomically.
type Sequence struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null"`
}

func (Sequence) TableName() string { return "sequences" }

// Preview records the last time a user looked at their queue.
type Preview struct {
	UserID      string    `gorm:"primaryKey"`
	PreviewedAt time.Time `gorm:"not null"`
}

func (Preview) TableName() string { return "outbox_previews" }

// Models lists every table managed by this package, in creation order.
func Models() []any {
	return []any{&Account{}, &UserAccount{}, &AccountTrx{}, &Voucher{}, &Setting{}, &Job{}, &Sequence{}, &Preview{}}
}
