package gormstore

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db              *gorm.DB
	defaultCurrency string
}

// NewLedgerStore returns a LedgerStore backed by db. defaultCurrency is reported
// until a currency code is stored.
func NewLedgerStore(db *gorm.DB, defaultCurrency string) *LedgerStore {
	return &LedgerStore{db: db, defaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency))}
}

// WithTx executes fn within a transaction, or within a savepoint when the
// store already runs inside one.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction, defaultCurrency: store.defaultCurrency})
	})
}

// LedgerSession is a bulk unit of work for batch.Committer.
type LedgerSession struct {
	*LedgerStore
	unit session
}

// Begin opens a bulk session. It matches batch.Opener.
func (store *LedgerStore) Begin(ctx context.Context) (ledger.BulkSession, error) {
	unit, err := beginSession(ctx, store.db)
	if err != nil {
		return nil, err
	}
	return &LedgerSession{LedgerStore: &LedgerStore{db: unit.db, defaultCurrency: store.defaultCurrency}, unit: unit}, nil
}

// Commit commits the session.
func (session *LedgerSession) Commit(context.Context) error {
	return session.unit.commit()
}

// Rollback discards the session.
func (session *LedgerSession) Rollback(context.Context) error {
	return session.unit.rollback()
}

func (store *LedgerStore) FindAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).Where("id = ?", accountID.Int64()).Take(&row).Error
	if err != nil {
		return ledger.Account{}, accountLookupError(err)
	}
	return mapAccount(row)
}

func (store *LedgerStore) LockAccounts(ctx context.Context, accountIDs ...ledger.AccountID) ([]ledger.Account, error) {
	ids := make([]int64, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		ids = append(ids, accountID.Int64())
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	var rows []Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	if len(rows) != len(ids) {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.ErrUnknownAccount)
	}
	return mapAccounts(rows)
}

func (store *LedgerStore) FindUserAccount(ctx context.Context, userID ledger.UserID, accountType ledger.AccountType) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).
		Select("accounts.*").
		Joins("JOIN user_accounts ON user_accounts.account_id = accounts.id").
		Where("user_accounts.user_id = ? AND user_accounts.account_type = ?", userID.String(), string(accountType)).
		Take(&row).Error
	if err != nil {
		return ledger.Account{}, accountLookupError(err)
	}
	return mapAccount(row)
}

func (store *LedgerStore) FindAccountByName(ctx context.Context, accountType ledger.AccountType, nameLower string) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).
		Where("type = ? AND name_lower = ?", string(accountType), nameLower).
		Take(&row).Error
	if err != nil {
		return ledger.Account{}, accountLookupError(err)
	}
	return mapAccount(row)
}

func (store *LedgerStore) CreateAccount(ctx context.Context, account ledger.Account, owner *ledger.UserID) (ledger.Account, error) {
	row := accountRow(account)
	row.ID = 0
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Create(&row).Error; err != nil {
			return err
		}
		if owner == nil {
			return nil
		}
		return transaction.Create(&UserAccount{UserID: owner.String(), AccountType: row.Type, AccountID: row.ID}).Error
	})
	if isConflict(err, constraintAccountName, constraintUserAccountPrimary) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return mapAccount(row)
}

func (store *LedgerStore) UpdateAccount(ctx context.Context, account ledger.Account) error {
	row := accountRow(account)
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"name":                 row.Name,
			"name_lower":           row.NameLower,
			"balance":              row.Balance,
			"overdraft_limit":      row.OverdraftLimit,
			"use_global_overdraft": row.UseGlobalOverdraft,
			"restricted":           row.Restricted,
			"parent_id":            row.ParentID,
			"disabled":             row.Disabled,
			"deleted":              row.Deleted,
			"updated_at":           row.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *LedgerStore) ListAccountsAfter(ctx context.Context, afterID int64, limit int) ([]ledger.Account, error) {
	var rows []Account
	query := store.db.WithContext(ctx).Where("id > ?", afterID).Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return mapAccounts(rows)
}

func (store *LedgerStore) ListChildAccounts(ctx context.Context, parentID ledger.AccountID) ([]ledger.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).Where("parent_id = ?", parentID.Int64()).Order("id").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return mapAccounts(rows)
}

func (store *LedgerStore) InsertTransaction(ctx context.Context, trx ledger.AccountTrx) (ledger.AccountTrx, error) {
	row := trxRow(trx)
	row.ID = 0
	err := store.db.WithContext(ctx).Create(&row).Error
	if isConflict(err, constraintTrxIdempotencyKey) {
		return ledger.AccountTrx{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.AccountTrx{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTrx(row)
}

func (store *LedgerStore) FindTransactionByKey(ctx context.Context, idempotencyKey string) (ledger.AccountTrx, error) {
	var row AccountTrx
	err := store.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.AccountTrx{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.AccountTrx{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTrx(row)
}

// ListTransactions applies the filter predicates in ascending id order.
func (store *LedgerStore) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.AccountTrx, error) {
	query := store.db.WithContext(ctx).Model(&AccountTrx{})
	for _, predicate := range filter.Predicates() {
		query = query.Where(predicate.Column+" "+predicate.Operator+" ?", predicate.Value)
	}
	query = query.Order("id")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []AccountTrx
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.AccountTrx, 0, len(rows))
	for _, row := range rows {
		trx, err := mapTrx(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, trx)
	}
	return transactions, nil
}

func (store *LedgerStore) DeleteTransactions(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := store.db.WithContext(ctx).Where("id IN ?", ids).Delete(&AccountTrx{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeDelete, result.Error)
	}
	return int(result.RowsAffected), nil
}

func (store *LedgerStore) ScrubTransactionComments(ctx context.Context, accountID ledger.AccountID) (int, error) {
	result := store.db.WithContext(ctx).
		Model(&AccountTrx{}).
		Where("account_id = ? AND comment <> ''", accountID.Int64()).
		Update("comment", "")
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeUpdate, result.Error)
	}
	return int(result.RowsAffected), nil
}

func (store *LedgerStore) InsertVouchers(ctx context.Context, vouchers []ledger.Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}
	rows := make([]Voucher, 0, len(vouchers))
	for _, voucher := range vouchers {
		rows = append(rows, voucherRow(voucher))
	}
	err := store.db.WithContext(ctx).Create(&rows).Error
	if isConflict(err, constraintVoucherPrimary) {
		return wrapStoreError(errorSubjectVoucher, errorCodeDuplicate, ledger.ErrVoucherExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeInsert, err)
	}
	return nil
}

func (store *LedgerStore) LockVoucher(ctx context.Context, cardNumber string) (ledger.Voucher, error) {
	var row Voucher
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("card_number = ?", cardNumber).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Voucher{}, wrapStoreError(errorSubjectVoucher, errorCodeLock, ledger.ErrUnknownVoucher)
	}
	if err != nil {
		return ledger.Voucher{}, wrapStoreError(errorSubjectVoucher, errorCodeLock, err)
	}
	return mapVoucher(row)
}

func (store *LedgerStore) MarkVoucherRedeemed(ctx context.Context, cardNumber string, accountID ledger.AccountID, redeemedAt time.Time) error {
	redeemedBy := accountID.Int64()
	at := redeemedAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&Voucher{}).
		Where("card_number = ?", cardNumber).
		Updates(map[string]any{"redeemed_at": &at, "redeemed_account_id": &redeemedBy})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeUpdate, ledger.ErrUnknownVoucher)
	}
	return nil
}

func (store *LedgerStore) ListVouchers(ctx context.Context, filter ledger.VoucherFilter) ([]ledger.Voucher, error) {
	query := store.db.WithContext(ctx).Model(&Voucher{})
	if filter.BatchID != "" {
		query = query.Where("batch_id = ?", filter.BatchID)
	}
	if filter.ExpiredBefore != nil {
		query = query.Where("expires_at < ?", filter.ExpiredBefore.UTC())
	}
	if filter.UnredeemedOnly {
		query = query.Where("redeemed_at IS NULL")
	}
	if filter.AfterCardNumber != "" {
		query = query.Where("card_number > ?", filter.AfterCardNumber)
	}
	query = query.Order("card_number")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Voucher
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	vouchers := make([]ledger.Voucher, 0, len(rows))
	for _, row := range rows {
		voucher, err := mapVoucher(row)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, voucher)
	}
	return vouchers, nil
}

func (store *LedgerStore) DeleteVouchers(ctx context.Context, cardNumbers []string) (int, error) {
	if len(cardNumbers) == 0 {
		return 0, nil
	}
	result := store.db.WithContext(ctx).Where("card_number IN ?", cardNumbers).Delete(&Voucher{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectVoucher, errorCodeDelete, result.Error)
	}
	return int(result.RowsAffected), nil
}

func (store *LedgerStore) CurrencyCode(ctx context.Context) (string, error) {
	value, found, err := store.setting(ctx, settingCurrencyCode)
	if err != nil || !found {
		return store.defaultCurrency, err
	}
	return value, nil
}

func (store *LedgerStore) SetCurrencyCode(ctx context.Context, code string) error {
	return store.putSetting(ctx, settingCurrencyCode, code)
}

func (store *LedgerStore) RebaseGeneration(ctx context.Context) (int64, error) {
	value, found, err := store.setting(ctx, settingRebaseGeneration)
	if err != nil || !found {
		return 0, err
	}
	generation, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return generation, nil
}

func (store *LedgerStore) SetRebaseGeneration(ctx context.Context, generation int64) error {
	return store.putSetting(ctx, settingRebaseGeneration, strconv.FormatInt(generation, 10))
}

func (store *LedgerStore) setting(ctx context.Context, name string) (string, bool, error) {
	var row Setting
	err := store.db.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return row.Value, true, nil
}

func (store *LedgerStore) putSetting(ctx context.Context, name string, value string) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&Setting{Name: name, Value: value}).Error
	if err != nil {
		return wrapStoreError(errorSubjectSetting, errorCodeUpdate, err)
	}
	return nil
}

func accountLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
	}
	return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
}

func accountRow(account ledger.Account) Account {
	var parentID *int64
	if account.ParentID != nil {
		value := account.ParentID.Int64()
		parentID = &value
	}
	return Account{
		ID:                 account.ID.Int64(),
		Name:               account.Name,
		NameLower:          account.NameLower,
		Type:               string(account.Type),
		Balance:            account.Balance,
		OverdraftLimit:     account.OverdraftLimit,
		UseGlobalOverdraft: account.UseGlobalOverdraft,
		Restricted:         account.Restricted,
		ParentID:           parentID,
		Disabled:           account.Disabled,
		Deleted:            account.Deleted,
		CreatedBy:          account.CreatedBy,
		CreatedAt:          account.CreatedAt.UTC(),
		UpdatedAt:          account.UpdatedAt.UTC(),
	}
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.ID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountType, err := ledger.ParseAccountType(row.Type)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	var parentID *ledger.AccountID
	if row.ParentID != nil {
		parsed, err := ledger.NewAccountID(*row.ParentID)
		if err != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
		}
		parentID = &parsed
	}
	return ledger.Account{
		ID:                 accountID,
		Name:               row.Name,
		NameLower:          row.NameLower,
		Type:               accountType,
		Balance:            row.Balance,
		OverdraftLimit:     row.OverdraftLimit,
		UseGlobalOverdraft: row.UseGlobalOverdraft,
		Restricted:         row.Restricted,
		ParentID:           parentID,
		Disabled:           row.Disabled,
		Deleted:            row.Deleted,
		CreatedBy:          row.CreatedBy,
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
	}, nil
}

func mapAccounts(rows []Account) ([]ledger.Account, error) {
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func trxRow(trx ledger.AccountTrx) AccountTrx {
	return AccountTrx{
		ID:             trx.ID,
		AccountID:      trx.AccountID.Int64(),
		Amount:         trx.Amount,
		BalanceAfter:   trx.BalanceAfter,
		Type:           string(trx.Type),
		Comment:        trx.Comment,
		ExtID:          trx.ExtID,
		ExtAddress:     trx.ExtAddress,
		DocumentRef:    trx.DocumentRef,
		IdempotencyKey: trx.IdempotencyKey,
		CurrencyCode:   trx.CurrencyCode,
		CreatedAt:      trx.CreatedAt.UTC(),
	}
}

func mapTrx(row AccountTrx) (ledger.AccountTrx, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.AccountTrx{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return ledger.AccountTrx{
		ID:             row.ID,
		AccountID:      accountID,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Type:           ledger.TrxType(row.Type),
		Comment:        row.Comment,
		ExtID:          row.ExtID,
		ExtAddress:     row.ExtAddress,
		DocumentRef:    row.DocumentRef,
		IdempotencyKey: row.IdempotencyKey,
		CurrencyCode:   row.CurrencyCode,
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func voucherRow(voucher ledger.Voucher) Voucher {
	row := Voucher{
		CardNumber: voucher.CardNumber,
		Value:      voucher.Value,
		BatchID:    voucher.BatchID,
		ExpiresAt:  voucher.ExpiresAt.UTC(),
		RedeemedAt: voucher.RedeemedAt,
		CreatedAt:  voucher.CreatedAt.UTC(),
	}
	if voucher.RedeemedAccountID != nil {
		value := voucher.RedeemedAccountID.Int64()
		row.RedeemedAccountID = &value
	}
	return row
}

func mapVoucher(row Voucher) (ledger.Voucher, error) {
	voucher := ledger.Voucher{
		CardNumber: row.CardNumber,
		Value:      row.Value,
		BatchID:    row.BatchID,
		ExpiresAt:  row.ExpiresAt.UTC(),
		CreatedAt:  row.CreatedAt.UTC(),
	}
	if row.RedeemedAt != nil {
		redeemedAt := row.RedeemedAt.UTC()
		voucher.RedeemedAt = &redeemedAt
	}
	if row.RedeemedAccountID != nil {
		accountID, err := ledger.NewAccountID(*row.RedeemedAccountID)
		if err != nil {
			return ledger.Voucher{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, err)
		}
		voucher.RedeemedAccountID = &accountID
	}
	return voucher, nil
}
