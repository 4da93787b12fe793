package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
)

// RebaseRequest converts every balance from one currency to another.
// AfterID resumes an interrupted run after the reported watermark.
type RebaseRequest struct {
	From    string
	To      string
	Rate    decimal.Decimal
	AfterID int64
}

// RebaseCurrency walks all accounts in id order and converts balances and
// overdraft limits by Rate, writing one CURRENCY_CHANGE transaction per account.
// It holds the global gate exclusively for the whole run. Accounts already
// converted by an interrupted run of the same generation are skipped, deleted
// accounts too. The stored currency switches to To, and the rebase generation
// advances, only when the walk completes without failed rows; otherwise
// ErrRebaseIncomplete is returned and a rerun converts the rest.
func (service *Service) RebaseCurrency(ctx context.Context, request RebaseRequest, committer *batch.Committer[BulkSession]) (SweepReport, error) {
	from := strings.ToUpper(strings.TrimSpace(request.From))
	to := strings.ToUpper(strings.TrimSpace(request.To))
	if from == "" || to == "" || from == to {
		return SweepReport{}, fmt.Errorf("%w: currencies %q -> %q", ErrInvalidRebase, request.From, request.To)
	}
	if !request.Rate.IsPositive() {
		return SweepReport{}, fmt.Errorf("%w: rate must be greater than zero", ErrInvalidRebase)
	}
	release, err := service.gate.Exclusive(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	defer release()

	run, err := service.startBulk(ctx, operationRebaseCurrency, committer)
	if err != nil {
		return SweepReport{}, err
	}
	session, err := run.session()
	if err != nil {
		return run.abort(ctx, err)
	}
	current, err := session.CurrencyCode(ctx)
	if err != nil {
		return run.abort(ctx, err)
	}
	if current != from {
		return run.abort(ctx, WrapError(operationRebaseCurrency, "currency", "currency_mismatch",
			fmt.Errorf("%w: stored %s, requested %s", ErrCurrencyMismatch, current, from)))
	}
	generation, err := session.RebaseGeneration(ctx)
	if err != nil {
		return run.abort(ctx, err)
	}

	after := request.AfterID
	for {
		if ctx.Err() != nil {
			return run.interrupt(ctx)
		}
		session, err := run.session()
		if err != nil {
			return run.abort(ctx, err)
		}
		page, err := session.ListAccountsAfter(ctx, after, service.pageSize)
		if err != nil {
			return run.abort(ctx, err)
		}
		if len(page) == 0 {
			break
		}
		for _, account := range page {
			accountID := account.ID
			deleted := account.Deleted
			after = accountID.Int64()
			err := run.row(ctx, accountID.String(), func(ctx context.Context, txStore Store) error {
				if deleted {
					return errSkipRow
				}
				return service.rebaseAccount(ctx, txStore, generation, accountID, from, to, request.Rate)
			})
			if err != nil {
				return run.abort(ctx, err)
			}
		}
	}

	if run.failed() > 0 {
		report, err := run.finish(ctx)
		if err != nil {
			return report, err
		}
		return report, WrapError(operationRebaseCurrency, "accounts", "rebase_incomplete",
			fmt.Errorf("%w: %d accounts failed, currency stays %s", ErrRebaseIncomplete, report.Failed, from))
	}
	session, err = run.session()
	if err != nil {
		return run.abort(ctx, err)
	}
	if err := session.SetCurrencyCode(ctx, to); err != nil {
		return run.abort(ctx, err)
	}
	if err := session.SetRebaseGeneration(ctx, generation+1); err != nil {
		return run.abort(ctx, err)
	}
	return run.finish(ctx)
}

// rebaseAccount converts one account. The idempotency key carries the rebase
// generation, so only a rerun of an unfinished rebase finds it taken.
func (service *Service) rebaseAccount(ctx context.Context, txStore Store, generation int64, accountID AccountID, from string, to string, rate decimal.Decimal) error {
	key := strings.Join([]string{idempotencyPrefixRebase, strconv.FormatInt(generation, 10), from, to, accountID.String()}, idempotencyKeyDelimiter)
	if _, err := txStore.FindTransactionByKey(ctx, key); err == nil {
		return errSkipRow
	} else if !errors.Is(err, ErrUnknownTransaction) {
		return err
	}
	accounts, err := txStore.LockAccounts(ctx, accountID)
	if err != nil {
		return err
	}
	account := accounts[0]
	converted := account.Balance.Mul(rate).Round(MoneyScale)
	account.OverdraftLimit = account.OverdraftLimit.Mul(rate).Round(MoneyScale)
	_, err = service.post(ctx, txStore, &account, converted.Sub(account.Balance), AccountTrx{
		Type:           TrxCurrencyChange,
		Comment:        fmt.Sprintf("%s -> %s @ %s", from, to, rate.String()),
		IdempotencyKey: key,
		CurrencyCode:   to,
	})
	return err
}

// PruneHistory deletes transactions created before the cutoff, one committer
// increment per row. PRINT rows younger than the print retry horizon are
// skipped, so a late retry of their charge still replays.
func (service *Service) PruneHistory(ctx context.Context, before time.Time, committer *batch.Committer[BulkSession]) (SweepReport, error) {
	run, err := service.startBulk(ctx, operationPruneHistory, committer)
	if err != nil {
		return SweepReport{}, err
	}
	cutoff := before.UTC()
	printCutoff := service.now().UTC().Add(-service.printRetry)
	var after int64
	for {
		if ctx.Err() != nil {
			return run.interrupt(ctx)
		}
		session, err := run.session()
		if err != nil {
			return run.abort(ctx, err)
		}
		page, err := session.ListTransactions(ctx, TransactionFilter{CreatedBefore: &cutoff, AfterID: after, Limit: service.pageSize})
		if err != nil {
			return run.abort(ctx, err)
		}
		if len(page) == 0 {
			break
		}
		for _, trx := range page {
			trxID := trx.ID
			after = trxID
			guarded := trx.Type == TrxPrint && !trx.CreatedAt.Before(printCutoff)
			err := run.row(ctx, strconv.FormatInt(trxID, 10), func(ctx context.Context, txStore Store) error {
				if guarded {
					return errSkipRow
				}
				deleted, err := txStore.DeleteTransactions(ctx, []int64{trxID})
				if err != nil {
					return err
				}
				if deleted == 0 {
					return errSkipRow
				}
				return nil
			})
			if err != nil {
				return run.abort(ctx, err)
			}
		}
	}
	return run.finish(ctx)
}

// DeleteAccount soft-deletes an account together with every account below it
// in the parent tree. It returns the number of accounts marked deleted.
func (service *Service) DeleteAccount(ctx context.Context, accountID AccountID) (int, error) {
	release, err := service.gate.Shared(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	var deleted int
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		tree, err := collectAccountTree(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		unlock := service.locker.Lock(tree...)
		defer unlock()
		accounts, err := transactionStore.LockAccounts(ctx, tree...)
		if err != nil {
			return err
		}
		now := service.now().UTC()
		for _, account := range accounts {
			if account.Deleted {
				continue
			}
			account.Deleted = true
			account.UpdatedAt = now
			if err := transactionStore.UpdateAccount(ctx, account); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationDeleteAccount, AccountID: accountID, Error: operationError})
	return deleted, operationError
}

// EraseAccountComments blanks the comments of every transaction of an account.
func (service *Service) EraseAccountComments(ctx context.Context, accountID AccountID) (int, error) {
	var scrubbed int
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.FindAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		scrubbed, err = transactionStore.ScrubTransactionComments(ctx, accountID)
		return err
	})
	service.logOperation(ctx, OperationLog{Operation: operationEraseComments, AccountID: accountID, Error: operationError})
	return scrubbed, operationError
}

func collectAccountTree(ctx context.Context, store Store, root AccountID) ([]AccountID, error) {
	if _, err := store.FindAccount(ctx, root); err != nil {
		return nil, err
	}
	tree := []AccountID{root}
	visited := map[AccountID]struct{}{root: {}}
	for index := 0; index < len(tree); index++ {
		children, err := store.ListChildAccounts(ctx, tree[index])
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			tree = append(tree, child.ID)
		}
	}
	return tree, nil
}
