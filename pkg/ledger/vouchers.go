package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
)

const (
	maxVoucherBatchSize = 10000
	cardSuffixLength    = 12
)

// VoucherBatchRequest describes a batch of identical vouchers.
type VoucherBatchRequest struct {
	BatchID   string
	Count     int
	Value     PositiveAmount
	ExpiresAt time.Time
}

// RedeemVoucher credits the voucher value to an account and marks the voucher
// redeemed in one unit of work. Unknown, redeemed and expired (ExpiresAt before asOf)
// cards fail with a VoucherError.
func (service *Service) RedeemVoucher(ctx context.Context, cardNumber string, accountID AccountID, asOf time.Time) (AccountTrx, error) {
	card := normalizeCardNumber(cardNumber)
	trx, err := service.redeemVoucher(ctx, card, accountID, asOf)
	service.logOperation(ctx, OperationLog{
		Operation:      operationRedeemVoucher,
		AccountID:      accountID,
		Amount:         trx.Amount,
		TrxType:        TrxVoucherRedeem,
		IdempotencyKey: trx.IdempotencyKey,
		Error:          err,
	})
	return trx, err
}

func (service *Service) redeemVoucher(ctx context.Context, card string, accountID AccountID, asOf time.Time) (AccountTrx, error) {
	if card == "" {
		return AccountTrx{}, VoucherError{CardNumber: card, Reason: VoucherReasonUnknown}
	}
	if accountID.IsZero() {
		return AccountTrx{}, fmt.Errorf("%w: missing account", ErrInvalidAccountID)
	}
	release, err := service.gate.Shared(ctx)
	if err != nil {
		return AccountTrx{}, err
	}
	defer release()
	unlock := service.locker.Lock(accountID)
	defer unlock()

	var trx AccountTrx
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		voucher, err := transactionStore.LockVoucher(ctx, card)
		if errors.Is(err, ErrUnknownVoucher) {
			return VoucherError{CardNumber: card, Reason: VoucherReasonUnknown}
		}
		if err != nil {
			return err
		}
		if voucher.RedeemedAt != nil {
			return VoucherError{CardNumber: card, Reason: VoucherReasonRedeemed}
		}
		if voucher.ExpiresAt.Before(asOf) {
			return VoucherError{CardNumber: card, Reason: VoucherReasonExpired}
		}
		accounts, err := transactionStore.LockAccounts(ctx, accountID)
		if err != nil {
			return err
		}
		account := accounts[0]
		if err := checkUsable(account); err != nil {
			return WrapError(operationRedeemVoucher, "account", ReasonCode(err), err)
		}
		trx, err = service.post(ctx, transactionStore, &account, voucher.Value, AccountTrx{
			Type:           TrxVoucherRedeem,
			ExtID:          card,
			IdempotencyKey: idempotencyPrefixVoucher + idempotencyKeyDelimiter + card,
		})
		if err != nil {
			return err
		}
		return transactionStore.MarkVoucherRedeemed(ctx, card, accountID, service.now().UTC())
	})
	if operationError != nil {
		return AccountTrx{}, operationError
	}
	return trx, nil
}

// CreateVoucherBatch issues Count vouchers with generated card numbers.
func (service *Service) CreateVoucherBatch(ctx context.Context, request VoucherBatchRequest) ([]Voucher, error) {
	vouchers, err := service.createVoucherBatch(ctx, request)
	service.logOperation(ctx, OperationLog{Operation: operationVoucherBatch, Amount: request.Value.Decimal(), Error: err})
	return vouchers, err
}

func (service *Service) createVoucherBatch(ctx context.Context, request VoucherBatchRequest) ([]Voucher, error) {
	batchID := strings.ToUpper(strings.TrimSpace(request.BatchID))
	if batchID == "" {
		return nil, fmt.Errorf("%w: empty batch id", ErrInvalidVoucherBatch)
	}
	if request.Count < 1 || request.Count > maxVoucherBatchSize {
		return nil, fmt.Errorf("%w: count must be within [1, %d]", ErrInvalidVoucherBatch, maxVoucherBatchSize)
	}
	if !request.Value.Decimal().IsPositive() {
		return nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	now := service.now().UTC()
	if !request.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidVoucherBatch)
	}
	vouchers := make([]Voucher, 0, request.Count)
	seen := make(map[string]struct{}, request.Count)
	for attempt := 0; len(vouchers) < request.Count; attempt++ {
		if attempt >= request.Count*4 {
			return nil, fmt.Errorf("%w: card number generator keeps colliding", ErrInvalidVoucherBatch)
		}
		card := batchID + "-" + cardSuffix(service.newID())
		if _, duplicate := seen[card]; duplicate {
			continue
		}
		seen[card] = struct{}{}
		vouchers = append(vouchers, Voucher{
			CardNumber: card,
			Value:      request.Value.Decimal(),
			BatchID:    batchID,
			ExpiresAt:  request.ExpiresAt.UTC(),
			CreatedAt:  now,
		})
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.InsertVouchers(ctx, vouchers)
	})
	if operationError != nil {
		return nil, operationError
	}
	return vouchers, nil
}

// DeleteVoucherBatch removes the unredeemed vouchers of a batch. Redeemed vouchers stay
// as the audit trail of their transactions.
func (service *Service) DeleteVoucherBatch(ctx context.Context, batchID string) (int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(batchID))
	if normalized == "" {
		return 0, fmt.Errorf("%w: empty batch id", ErrInvalidVoucherBatch)
	}
	var deleted int
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		vouchers, err := transactionStore.ListVouchers(ctx, VoucherFilter{BatchID: normalized, UnredeemedOnly: true})
		if err != nil {
			return err
		}
		cards := make([]string, 0, len(vouchers))
		for _, voucher := range vouchers {
			cards = append(cards, voucher.CardNumber)
		}
		deleted, err = transactionStore.DeleteVouchers(ctx, cards)
		return err
	})
	service.logOperation(ctx, OperationLog{Operation: operationVoucherBatch, Error: operationError})
	return deleted, operationError
}

// ListVouchers returns vouchers matching filter ordered by card number.
func (service *Service) ListVouchers(ctx context.Context, filter VoucherFilter) ([]Voucher, error) {
	if filter.Limit <= 0 || filter.Limit > service.pageSize {
		filter.Limit = service.pageSize
	}
	return service.store.ListVouchers(ctx, filter)
}

// SweepExpiredVouchers deletes unredeemed vouchers that expired before asOf,
// one committer increment per voucher.
func (service *Service) SweepExpiredVouchers(ctx context.Context, asOf time.Time, committer *batch.Committer[BulkSession]) (SweepReport, error) {
	run, err := service.startBulk(ctx, operationVoucherSweep, committer)
	if err != nil {
		return SweepReport{}, err
	}
	cutoff := asOf.UTC()
	after := ""
	for {
		if ctx.Err() != nil {
			return run.interrupt(ctx)
		}
		session, err := run.session()
		if err != nil {
			return run.abort(ctx, err)
		}
		page, err := session.ListVouchers(ctx, VoucherFilter{
			ExpiredBefore:   &cutoff,
			UnredeemedOnly:  true,
			AfterCardNumber: after,
			Limit:           service.pageSize,
		})
		if err != nil {
			return run.abort(ctx, err)
		}
		if len(page) == 0 {
			break
		}
		for _, voucher := range page {
			card := voucher.CardNumber
			after = card
			err := run.row(ctx, card, func(ctx context.Context, txStore Store) error {
				deleted, err := txStore.DeleteVouchers(ctx, []string{card})
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

func normalizeCardNumber(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func cardSuffix(id string) string {
	compact := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(compact) > cardSuffixLength {
		return compact[:cardSuffixLength]
	}
	return compact
}
