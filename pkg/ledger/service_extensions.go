package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// AccountShare is one account's weight in a delegated print charge.
type AccountShare struct {
	AccountID AccountID
	Weight    int64
}

// ChargeSharesRequest splits one document's cost across several accounts.
type ChargeSharesRequest struct {
	Shares         []AccountShare
	Total          PositiveAmount
	Type           TrxType
	DocumentRef    string
	IdempotencyKey IdempotencyKey
	Comment        string
}

// GatewayPayment is a payment reported by an external gateway before it settles.
type GatewayPayment struct {
	AccountID  AccountID
	Amount     PositiveAmount
	ExtID      string
	ExtAddress string
	Comment    string
}

// ChargeShares charges every share in one unit of work. Amounts come from
// WeightedAmounts, so the charged amounts sum to Total. Shares rounding to zero
// are skipped. Each account is keyed by "<key>:<account id>" and replays like Charge.
func (service *Service) ChargeShares(ctx context.Context, request ChargeSharesRequest) ([]ChargeResult, error) {
	results, err := service.chargeShares(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:      operationChargeShares,
		Amount:         request.Total.Decimal(),
		TrxType:        request.Type,
		IdempotencyKey: request.IdempotencyKey.String(),
		DocumentRef:    request.DocumentRef,
		Error:          err,
	})
	return results, err
}

func (service *Service) chargeShares(ctx context.Context, request ChargeSharesRequest) ([]ChargeResult, error) {
	if len(request.Shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrInvalidWeight)
	}
	weights := make([]int64, 0, len(request.Shares))
	accountIDs := make([]AccountID, 0, len(request.Shares))
	seen := make(map[AccountID]struct{}, len(request.Shares))
	for _, share := range request.Shares {
		if _, duplicate := seen[share.AccountID]; duplicate {
			return nil, fmt.Errorf("%w: account %s listed twice", ErrInvalidAccountID, share.AccountID)
		}
		seen[share.AccountID] = struct{}{}
		weights = append(weights, share.Weight)
		accountIDs = append(accountIDs, share.AccountID)
	}
	amounts, err := WeightedAmounts(request.Total.Decimal(), weights, MoneyScale)
	if err != nil {
		return nil, err
	}
	requests := make([]ChargeRequest, 0, len(request.Shares))
	for index, share := range request.Shares {
		if !amounts[index].IsPositive() {
			continue
		}
		amount, err := NewPositiveAmount(amounts[index])
		if err != nil {
			return nil, err
		}
		key, err := NewIdempotencyKey(deriveKey(request.IdempotencyKey.String(), share.AccountID.String()))
		if err != nil {
			return nil, err
		}
		shareRequest := ChargeRequest{
			AccountID:      share.AccountID,
			Amount:         amount,
			Type:           request.Type,
			DocumentRef:    request.DocumentRef,
			IdempotencyKey: key,
			Comment:        request.Comment,
		}
		if err := validateChargeRequest(shareRequest); err != nil {
			return nil, err
		}
		requests = append(requests, shareRequest)
	}

	release, err := service.gate.Shared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	unlock := service.locker.Lock(accountIDs...)
	defer unlock()

	var results []ChargeResult
	var refused []Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		results = make([]ChargeResult, 0, len(requests))
		refused = nil
		accounts, err := transactionStore.LockAccounts(ctx, accountIDs...)
		if err != nil {
			return err
		}
		for _, shareRequest := range requests {
			existing, err := transactionStore.FindTransactionByKey(ctx, shareRequest.IdempotencyKey.String())
			if err == nil {
				var replayed ChargeResult
				if err := replayCharge(existing, shareRequest, &replayed); err != nil {
					return err
				}
				results = append(results, replayed)
				continue
			}
			if !errors.Is(err, ErrUnknownTransaction) {
				return err
			}
			account := pickAccount(accounts, shareRequest.AccountID)
			if err := service.checkDebit(operationChargeShares, account, shareRequest.Amount.Decimal(), true); err != nil {
				if errors.Is(err, ErrInsufficientCredit) {
					refused = append(refused, account)
				}
				return err
			}
			trx, err := service.post(ctx, transactionStore, &account, shareRequest.Amount.Decimal().Neg(), AccountTrx{
				Type:           shareRequest.Type,
				Comment:        shareRequest.Comment,
				DocumentRef:    shareRequest.DocumentRef,
				IdempotencyKey: shareRequest.IdempotencyKey.String(),
			})
			if err != nil {
				return err
			}
			results = append(results, ChargeResult{Transaction: trx})
		}
		return nil
	})
	for index := range refused {
		service.notifyCreditLimit(ctx, refused[index], request.Total.Decimal())
	}
	if operationError != nil {
		return nil, operationError
	}
	return results, nil
}

// RegisterGatewayPayment records a GATEWAY_PENDING row for an external payment.
// Pending rows carry the announced amount but leave the balance untouched.
func (service *Service) RegisterGatewayPayment(ctx context.Context, payment GatewayPayment) (AccountTrx, error) {
	trx, err := service.registerGatewayPayment(ctx, payment)
	service.logOperation(ctx, OperationLog{
		Operation:      operationGatewayPending,
		AccountID:      payment.AccountID,
		Amount:         payment.Amount.Decimal(),
		TrxType:        TrxGatewayPending,
		IdempotencyKey: trx.IdempotencyKey,
		Error:          err,
	})
	return trx, err
}

func (service *Service) registerGatewayPayment(ctx context.Context, payment GatewayPayment) (AccountTrx, error) {
	if payment.ExtID == "" {
		return AccountTrx{}, fmt.Errorf("%w: gateway payments need an external id", ErrInvalidIdempotencyKey)
	}
	if !payment.Amount.Decimal().IsPositive() {
		return AccountTrx{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	key := gatewayKey(payment.ExtID, idempotencySuffixPending)
	var trx AccountTrx
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindTransactionByKey(ctx, key)
		if err == nil {
			trx = existing
			return nil
		}
		if !errors.Is(err, ErrUnknownTransaction) {
			return err
		}
		account, err := transactionStore.FindAccount(ctx, payment.AccountID)
		if err != nil {
			return err
		}
		if err := checkUsable(account); err != nil {
			return WrapError(operationGatewayPending, "account", ReasonCode(err), err)
		}
		currency, err := transactionStore.CurrencyCode(ctx)
		if err != nil {
			return err
		}
		trx, err = transactionStore.InsertTransaction(ctx, AccountTrx{
			AccountID:      account.ID,
			Amount:         payment.Amount.Decimal(),
			BalanceAfter:   account.Balance,
			Type:           TrxGatewayPending,
			Comment:        payment.Comment,
			ExtID:          payment.ExtID,
			ExtAddress:     payment.ExtAddress,
			IdempotencyKey: key,
			CurrencyCode:   currency,
			CreatedAt:      service.now().UTC(),
		})
		return err
	})
	if operationError != nil {
		return AccountTrx{}, operationError
	}
	return trx, nil
}

// AcceptGatewayPayment credits a previously registered payment as GATEWAY_ACCEPTED.
// Accepting twice returns the first acceptance.
func (service *Service) AcceptGatewayPayment(ctx context.Context, extID string) (AccountTrx, error) {
	pending, err := service.store.FindTransactionByKey(ctx, gatewayKey(extID, idempotencySuffixPending))
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationGatewayAccepted, Error: err})
		return AccountTrx{}, WrapError(operationGatewayAccepted, "payment", "unknown_payment", err)
	}
	amount, err := NewPositiveAmount(pending.Amount)
	if err != nil {
		return AccountTrx{}, err
	}
	key, err := NewIdempotencyKey(gatewayKey(extID, idempotencySuffixAccept))
	if err != nil {
		return AccountTrx{}, err
	}
	return service.Credit(ctx, CreditRequest{
		AccountID:      pending.AccountID,
		Amount:         amount,
		Type:           TrxGatewayAccepted,
		Comment:        pending.Comment,
		ExtID:          pending.ExtID,
		ExtAddress:     pending.ExtAddress,
		IdempotencyKey: key,
	})
}

// Balance returns the current balance and the lowest balance the account may reach.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (decimal.Decimal, decimal.Decimal, error) {
	account, err := service.store.FindAccount(ctx, accountID)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return account.Balance, account.Floor(service.globalOverdraft), nil
}

func gatewayKey(extID string, suffix string) string {
	return idempotencyPrefixGateway + idempotencyKeyDelimiter + extID + idempotencyKeyDelimiter + suffix
}
