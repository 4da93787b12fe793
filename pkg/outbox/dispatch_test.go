package outbox

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

func TestDispatchTicketCompletesAndCharges(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	ticket := fixture.ticket(test, "alice", "1.00")

	job, err := fixture.service.DispatchTicket(context.Background(), ticket.TicketNumber, nil)
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	if job.State != StateCompleted || job.CompletedAt == nil || job.RedirectPrinter != "lobby-1" {
		test.Fatalf("unexpected job %+v", job)
	}
	if !reflect.DeepEqual(job.DispatchJobIDs, []string{"ipp-1", "ipp-2"}) {
		test.Fatalf("expected both chunk ids, got %v", job.DispatchJobIDs)
	}
	if len(fixture.dispatcher.chunks) != 2 {
		test.Fatalf("expected two chunks, got %d", len(fixture.dispatcher.chunks))
	}
	if !fixture.dispatcher.chunks[0].Cost.Equal(decimal.RequireFromString("0.75")) || !fixture.dispatcher.chunks[1].Cost.Equal(decimal.RequireFromString("0.25")) {
		test.Fatalf("unexpected chunk costs %s %s", fixture.dispatcher.chunks[0].Cost, fixture.dispatcher.chunks[1].Cost)
	}
	if fixture.dispatcher.chunks[1].Options[OptionMedia] != "na_letter_8.5x11in" {
		test.Fatalf("expected letter override on the second chunk, got %v", fixture.dispatcher.chunks[1].Options)
	}
	if !fixture.ledger.balance(ticket.AccountID).Equal(decimal.NewFromInt(-1)) {
		test.Fatalf("expected one charge, got balance %s", fixture.ledger.balance(ticket.AccountID))
	}
	if len(fixture.notifier.completed) != 1 {
		test.Fatalf("expected completion notification")
	}
	if stored := fixture.store.job(test, ticket.ID); stored.State != StateCompleted {
		test.Fatalf("expected stored job COMPLETED, got %s", stored.State)
	}
}

func TestDispatchTicketRejectionRevertsToPending(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.dispatcher.results = []DispatchResult{{Accepted: true, JobID: "ipp-1"}, {Accepted: false, Reason: "paper jam"}}
	ticket := fixture.ticket(test, "alice", "1")

	job, err := fixture.service.DispatchTicket(context.Background(), ticket.TicketNumber, nil)
	if !errors.Is(err, ErrDispatchRejected) || ReasonCode(err) != "dispatch_rejected" {
		test.Fatalf("expected dispatch_rejected, got %v", err)
	}
	if job.State != StatePending || job.Attempts != 1 || !reflect.DeepEqual(job.DispatchJobIDs, []string{"ipp-1"}) {
		test.Fatalf("unexpected reverted job %+v", job)
	}
	if fixture.ledger.chargeCall != 0 {
		test.Fatalf("expected no charge on rejection")
	}

	retried, err := fixture.service.DispatchTicket(context.Background(), ticket.TicketNumber, nil)
	if err != nil {
		test.Fatalf("redispatch: %v", err)
	}
	if retried.State != StateCompleted || retried.Attempts != 1 || !reflect.DeepEqual(retried.DispatchJobIDs, []string{"ipp-3", "ipp-4"}) {
		test.Fatalf("unexpected redispatched job %+v", retried)
	}
}

func TestSettleCompletesTicketRevertedByDispatch(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.dispatcher.errs = []error{errors.New("printer offline")}
	ticket := fixture.ticket(test, "alice", "1")
	reverted, err := fixture.service.DispatchTicket(context.Background(), ticket.TicketNumber, nil)
	if err == nil || reverted.State != StatePending {
		test.Fatalf("expected a reverted ticket, got %+v (%v)", reverted, err)
	}

	settled, err := fixture.service.Settle(context.Background(), ticket.TicketNumber, "lobby-2", "op")
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if settled.State != StateCompleted || settled.CompletedAt == nil || settled.RedirectPrinter != "lobby-2" {
		test.Fatalf("unexpected settled ticket %+v", settled)
	}
	if fixture.ledger.chargeCall != 1 {
		test.Fatalf("expected one charge, got %d", fixture.ledger.chargeCall)
	}
	if _, err := fixture.service.Settle(context.Background(), ticket.TicketNumber, "lobby-2", "op"); !errors.Is(err, ErrTicketNotFound) {
		test.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestSettleRejectsPlainPendingJob(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	job := fixture.enqueue(test, "alice", "1", time.Hour)
	stored := fixture.store.job(test, job.ID)
	if err := settleTransition(&stored); !errors.Is(err, ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDispatchTicketTransportErrorRevertsToPending(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	errOffline := errors.New("printer offline")
	fixture.dispatcher.errs = []error{errOffline}
	ticket := fixture.ticket(test, "alice", "1")

	job, err := fixture.service.DispatchTicket(context.Background(), ticket.TicketNumber, nil)
	if !errors.Is(err, errOffline) {
		test.Fatalf("expected transport error, got %v", err)
	}
	if job.State != StatePending || job.Attempts != 1 || len(job.DispatchJobIDs) != 0 {
		test.Fatalf("unexpected reverted job %+v", job)
	}
	var logged bool
	for _, entry := range fixture.logger.entries {
		if entry.Operation == operationDispatch && entry.Status == operationStatusError && entry.TicketNumber == ticket.TicketNumber {
			logged = true
		}
	}
	if !logged {
		test.Fatalf("expected failed dispatch to be logged")
	}
}

func TestDispatchTicketChargeFailureLeavesTicketPrinting(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	ticket := fixture.ticket(test, "alice", "1")
	fixture.ledger.chargeErr = ledger.ErrInsufficientCredit

	job, err := fixture.service.DispatchTicket(context.Background(), ticket.TicketNumber, nil)
	if !errors.Is(err, ledger.ErrInsufficientCredit) {
		test.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
	if job.State != StatePrinting || len(job.DispatchJobIDs) != 2 {
		test.Fatalf("expected PRINTING with dispatch ids, got %+v", job)
	}
	if len(fixture.notifier.completed) != 0 {
		test.Fatalf("expected no completion notification")
	}

	fixture.ledger.chargeErr = nil
	settled, err := fixture.service.Settle(context.Background(), ticket.TicketNumber, job.RedirectPrinter, "operator-2")
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if settled.State != StateCompleted || !reflect.DeepEqual(settled.DispatchJobIDs, []string{"ipp-1", "ipp-2"}) {
		test.Fatalf("unexpected settled job %+v", settled)
	}
	if !fixture.ledger.balance(ticket.AccountID).Equal(decimal.NewFromInt(-1)) {
		test.Fatalf("expected exactly one debit, got %s", fixture.ledger.balance(ticket.AccountID))
	}
}

func TestDispatchTicketRequiresDispatcherAndPrinter(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, WithDispatcher(nil))
	ticket := fixture.ticket(test, "alice", "1")
	if _, err := fixture.service.DispatchTicket(context.Background(), ticket.TicketNumber, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}

	other := newFixture(test)
	otherTicket := other.ticket(test, "alice", "1")
	_, err := other.service.DispatchTicket(context.Background(), otherTicket.TicketNumber, map[string]string{"finishings": "staple"})
	if !errors.Is(err, ErrNoPrinterFound) {
		test.Fatalf("expected ErrNoPrinterFound, got %v", err)
	}
	if stored := other.store.job(test, otherTicket.ID); stored.State != StateTicketed {
		test.Fatalf("expected ticket untouched, got %s", stored.State)
	}
}
