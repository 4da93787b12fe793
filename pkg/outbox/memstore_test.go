package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

var fixedNow = time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC) // a Friday

type memoryStore struct {
	mutex    *sync.Mutex
	jobs     map[string]Job
	inTx     bool
	parent   *memoryStore
	failures map[string]error
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{mutex: &sync.Mutex{}, jobs: make(map[string]Job), failures: make(map[string]error)}
}

func cloneJobs(jobs map[string]Job) map[string]Job {
	cloned := make(map[string]Job, len(jobs))
	for id, job := range jobs {
		cloned[id] = job
	}
	return cloned
}

func (store *memoryStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *memoryStore) fail(method string) error {
	return store.failures[method]
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	unlock := store.guard()
	defer unlock()
	draft := &memoryStore{mutex: store.mutex, jobs: cloneJobs(store.jobs), inTx: true, failures: store.failures}
	if err := fn(ctx, draft); err != nil {
		return err
	}
	store.jobs = draft.jobs
	return nil
}

func (store *memoryStore) begin(context.Context) (BulkSession, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return &memoryStore{mutex: &sync.Mutex{}, jobs: cloneJobs(store.jobs), parent: store, failures: store.failures}, nil
}

func (store *memoryStore) Commit(context.Context) error {
	if err := store.fail("Commit"); err != nil {
		return err
	}
	store.parent.mutex.Lock()
	defer store.parent.mutex.Unlock()
	store.parent.jobs = cloneJobs(store.jobs)
	return nil
}

func (store *memoryStore) Rollback(context.Context) error {
	return nil
}

func (store *memoryStore) InsertJob(_ context.Context, job Job) error {
	unlock := store.guard()
	defer unlock()
	if err := store.fail("InsertJob"); err != nil {
		return err
	}
	if _, exists := store.jobs[job.ID]; exists {
		return fmt.Errorf("job %s exists", job.ID)
	}
	store.jobs[job.ID] = job
	return nil
}

func (store *memoryStore) FindJob(_ context.Context, jobID string) (Job, error) {
	unlock := store.guard()
	defer unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return job, nil
}

func (store *memoryStore) LockJob(ctx context.Context, jobID string) (Job, error) {
	if err := store.fail("LockJob"); err != nil {
		return Job{}, err
	}
	return store.FindJob(ctx, jobID)
}

func (store *memoryStore) FindTicket(_ context.Context, ticketNumber string) (Job, error) {
	unlock := store.guard()
	defer unlock()
	for _, job := range store.jobs {
		if job.TicketNumber != "" && job.TicketNumber == ticketNumber {
			return job, nil
		}
	}
	return Job{}, ErrTicketNotFound
}

func (store *memoryStore) LockTicket(ctx context.Context, ticketNumber string) (Job, error) {
	return store.FindTicket(ctx, ticketNumber)
}

func (store *memoryStore) TicketExists(ctx context.Context, ticketNumber string) (bool, error) {
	_, err := store.FindTicket(ctx, ticketNumber)
	if errors.Is(err, ErrTicketNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (store *memoryStore) UpdateJob(_ context.Context, job Job) error {
	unlock := store.guard()
	defer unlock()
	if err := store.fail("UpdateJob"); err != nil {
		return err
	}
	if _, ok := store.jobs[job.ID]; !ok {
		return ErrUnknownJob
	}
	for id, other := range store.jobs {
		if id != job.ID && job.TicketNumber != "" && other.TicketNumber == job.TicketNumber {
			return ErrDuplicateTicket
		}
	}
	store.jobs[job.ID] = job
	return nil
}

func (store *memoryStore) DeleteJob(_ context.Context, jobID string) (bool, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.fail("DeleteJob"); err != nil {
		return false, err
	}
	if _, ok := store.jobs[jobID]; !ok {
		return false, nil
	}
	delete(store.jobs, jobID)
	return true, nil
}

func (store *memoryStore) ListJobs(_ context.Context, filter JobFilter) ([]Job, error) {
	unlock := store.guard()
	defer unlock()
	ids := make([]string, 0, len(store.jobs))
	for id := range store.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var matched []Job
	for _, id := range ids {
		job := store.jobs[id]
		if id <= filter.AfterID {
			continue
		}
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, job.State) {
			continue
		}
		if filter.TicketedOnly && job.TicketNumber == "" {
			continue
		}
		if filter.ExpiredBefore != nil && !job.ExpiresAt.Before(*filter.ExpiredBefore) {
			continue
		}
		matched = append(matched, job)
		if filter.Limit > 0 && len(matched) == filter.Limit {
			break
		}
	}
	return matched, nil
}

func (store *memoryStore) ListPendingUsers(_ context.Context, expiredBefore time.Time, afterUserID string, limit int) ([]string, error) {
	unlock := store.guard()
	defer unlock()
	seen := make(map[string]struct{})
	for _, job := range store.jobs {
		if job.State == StatePending && job.ExpiresAt.Before(expiredBefore) && job.UserID > afterUserID {
			seen[job.UserID] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Strings(users)
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (store *memoryStore) committer(test *testing.T, threshold int) *batch.Committer[BulkSession] {
	test.Helper()
	committer, err := batch.NewCommitter[BulkSession](store.begin, batch.WithThreshold(threshold))
	if err != nil {
		test.Fatalf("committer: %v", err)
	}
	return committer
}

func (store *memoryStore) job(test *testing.T, jobID string) Job {
	test.Helper()
	job, err := store.FindJob(context.Background(), jobID)
	if err != nil {
		test.Fatalf("find job %s: %v", jobID, err)
	}
	return job
}

func containsState(states []JobState, candidate JobState) bool {
	for _, state := range states {
		if state == candidate {
			return true
		}
	}
	return false
}

type fakeLedger struct {
	mutex      sync.Mutex
	balances   map[ledger.AccountID]decimal.Decimal
	accounts   map[string]ledger.AccountID
	charges    map[string]ledger.ChargeRequest
	chargeErr  error
	creditErr  error
	chargeCall int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[ledger.AccountID]decimal.Decimal),
		accounts: make(map[string]ledger.AccountID),
		charges:  make(map[string]ledger.ChargeRequest),
	}
}

func (fake *fakeLedger) LazyGetOrCreateAccount(_ context.Context, ownerKey string, accountType ledger.AccountType, _ ledger.AccountTemplate) (ledger.Account, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	key := string(accountType) + "/" + ownerKey
	accountID, ok := fake.accounts[key]
	if !ok {
		accountID, _ = ledger.NewAccountID(int64(len(fake.accounts) + 1))
		fake.accounts[key] = accountID
		fake.balances[accountID] = decimal.Zero
	}
	return ledger.Account{ID: accountID, Name: ownerKey, Type: accountType, Balance: fake.balances[accountID]}, nil
}

func (fake *fakeLedger) CheckCredit(_ context.Context, accountID ledger.AccountID, amount ledger.PositiveAmount) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if fake.creditErr != nil {
		return fake.creditErr
	}
	if fake.balances[accountID].LessThan(amount.Decimal()) {
		return ledger.ErrInsufficientCredit
	}
	return nil
}

func (fake *fakeLedger) Charge(_ context.Context, request ledger.ChargeRequest) (ledger.ChargeResult, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.chargeCall++
	if fake.chargeErr != nil {
		return ledger.ChargeResult{}, fake.chargeErr
	}
	if _, replay := fake.charges[request.IdempotencyKey.String()]; replay {
		return ledger.ChargeResult{Replayed: true}, nil
	}
	fake.charges[request.IdempotencyKey.String()] = request
	fake.balances[request.AccountID] = fake.balances[request.AccountID].Sub(request.Amount.Decimal())
	return ledger.ChargeResult{}, nil
}

func (fake *fakeLedger) deposit(accountID ledger.AccountID, amount string) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.balances[accountID] = fake.balances[accountID].Add(decimal.RequireFromString(amount))
}

func (fake *fakeLedger) balance(accountID ledger.AccountID) decimal.Decimal {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.balances[accountID]
}

type counterSequence struct {
	mutex    sync.Mutex
	counters map[string]int64
	err      error
}

func (sequence *counterSequence) Next(_ context.Context, name string) (int64, error) {
	sequence.mutex.Lock()
	defer sequence.mutex.Unlock()
	if sequence.err != nil {
		return 0, sequence.err
	}
	if sequence.counters == nil {
		sequence.counters = make(map[string]int64)
	}
	sequence.counters[name]++
	return sequence.counters[name], nil
}

type staticDirectory []Printer

func (directory staticDirectory) Printers(context.Context) ([]Printer, error) {
	return directory, nil
}

type scriptedDispatcher struct {
	mutex   sync.Mutex
	results []DispatchResult
	errs    []error
	chunks  []Chunk
}

func (dispatcher *scriptedDispatcher) Dispatch(_ context.Context, _ Job, chunk Chunk, _ Printer) (DispatchResult, error) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	index := len(dispatcher.chunks)
	dispatcher.chunks = append(dispatcher.chunks, chunk)
	if index < len(dispatcher.errs) && dispatcher.errs[index] != nil {
		return DispatchResult{}, dispatcher.errs[index]
	}
	if index < len(dispatcher.results) {
		return dispatcher.results[index], nil
	}
	return DispatchResult{Accepted: true, JobID: fmt.Sprintf("ipp-%d", index+1)}, nil
}

type recordingNotifier struct {
	mutex     sync.Mutex
	completed []string
	canceled  []string
	err       error
}

func (notifier *recordingNotifier) NotifyTicketCompleted(_ context.Context, job Job) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.completed = append(notifier.completed, job.TicketNumber)
	return notifier.err
}

func (notifier *recordingNotifier) NotifyTicketCanceled(_ context.Context, job Job) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.canceled = append(notifier.canceled, job.TicketNumber)
	return notifier.err
}

type previewBook struct {
	mutex    sync.Mutex
	previews map[string]time.Time
}

func (book *previewBook) LastPreview(_ context.Context, userID string) (time.Time, error) {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	return book.previews[userID], nil
}

func (book *previewBook) RecordPreview(_ context.Context, userID string, at time.Time) error {
	book.mutex.Lock()
	defer book.mutex.Unlock()
	if book.previews == nil {
		book.previews = make(map[string]time.Time)
	}
	book.previews[userID] = at
	return nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

type queueFixture struct {
	store      *memoryStore
	ledger     *fakeLedger
	sequence   *counterSequence
	dispatcher *scriptedDispatcher
	notifier   *recordingNotifier
	previews   *previewBook
	logger     *recorderLogger
	service    *Service
	ids        int
}

func newFixture(test *testing.T, options ...ServiceOption) *queueFixture {
	test.Helper()
	fixture := &queueFixture{
		store:      newMemoryStore(test),
		ledger:     newFakeLedger(),
		sequence:   &counterSequence{},
		dispatcher: &scriptedDispatcher{},
		notifier:   &recordingNotifier{},
		previews:   &previewBook{},
		logger:     &recorderLogger{},
	}
	base := []ServiceOption{
		WithDispatcher(fixture.dispatcher),
		WithNotifier(fixture.notifier),
		WithPreviewTracker(fixture.previews),
		WithOperationLogger(fixture.logger),
		WithPrinterDirectory(staticDirectory{
			{Name: "lobby-2", DisplayName: "Lobby B", Groups: []string{"lobby"}, Enabled: true, Capabilities: map[string][]string{OptionMedia: {"iso_a4_210x297mm", "na_letter_8.5x11in"}, "sides": {"two-sided-long-edge"}}},
			{Name: "lobby-1", DisplayName: "Lobby A", Groups: []string{"lobby"}, Enabled: true, Capabilities: map[string][]string{OptionMedia: {"iso_a4_210x297mm"}}},
			{Name: "lobby-off", DisplayName: "Aaa Offline", Groups: []string{"lobby"}, Enabled: false, Capabilities: map[string][]string{OptionMedia: {"iso_a4_210x297mm"}}},
			{Name: "office", DisplayName: "Office", Groups: []string{"office"}, Enabled: true, Capabilities: map[string][]string{OptionMedia: {"iso_a3_297x420mm"}}},
		}),
		WithIDGenerator(func() string {
			fixture.ids++
			return fmt.Sprintf("job-%03d", fixture.ids)
		}),
	}
	service, err := NewService(fixture.store, fixture.ledger, fixture.sequence, func() time.Time { return fixedNow }, append(base, options...)...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	fixture.service = service
	return fixture
}

func (fixture *queueFixture) enqueue(test *testing.T, userID string, cost string, expiry time.Duration) Job {
	test.Helper()
	job, err := fixture.service.Enqueue(context.Background(), EnqueueRequest{
		UserID:       userID,
		DocumentRef:  "doc-" + userID,
		PrinterGroup: "lobby",
		Options:      map[string]string{OptionMedia: "iso_a4_210x297mm"},
		Documents: []Document{
			{Ref: "a", Ranges: []PageRange{{First: 1, Last: 3}}},
			{Ref: "b", Ranges: []PageRange{{First: 1, Last: 1, Media: "na_letter_8.5x11in"}}},
		},
		Cost: decimal.RequireFromString(cost),
	}, expiry)
	if err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	return job
}

func (fixture *queueFixture) ticket(test *testing.T, userID string, cost string) Job {
	test.Helper()
	job := fixture.enqueue(test, userID, cost, time.Hour)
	ticket, err := fixture.service.PromoteToTicket(context.Background(), job.ID, fixedNow, "front desk")
	if err != nil {
		test.Fatalf("promote: %v", err)
	}
	return ticket
}
