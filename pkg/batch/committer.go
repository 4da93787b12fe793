package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultThreshold = 1000

// Controller misuse and configuration errors.
var (
	ErrIllegalState  = errors.New("illegal committer state")
	ErrInvalidConfig = errors.New("invalid committer config")
)

// Session is one unit of work opened by a Committer.
type Session interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Opener begins a new unit of work.
type Opener[S Session] func(ctx context.Context) (S, error)

// Stats tallies what a Committer did over its lifetime.
type Stats struct {
	Increments int
	Commits    int
	Rollbacks  int
}

// Option configures a Committer.
type Option func(*settings)

type settings struct {
	threshold int
	test      bool
	clock     func() time.Time
	logger    *zap.Logger
	name      string
}

// WithThreshold sets how many increments make up one committed chunk.
func WithThreshold(threshold int) Option {
	return func(target *settings) {
		target.threshold = threshold
	}
}

// WithTestMode starts the committer in test mode.
func WithTestMode(test bool) Option {
	return func(target *settings) {
		target.test = test
	}
}

// WithClock overrides the wall clock used for elapsed time.
func WithClock(clock func() time.Time) Option {
	return func(target *settings) {
		target.clock = clock
	}
}

// WithLogger logs chunk boundaries.
func WithLogger(logger *zap.Logger) Option {
	return func(target *settings) {
		target.logger = logger
	}
}

// WithName labels log lines emitted by the committer.
func WithName(name string) Option {
	return func(target *settings) {
		target.name = name
	}
}

// Committer bounds the transaction size of a bulk mutation loop.
// Every Increment counts one mutated row; when the count reaches the threshold
// the open session is committed and a fresh one is opened. In test mode each
// would-be commit is a rollback. A Committer is not safe for concurrent use.
type Committer[S Session] struct {
	open       Opener[S]
	threshold  int
	clock      func() time.Time
	logger     *zap.Logger
	name       string
	session    S
	isOpen     bool
	counter    int
	paused     bool
	commitNext bool
	test       bool
	openedAt   time.Time
	stats      Stats
}

// NewCommitter returns a closed Committer.
func NewCommitter[S Session](open Opener[S], options ...Option) (*Committer[S], error) {
	if open == nil {
		return nil, fmt.Errorf("%w: opener is nil", ErrInvalidConfig)
	}
	config := settings{
		threshold: defaultThreshold,
		clock:     time.Now,
		logger:    zap.NewNop(),
		name:      "batch",
	}
	for _, option := range options {
		if option != nil {
			option(&config)
		}
	}
	if config.threshold < 1 {
		return nil, fmt.Errorf("%w: threshold must be positive", ErrInvalidConfig)
	}
	if config.clock == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidConfig)
	}
	if config.logger == nil {
		config.logger = zap.NewNop()
	}
	return &Committer[S]{
		open:      open,
		threshold: config.threshold,
		clock:     config.clock,
		logger:    config.logger,
		name:      config.name,
		test:      config.test,
	}, nil
}

// Open begins a unit of work unless one is already active.
func (committer *Committer[S]) Open(ctx context.Context) error {
	if committer.isOpen {
		return nil
	}
	session, err := committer.open(ctx)
	if err != nil {
		return fmt.Errorf("%s: open: %w", committer.name, err)
	}
	committer.session = session
	committer.isOpen = true
	committer.counter = 0
	committer.commitNext = false
	committer.openedAt = committer.clock()
	return nil
}

// IsOpen reports whether a unit of work is active.
func (committer *Committer[S]) IsOpen() bool {
	return committer.isOpen
}

// Session returns the active unit of work. The session changes after every
// chunk boundary, so callers fetch it again after Increment.
func (committer *Committer[S]) Session() (S, error) {
	if !committer.isOpen {
		var zero S
		return zero, fmt.Errorf("%w: session requested on closed committer", ErrIllegalState)
	}
	return committer.session, nil
}

// Increment counts one item and crosses a chunk boundary when due.
// It reports whether a boundary was crossed.
func (committer *Committer[S]) Increment(ctx context.Context) (bool, error) {
	if !committer.isOpen {
		return false, fmt.Errorf("%w: increment on closed committer", ErrIllegalState)
	}
	committer.counter++
	committer.stats.Increments++
	if !committer.commitNext && (committer.paused || committer.counter < committer.threshold) {
		return false, nil
	}
	if err := committer.cycle(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Commit ends the current chunk now and opens the next one.
func (committer *Committer[S]) Commit(ctx context.Context) error {
	if !committer.isOpen {
		return fmt.Errorf("%w: commit on closed committer", ErrIllegalState)
	}
	return committer.cycle(ctx)
}

// Pause suspends threshold commits; increments keep accumulating.
func (committer *Committer[S]) Pause() {
	committer.paused = true
}

// Resume re-enables threshold commits.
func (committer *Committer[S]) Resume() {
	committer.paused = false
}

// IsPaused reports whether threshold commits are suspended.
func (committer *Committer[S]) IsPaused() bool {
	return committer.paused
}

// CommitAtNextIncrement forces a chunk boundary on the next Increment, paused or not.
func (committer *Committer[S]) CommitAtNextIncrement() {
	committer.commitNext = true
}

// SetTest switches every later commit into a rollback.
func (committer *Committer[S]) SetTest(test bool) {
	committer.test = test
}

// IsTest reports whether commits are rolled back.
func (committer *Committer[S]) IsTest() bool {
	return committer.test
}

// Counter returns the increments accumulated in the current chunk.
func (committer *Committer[S]) Counter() int {
	return committer.counter
}

// Stats returns lifetime tallies.
func (committer *Committer[S]) Stats() Stats {
	return committer.stats
}

// Close ends the final chunk and returns the time since Open.
func (committer *Committer[S]) Close(ctx context.Context) (time.Duration, error) {
	if !committer.isOpen {
		return 0, fmt.Errorf("%w: close on closed committer", ErrIllegalState)
	}
	err := committer.end(ctx)
	committer.isOpen = false
	committer.counter = 0
	committer.commitNext = false
	return committer.clock().Sub(committer.openedAt), err
}

// Rollback discards the current chunk and closes the committer.
func (committer *Committer[S]) Rollback(ctx context.Context) error {
	if !committer.isOpen {
		return fmt.Errorf("%w: rollback on closed committer", ErrIllegalState)
	}
	committer.isOpen = false
	committer.counter = 0
	committer.stats.Rollbacks++
	if err := committer.session.Rollback(ctx); err != nil {
		return fmt.Errorf("%s: rollback: %w", committer.name, err)
	}
	return nil
}

func (committer *Committer[S]) cycle(ctx context.Context) error {
	if err := committer.end(ctx); err != nil {
		committer.isOpen = false
		return err
	}
	session, err := committer.open(ctx)
	if err != nil {
		committer.isOpen = false
		return fmt.Errorf("%s: reopen: %w", committer.name, err)
	}
	committer.session = session
	committer.counter = 0
	committer.commitNext = false
	return nil
}

func (committer *Committer[S]) end(ctx context.Context) error {
	items := committer.counter
	if committer.test {
		committer.stats.Rollbacks++
		if err := committer.session.Rollback(ctx); err != nil {
			return fmt.Errorf("%s: test rollback: %w", committer.name, err)
		}
		committer.logger.Debug("chunk rolled back (test mode)", zap.String("committer", committer.name), zap.Int("items", items))
		return nil
	}
	if err := committer.session.Commit(ctx); err != nil {
		_ = committer.session.Rollback(ctx)
		committer.logger.Error("chunk commit failed", zap.String("committer", committer.name), zap.Int("items", items), zap.Error(err))
		return fmt.Errorf("%s: commit: %w", committer.name, err)
	}
	committer.stats.Commits++
	committer.logger.Debug("chunk committed", zap.String("committer", committer.name), zap.Int("items", items))
	return nil
}
