// Package loader fills the fast-path store from the relational mirror before
// the node takes writes.
package loader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
	"github.com/sheikh-saqib/replicated-ledger/internal/storage"
)

// Seeder writes loaded rows into the fast-path store. The state machine is
// the only implementation, keeping it the sole writer of ledger keys.
type Seeder interface {
	Seed(accounts []models.Account, txs []models.Transaction, at time.Time) error
}

type Loader struct {
	mirror interfaces.MirrorStore
	store  fsm.Getter
	seeder Seeder
	force  bool
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Loader)

// WithForce reloads even when the store was initialized before.
func WithForce(force bool) Option { return func(l *Loader) { l.force = force } }

func WithClock(now func() time.Time) Option { return func(l *Loader) { l.now = now } }

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) { l.logger = logger.With().Str("component", "loader").Logger() }
}

func New(mirror interfaces.MirrorStore, store fsm.Getter, seeder Seeder, opts ...Option) *Loader {
	l := &Loader{
		mirror: mirror,
		store:  store,
		seeder: seeder,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Result describes one Load call.
type Result struct {
	Skipped       bool
	Accounts      int
	Transactions  int
	InitializedAt time.Time
}

// Load copies accounts and transactions from the mirror. It is a no-op when
// system:initialized is already set, unless forced. The mirror must answer
// a ping before anything is read.
func (l *Loader) Load(ctx context.Context) (Result, error) {
	if !l.force {
		at, initialized, err := l.initializedAt()
		if err != nil {
			return Result{}, err
		}
		if initialized {
			l.logger.Info().Time("initialized_at", at).Msg("store already initialized, skipping load")
			return Result{Skipped: true, InitializedAt: at}, nil
		}
	}

	if err := l.mirror.Ping(ctx); err != nil {
		return Result{}, fmt.Errorf("loader: mirror unavailable: %w", err)
	}

	start := l.now()
	accounts, err := l.mirror.LoadAccounts(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loader: load accounts: %w", err)
	}
	txs, err := l.mirror.LoadTransactions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loader: load transactions: %w", err)
	}

	if err := l.seeder.Seed(accounts, txs, start); err != nil {
		return Result{}, fmt.Errorf("loader: seed store: %w", err)
	}

	l.logger.Info().
		Int("accounts", len(accounts)).
		Int("transactions", len(txs)).
		Dur("elapsed", l.now().Sub(start)).
		Msg("store loaded from mirror")
	return Result{Accounts: len(accounts), Transactions: len(txs), InitializedAt: start}, nil
}

func (l *Loader) initializedAt() (time.Time, bool, error) {
	raw, found, err := l.store.Get(storage.InitializedKey)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("loader: corrupt %s value %q", storage.InitializedKey, raw)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
