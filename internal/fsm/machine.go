// Package fsm is the deterministic ledger state machine. Given the same prior
// store contents and the same command it produces byte-identical writes, which
// lets every replica apply the replicated log independently.
package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
	"github.com/sheikh-saqib/replicated-ledger/internal/storage"
	"github.com/sheikh-saqib/replicated-ledger/internal/writer"
)

// Emitter receives the mirror events of every successful apply.
type Emitter interface {
	EnqueueAll(ctx context.Context, evs ...writer.WriteEvent) error
}

// Result is the outcome of applying one command.
type Result struct {
	Success bool
	// Duplicate is set when the command was already applied earlier (account
	// exists, or the transfer's idempotency key was already committed).
	Duplicate   bool
	Message     string
	Err         error
	Account     *models.Account
	Transaction *models.Transaction
}

func rejected(err error) Result {
	return Result{Err: err, Message: err.Error()}
}

// Machine applies commands to the fast-path store. It must be driven by a
// single writer; the internal mutex only guards against Seed or Restore
// overlapping an Apply.
type Machine struct {
	store   interfaces.LedgerStore
	emitter Emitter
	logger  zerolog.Logger
	mu      sync.Mutex
}

type Option func(*Machine)

func WithEmitter(e Emitter) Option { return func(m *Machine) { m.emitter = e } }

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger.With().Str("component", "fsm").Logger() }
}

func New(store interfaces.LedgerStore, opts ...Option) *Machine {
	m := &Machine{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyEncoded decodes a wire command and applies it. It returns a Result
// value, which is what the consensus engine hands back to the proposer.
func (m *Machine) ApplyEncoded(data []byte) any {
	return m.ApplyEncodedAt(0, data)
}

// ApplyEncodedAt is ApplyEncoded for the log entry at index.
func (m *Machine) ApplyEncodedAt(index uint64, data []byte) any {
	cmd, err := Decode(data)
	if err != nil {
		m.logger.Error().Err(err).Uint64("index", index).Msg("dropping undecodable command")
		m.mu.Lock()
		defer m.mu.Unlock()
		m.markApplied(index)
		return rejected(err)
	}
	return m.ApplyAt(index, cmd)
}

// Apply runs one command. Rejections leave the store untouched and emit no
// mirror events.
func (m *Machine) Apply(cmd Command) Result {
	return m.ApplyAt(0, cmd)
}

// ApplyAt runs the command found at a replicated log index. The index is
// stored in the same batch as the command's writes, and an index at or below
// the stored one is skipped: the store outlives the process, while the log is
// replayed from the last snapshot on restart. Index 0 disables the check.
func (m *Machine) ApplyAt(index uint64, cmd Command) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index > 0 {
		applied, err := appliedIndex(m.store)
		if err != nil {
			m.logger.Error().Err(err).Uint64("index", index).Msg("cannot read applied index")
			return rejected(fmt.Errorf("fsm: apply %s: %w", cmd.Type, err))
		}
		if index <= applied {
			m.logger.Debug().Uint64("index", index).Uint64("applied_index", applied).Msg("skipping replayed log entry")
			return Result{Success: true, Duplicate: true, Message: "Command already applied"}
		}
	}

	if err := cmd.Validate(); err != nil {
		m.markApplied(index)
		return rejected(err)
	}

	var (
		res    Result
		events []writer.WriteEvent
	)
	err := m.store.Batch(func(rw interfaces.KVReadWriter) error {
		var err error
		switch cmd.Type {
		case CommandCreateAccount:
			res, events, err = applyCreateAccount(rw, *cmd.CreateAccount, cmd.IssuedAt)
		case CommandTransfer:
			res, events, err = applyTransfer(rw, *cmd.Transfer, cmd.IssuedAt)
		}
		if err != nil {
			return err
		}
		if res.Err != nil {
			return errRejected
		}
		if index > 0 {
			return rw.Put(storage.AppliedIndexKey, strconv.FormatUint(index, 10))
		}
		return nil
	})
	switch {
	case errors.Is(err, errRejected):
		m.markApplied(index)
		m.logger.Debug().Err(res.Err).Str("type", string(cmd.Type)).Msg("command rejected")
		return res
	case err != nil:
		m.logger.Error().Err(err).Str("type", string(cmd.Type)).Msg("store write failed during apply")
		return rejected(fmt.Errorf("fsm: apply %s: %w", cmd.Type, err))
	}

	m.emit(events)
	return res
}

// markApplied records index for a command that changed nothing else. A crash
// before it lands replays the command, which is rejected again against the
// same state. Callers hold m.mu.
func (m *Machine) markApplied(index uint64) {
	if index == 0 {
		return
	}
	if err := m.store.Put(storage.AppliedIndexKey, strconv.FormatUint(index, 10)); err != nil {
		m.logger.Error().Err(err).Uint64("index", index).Msg("failed to record applied index")
	}
}

// AppliedIndex returns the last log index recorded by ApplyAt, or 0.
func (m *Machine) AppliedIndex() (uint64, error) {
	return appliedIndex(m.store)
}

func appliedIndex(r Getter) (uint64, error) {
	raw, found, err := r.Get(storage.AppliedIndexKey)
	if err != nil || !found {
		return 0, err
	}
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fsm: corrupt %s value %q", storage.AppliedIndexKey, raw)
	}
	return index, nil
}

// errRejected aborts the store batch when a command is rejected so that no
// partial write survives.
var errRejected = errors.New("fsm: command rejected")

func (m *Machine) emit(events []writer.WriteEvent) {
	if m.emitter == nil || len(events) == 0 {
		return
	}
	if err := m.emitter.EnqueueAll(context.Background(), events...); err != nil {
		m.logger.Warn().Err(err).Int("events", len(events)).Msg("mirror events not queued")
	}
}

func applyCreateAccount(rw interfaces.KVReadWriter, c CreateAccount, at time.Time) (Result, []writer.WriteEvent, error) {
	accountID := c.AccountID()

	existing, found, err := ReadAccount(rw, accountID)
	if err != nil {
		return Result{}, nil, err
	}
	if found {
		return Result{Success: true, Duplicate: true, Message: "Account already exists", Account: &existing}, nil, nil
	}

	account := models.NewAccount(c.UserID, c.AccountType, at)
	if err := writeAccount(rw, account); err != nil {
		return Result{}, nil, err
	}
	return Result{Success: true, Message: "Account created successfully", Account: &account},
		[]writer.WriteEvent{writer.BalanceEvent(accountID, account.Balance)}, nil
}

func applyTransfer(rw interfaces.KVReadWriter, t Transfer, at time.Time) (Result, []writer.WriteEvent, error) {
	if t.IdempotencyKey != "" {
		txID, found, err := rw.Get(storage.IdempotencyKey(t.IdempotencyKey))
		if err != nil {
			return Result{}, nil, err
		}
		if found {
			return Result{
				Success:     true,
				Duplicate:   true,
				Message:     "Transfer already processed",
				Transaction: &models.Transaction{ID: txID, IdempotencyKey: t.IdempotencyKey},
			}, nil, nil
		}
	}

	fromID, toID := t.FromAccountID(), t.ToAccountID()

	from, found, err := ReadAccount(rw, fromID)
	if err != nil {
		return Result{}, nil, err
	}
	if !found {
		return rejected(models.NotFoundError{AccountID: fromID, Role: "source"}), nil, nil
	}
	to, found, err := ReadAccount(rw, toID)
	if err != nil {
		return Result{}, nil, err
	}
	if !found {
		return rejected(models.NotFoundError{AccountID: toID, Role: "destination"}), nil, nil
	}

	if from.Balance.LessThan(t.Amount) {
		return rejected(models.InsufficientFundsError{AccountID: fromID, Balance: from.Balance, Amount: t.Amount}), nil, nil
	}

	tx := models.Transaction{
		ID:             t.TransactionID,
		FromAccountID:  fromID,
		ToAccountID:    toID,
		Amount:         t.Amount,
		Description:    t.Description,
		IdempotencyKey: t.IdempotencyKey,
		ProcessedAt:    at,
		Status:         models.StatusCommitted,
	}

	// Balances move only through the two legs, which must cancel out.
	debit, credit := tx.Entries()
	if sum := models.SumEntries(debit, credit); !sum.IsZero() {
		return Result{}, nil, fmt.Errorf("fsm: transfer %s legs sum to %s", tx.ID, sum)
	}
	from.Balance = from.Balance.Add(debit.Amount)
	from.UpdatedAt = at
	to.Balance = to.Balance.Add(credit.Amount)
	to.UpdatedAt = at

	if err := writeAccount(rw, from); err != nil {
		return Result{}, nil, err
	}
	if err := writeAccount(rw, to); err != nil {
		return Result{}, nil, err
	}
	if err := writeJSON(rw, storage.TransactionKey(tx.ID), tx); err != nil {
		return Result{}, nil, err
	}
	if tx.IdempotencyKey != "" {
		if err := rw.Put(storage.IdempotencyKey(tx.IdempotencyKey), tx.ID); err != nil {
			return Result{}, nil, err
		}
	}

	return Result{Success: true, Message: "Transfer completed successfully", Transaction: &tx},
		[]writer.WriteEvent{
			writer.BalanceEvent(fromID, from.Balance),
			writer.BalanceEvent(toID, to.Balance),
			writer.TransactionEvent(tx),
		}, nil
}

// Getter is the read side shared by the store and a batch view.
type Getter interface {
	Get(key string) (string, bool, error)
}

// Balance reads the authoritative balance of an account.
func Balance(r Getter, accountID string) (decimal.Decimal, bool, error) {
	raw, found, err := r.Get(storage.BalanceKey(accountID))
	if err != nil || !found {
		return decimal.Zero, false, err
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("fsm: corrupt balance for %s: %w", accountID, err)
	}
	return bal, true, nil
}

// ReadAccount returns the account snapshot with its balance taken from the
// balance key. An account exists when its balance key exists.
func ReadAccount(r Getter, accountID string) (models.Account, bool, error) {
	bal, found, err := Balance(r, accountID)
	if err != nil || !found {
		return models.Account{}, false, err
	}

	var account models.Account
	raw, ok, err := r.Get(storage.AccountKey(accountID))
	if err != nil {
		return models.Account{}, false, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &account); err != nil {
			return models.Account{}, false, fmt.Errorf("fsm: corrupt account snapshot %s: %w", accountID, err)
		}
	} else {
		userID, accountType, err := models.SplitAccountID(accountID)
		if err != nil {
			return models.Account{}, false, err
		}
		account = models.Account{AccountID: accountID, UserID: userID, AccountType: accountType}
	}
	account.Balance = bal
	return account, true, nil
}

func writeAccount(rw interfaces.KVReadWriter, account models.Account) error {
	if err := rw.Put(storage.BalanceKey(account.AccountID), account.Balance.String()); err != nil {
		return err
	}
	return writeJSON(rw, storage.AccountKey(account.AccountID), account)
}

func writeJSON(rw interfaces.KVReadWriter, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rw.Put(key, string(data))
}

// Account reads an account snapshot from the machine's store.
func (m *Machine) Account(accountID string) (models.Account, bool, error) {
	return ReadAccount(m.store, accountID)
}

// Seed loads accounts and transactions read from the relational mirror and
// stamps system:initialized. No mirror events are emitted.
func (m *Machine) Seed(accounts []models.Account, txs []models.Transaction, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store.Batch(func(rw interfaces.KVReadWriter) error {
		for _, a := range accounts {
			if err := writeAccount(rw, a); err != nil {
				return err
			}
		}
		for _, tx := range txs {
			if err := writeJSON(rw, storage.TransactionKey(tx.ID), tx); err != nil {
				return err
			}
			if tx.IdempotencyKey != "" {
				if err := rw.Put(storage.IdempotencyKey(tx.IdempotencyKey), tx.ID); err != nil {
					return err
				}
			}
		}
		return rw.Put(storage.InitializedKey, strconv.FormatInt(at.UnixMilli(), 10))
	})
}
