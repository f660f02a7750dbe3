package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	"github.com/sheikh-saqib/replicated-ledger/internal/idempotency"
	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
	"github.com/sheikh-saqib/replicated-ledger/internal/ordering"
)

const (
	DefaultSubmitTimeout = 5 * time.Second

	msgTransferCompleted = "Transfer completed successfully"
	msgTransferFailed    = "Transfer failed"
)

// Ledger is the facade every caller goes through. It validates requests,
// answers retries from the idempotency cache and submits everything else to
// the ordered command channel.
type Ledger struct {
	store   interfaces.LedgerStore // read side only; the state machine owns writes
	channel ordering.Channel
	cache   *idempotency.Cache

	submitTimeout time.Duration
	now           func() time.Time
	newID         func() string
	observer      Observer
	logger        zerolog.Logger
}

// Observer is told the outcome of every transfer call: "committed",
// "cached", "rejected" or "error".
type Observer interface {
	OnTransfer(outcome string, elapsed time.Duration)
}

type Option func(*Ledger)

// WithSubmitTimeout bounds how long a call waits for its command to apply.
func WithSubmitTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.submitTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithIDGenerator replaces the transaction id source (uuid by default).
func WithIDGenerator(fn func() string) Option { return func(l *Ledger) { l.newID = fn } }

func WithObserver(o Observer) Option { return func(l *Ledger) { l.observer = o } }

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger.With().Str("component", "ledger").Logger() }
}

// NewLedger wires the facade over the fast-path store, a command channel and
// the idempotency cache.
func NewLedger(store interfaces.LedgerStore, channel ordering.Channel, cache *idempotency.Cache, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		channel:       channel,
		cache:         cache,
		submitTimeout: DefaultSubmitTimeout,
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TransferRequest is one transfer as submitted by a caller. Account types are
// the wire values ("brokerage", "exchange", "available").
type TransferRequest struct {
	FromUserID      string          `json:"from_user_id"`
	FromAccountType string          `json:"from_account_type"`
	ToUserID        string          `json:"to_user_id"`
	ToAccountType   string          `json:"to_account_type"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// TransferOutcome is what a transfer call observes. Replays of the same key
// see the same Success, Message and StatusCode.
type TransferOutcome struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	StatusCode     int    `json:"status_code"`
	IdempotencyKey string `json:"idempotency_key"`
	TransactionID  string `json:"transaction_id,omitempty"`
	// Cached is set when the outcome came from the idempotency cache.
	Cached bool `json:"cached"`
	// Err carries the state machine's rejection on the call that applied it.
	Err error `json:"-"`
}

func outcomeFromEntry(e idempotency.Entry) TransferOutcome {
	return TransferOutcome{
		Success:        e.Success,
		Message:        e.Message,
		StatusCode:     e.StatusCode,
		IdempotencyKey: e.Key,
	}
}

func (l *Ledger) ctxWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.submitTimeout)
}

// CreateAccountResult reports the account and whether this call created it.
type CreateAccountResult struct {
	Account models.Account `json:"account"`
	Created bool           `json:"created"`
}

// CreateAccount opens a zero-balance account. An existing account is
// returned as is without going through the command channel.
func (l *Ledger) CreateAccount(ctx context.Context, userID, accountType string) (CreateAccountResult, error) {
	t, err := models.ParseAccountType(accountType)
	if err != nil {
		return CreateAccountResult{}, err
	}
	if err := models.ValidateUserID(userID); err != nil {
		return CreateAccountResult{}, err
	}

	accountID := models.AccountID(userID, t)
	existing, found, err := fsm.ReadAccount(l.store, accountID)
	if err != nil {
		return CreateAccountResult{}, err
	}
	if found {
		return CreateAccountResult{Account: existing}, nil
	}

	ctx, cancel := l.ctxWithTimeout(ctx)
	defer cancel()
	res, err := ordering.SubmitAndWait(ctx, l.channel, fsm.NewCreateAccount(userID, t, l.now()))
	if err != nil {
		return CreateAccountResult{}, err
	}
	if res.Err != nil {
		return CreateAccountResult{}, res.Err
	}

	if !res.Duplicate {
		l.logger.Info().Str("account_id", accountID).Msg("account created")
	}
	return CreateAccountResult{Account: *res.Account, Created: !res.Duplicate}, nil
}

// prepared is a validated transfer request ready to become a command.
type prepared struct {
	transfer fsm.Transfer
	key      string
}

func (l *Ledger) prepare(req TransferRequest) (prepared, error) {
	fromType, err := models.ParseAccountType(req.FromAccountType)
	if err != nil {
		return prepared{}, err
	}
	toType, err := models.ParseAccountType(req.ToAccountType)
	if err != nil {
		return prepared{}, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey(req.FromUserID, string(fromType), req.ToUserID, string(toType), req.Amount, req.Description)
	}

	tr := fsm.Transfer{
		FromUserID:     req.FromUserID,
		FromType:       fromType,
		ToUserID:       req.ToUserID,
		ToType:         toType,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: key,
	}
	if err := tr.Validate(); err != nil {
		return prepared{}, err
	}
	return prepared{transfer: tr, key: key}, nil
}

// checkAccounts fails fast on accounts missing from the fast-path store.
func (l *Ledger) checkAccounts(tr fsm.Transfer) error {
	for _, acc := range []struct{ id, role string }{
		{tr.FromAccountID(), "source"},
		{tr.ToAccountID(), "destination"},
	} {
		_, found, err := fsm.Balance(l.store, acc.id)
		if err != nil {
			return err
		}
		if !found {
			return models.NotFoundError{AccountID: acc.id, Role: acc.role}
		}
	}
	return nil
}

// Transfer moves funds between two accounts, at most once per idempotency
// key. A request without a key gets one derived from its fields.
//
// The returned error is set when no outcome was recorded: invalid input,
// missing accounts, or a submission that did not complete (not leader,
// timeout, closed channel). Rejections decided by the state machine, such as
// insufficient funds, come back as an unsuccessful outcome with Err set.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (TransferOutcome, error) {
	start := time.Now()
	out, err := l.transfer(ctx, req)
	if l.observer != nil {
		l.observer.OnTransfer(outcomeLabel(out, err), time.Since(start))
	}
	return out, err
}

func outcomeLabel(out TransferOutcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out.Cached:
		return "cached"
	case out.Success:
		return "committed"
	}
	return "rejected"
}

func (l *Ledger) transfer(ctx context.Context, req TransferRequest) (TransferOutcome, error) {
	p, err := l.prepare(req)
	if err != nil {
		return TransferOutcome{}, err
	}

	if e, ok := l.cache.Check(p.key); ok {
		out := outcomeFromEntry(e)
		out.Cached = true
		l.logger.Debug().Str("idempotency_key", p.key).Msg("transfer answered from cache")
		return out, nil
	}

	if err := l.checkAccounts(p.transfer); err != nil {
		return TransferOutcome{}, err
	}

	l.cache.MarkProcessing(p.key)

	tr := p.transfer
	tr.TransactionID = l.newID()

	ctx, cancel := l.ctxWithTimeout(ctx)
	defer cancel()
	res, err := ordering.SubmitAndWait(ctx, l.channel, fsm.NewTransfer(tr, l.now()))
	if err != nil {
		l.logger.Warn().Err(err).Str("idempotency_key", p.key).Msg("transfer submission did not complete")
		return TransferOutcome{}, err
	}

	if !res.Success {
		// A transfer rejected by the state machine stays rejected on replay.
		out := outcomeFromEntry(l.cache.StoreResult(p.key, false, msgTransferFailed, models.HTTPStatus(res.Err)))
		out.Err = res.Err
		l.logger.Info().Err(res.Err).Str("idempotency_key", p.key).Msg("transfer rejected")
		return out, nil
	}

	out := outcomeFromEntry(l.cache.StoreResult(p.key, true, msgTransferCompleted, http.StatusOK))
	out.TransactionID = res.Transaction.ID
	out.Cached = res.Duplicate
	if !res.Duplicate {
		l.logger.Info().
			Str("transaction_id", res.Transaction.ID).
			Str("from", res.Transaction.FromAccountID).
			Str("to", res.Transaction.ToAccountID).
			Str("amount", res.Transaction.Amount.String()).
			Msg("transfer committed")
	}
	return out, nil
}

// BatchResult summarises a batch transfer.
type BatchResult struct {
	Success        bool              `json:"success"`
	Message        string            `json:"message"`
	IdempotencyKey string            `json:"idempotency_key"`
	Cached         bool              `json:"cached"`
	Completed      int               `json:"completed"`
	Outcomes       []TransferOutcome `json:"outcomes,omitempty"`
}

// BatchTransfer executes transfers in order under one mandatory batch key.
// Transfer i carries the key "<batchKey>:<i>". A failing transfer stops the
// batch; transfers before it stay committed. Resubmitting the same batch
// skips the ones already applied.
func (l *Ledger) BatchTransfer(ctx context.Context, transfers []TransferRequest, batchKey string) (BatchResult, error) {
	if batchKey == "" {
		return BatchResult{}, models.ErrIdempotencyKeyRequired
	}
	if len(transfers) == 0 {
		return BatchResult{}, models.ValidationError{Field: "transfers", Message: "batch must contain at least one transfer"}
	}

	done, err := l.cache.IsBatchCompleted(batchKey)
	if err != nil {
		return BatchResult{}, err
	}
	if done {
		return BatchResult{
			Success:        true,
			Message:        "Batch already processed",
			IdempotencyKey: batchKey,
			Cached:         true,
			Completed:      len(transfers),
		}, nil
	}

	reqs := make([]TransferRequest, len(transfers))
	for i, t := range transfers {
		t.IdempotencyKey = fmt.Sprintf("%s:%d", batchKey, i)
		if _, err := l.prepare(t); err != nil {
			return BatchResult{}, fmt.Errorf("transfer %d: %w", i, err)
		}
		reqs[i] = t
	}

	if err := l.cache.MarkBatchProcessing(batchKey); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{IdempotencyKey: batchKey}
	for i, req := range reqs {
		out, err := l.Transfer(ctx, req)
		if err != nil {
			result.Message = fmt.Sprintf("Batch stopped at transfer %d", i)
			return result, fmt.Errorf("transfer %d: %w", i, err)
		}
		result.Outcomes = append(result.Outcomes, out)
		if !out.Success {
			result.Message = fmt.Sprintf("Batch stopped at transfer %d: %s", i, out.Message)
			l.logger.Warn().Err(out.Err).Str("batch_key", batchKey).Int("index", i).Msg("batch transfer stopped")
			return result, nil
		}
		result.Completed++
	}

	if err := l.cache.CompleteBatch(batchKey); err != nil {
		return result, err
	}
	result.Success = true
	result.Message = "Batch completed successfully"
	l.logger.Info().Str("batch_key", batchKey).Int("transfers", len(reqs)).Msg("batch committed")
	return result, nil
}

// GetBalance reads one account from the fast-path store.
func (l *Ledger) GetBalance(userID, accountType string) (models.Account, error) {
	t, err := models.ParseAccountType(accountType)
	if err != nil {
		return models.Account{}, err
	}
	accountID := models.AccountID(userID, t)
	account, found, err := fsm.ReadAccount(l.store, accountID)
	if err != nil {
		return models.Account{}, err
	}
	if !found {
		return models.Account{}, models.NotFoundError{AccountID: accountID}
	}
	return account, nil
}

// GetUserBalances returns every account the user holds, in type order.
func (l *Ledger) GetUserBalances(userID string) ([]models.Account, error) {
	var accounts []models.Account
	for _, t := range models.AccountTypes {
		account, err := l.GetBalance(userID, string(t))
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if len(accounts) == 0 {
		return nil, models.NotFoundError{AccountID: userID + ":*"}
	}
	return accounts, nil
}
