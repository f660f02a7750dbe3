package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
	"github.com/sheikh-saqib/replicated-ledger/internal/models/events"
)

type fakeMirror struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	upserts   [][]interfaces.BalanceUpdate
	txBatches [][]models.Transaction
	failWith  error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{balances: make(map[string]decimal.Decimal)}
}

func (f *fakeMirror) UpsertBalances(_ context.Context, updates []interfaces.BalanceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.upserts = append(f.upserts, append([]interfaces.BalanceUpdate(nil), updates...))
	for _, u := range updates {
		f.balances[u.AccountID] = u.Balance
	}
	return nil
}

func (f *fakeMirror) InsertTransactions(_ context.Context, txs []models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.txBatches = append(f.txBatches, append([]models.Transaction(nil), txs...))
	return nil
}

func (f *fakeMirror) LoadAccounts(context.Context) ([]models.Account, error)         { return nil, nil }
func (f *fakeMirror) LoadTransactions(context.Context) ([]models.Transaction, error) { return nil, nil }
func (f *fakeMirror) Ping(context.Context) error                                     { return nil }

func (f *fakeMirror) txCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.txBatches {
		n += len(b)
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	events []any
}

func (p *fakePublisher) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type countingObserver struct {
	mu      sync.Mutex
	flushed int
	dropped int
	errs    int
}

func (o *countingObserver) OnBatchFlushed(size int, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushed += size
	if err != nil {
		o.errs++
	}
}

func (o *countingObserver) OnEventDropped(EventKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func tx(id string) models.Transaction {
	return models.Transaction{
		ID:            id,
		FromAccountID: "alice:brokerage",
		ToAccountID:   "bob:brokerage",
		Amount:        decimal.NewFromInt(10),
		Status:        models.StatusCommitted,
	}
}

func TestStopDrainsAndCoalesces(t *testing.T) {
	mirror := newFakeMirror()
	pub := &fakePublisher{}
	w := New(mirror, WithPublisher(pub))
	ctx := context.Background()

	// Enqueued before Start so every event lands in one drained batch.
	evs := []WriteEvent{
		BalanceEvent("alice:brokerage", decimal.NewFromInt(990)),
		BalanceEvent("bob:brokerage", decimal.NewFromInt(10)),
		BalanceEvent("alice:brokerage", decimal.NewFromInt(980)),
		TransactionEvent(tx("tx-1")),
	}
	if err := w.EnqueueAll(ctx, evs...); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	if got := mirror.balances["alice:brokerage"]; !got.Equal(decimal.NewFromInt(980)) {
		t.Errorf("alice mirror balance = %s, want 980", got)
	}
	if got := mirror.balances["bob:brokerage"]; !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("bob mirror balance = %s, want 10", got)
	}
	if n := mirror.txCount(); n != 1 {
		t.Errorf("mirrored %d transactions, want 1", n)
	}
	if len(pub.keys) != 1 || pub.keys[0] != "tx-1" {
		t.Fatalf("published keys = %v", pub.keys)
	}
	ev, ok := pub.events[0].(events.TransactionCompleted)
	if !ok || len(ev.Entries) != 2 {
		t.Fatalf("published event = %#v", pub.events[0])
	}
	if !models.SumEntries(ev.Entries...).IsZero() || ev.Entries[0].AccountID != "alice:brokerage" {
		t.Errorf("event legs = %+v", ev.Entries)
	}

	m := w.Metrics()
	if m.EventsProcessed != 4 {
		t.Errorf("events processed = %d, want 4", m.EventsProcessed)
	}
	if m.BatchesFlushed < 1 {
		t.Errorf("batches flushed = %d", m.BatchesFlushed)
	}
}

func TestFlushesWhileRunning(t *testing.T) {
	mirror := newFakeMirror()
	w := New(mirror, WithFlushInterval(5*time.Millisecond))
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.Enqueue(ctx, TransactionEvent(tx("tx-live"))); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mirror.txCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBatchSizeCapsFlush(t *testing.T) {
	mirror := newFakeMirror()
	w := New(mirror, WithBatchSize(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := w.Enqueue(ctx, TransactionEvent(tx(id))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w.Stop()

	if n := mirror.txCount(); n != 5 {
		t.Fatalf("mirrored %d transactions, want 5", n)
	}
	for i, b := range mirror.txBatches {
		if len(b) > 2 {
			t.Errorf("batch %d has %d events, want <= 2", i, len(b))
		}
	}
	if got := w.Metrics().BatchesFlushed; got != 3 {
		t.Errorf("batches flushed = %d, want 3", got)
	}
}

func TestDropWhenBufferFull(t *testing.T) {
	obs := &countingObserver{}
	w := New(newFakeMirror(), WithBufferSize(1), WithObserver(obs))
	ctx := context.Background()

	if err := w.Enqueue(ctx, TransactionEvent(tx("kept"))); err != nil {
		t.Fatal(err)
	}
	err := w.Enqueue(ctx, TransactionEvent(tx("dropped")))
	if !errors.Is(err, models.ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if w.Metrics().EventsDropped != 1 || obs.dropped != 1 {
		t.Errorf("dropped = %d, observer = %d", w.Metrics().EventsDropped, obs.dropped)
	}
}

func TestEnqueueAllTriesEveryEvent(t *testing.T) {
	obs := &countingObserver{}
	w := New(newFakeMirror(), WithBufferSize(1), WithObserver(obs))

	err := w.EnqueueAll(context.Background(),
		BalanceEvent("alice:brokerage", decimal.NewFromInt(90)),
		BalanceEvent("bob:brokerage", decimal.NewFromInt(10)),
		TransactionEvent(tx("tx-1")),
	)
	if !errors.Is(err, models.ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if got := w.Metrics().EventsDropped; got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if obs.dropped != 2 {
		t.Errorf("observer saw %d drops, want 2", obs.dropped)
	}
}

func TestBlockOnFullHonoursContext(t *testing.T) {
	w := New(newFakeMirror(), WithBufferSize(1), WithBlockOnFull(true))

	if err := w.Enqueue(context.Background(), TransactionEvent(tx("kept"))); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Enqueue(ctx, TransactionEvent(tx("waits"))); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMirrorFailureIsAbsorbed(t *testing.T) {
	mirror := newFakeMirror()
	mirror.failWith = errors.New("database is down")
	pub := &fakePublisher{}
	obs := &countingObserver{}
	w := New(mirror, WithPublisher(pub), WithObserver(obs))
	ctx := context.Background()

	if err := w.EnqueueAll(ctx,
		BalanceEvent("alice:brokerage", decimal.NewFromInt(5)),
		TransactionEvent(tx("tx-1")),
	); err != nil {
		t.Fatal(err)
	}
	w.Start(ctx)
	w.Stop()

	m := w.Metrics()
	if m.MirrorFailures != 2 {
		t.Errorf("mirror failures = %d, want 2", m.MirrorFailures)
	}
	if m.EventsProcessed != 2 {
		t.Errorf("events processed = %d, want 2", m.EventsProcessed)
	}
	if len(pub.keys) != 0 {
		t.Errorf("published %v despite failed insert", pub.keys)
	}
	if obs.errs == 0 {
		t.Error("observer did not see the failed flush")
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	w := New(newFakeMirror())
	w.Start(context.Background())
	w.Stop()

	if err := w.Enqueue(context.Background(), TransactionEvent(tx("late"))); !errors.Is(err, models.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestMetricsString(t *testing.T) {
	m := Metrics{EventsProcessed: 10, BatchesFlushed: 4}
	if got, want := m.String(), "Events: 10, Batches: 4, Avg batch size: 2.50"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if (Metrics{}).AvgBatchSize() != 0 {
		t.Error("empty metrics should report zero average")
	}
}
