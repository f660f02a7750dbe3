// Package writer mirrors committed ledger state to the relational store in
// the background. The fast-path store stays authoritative, so every failure
// here is logged and absorbed.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
	"github.com/sheikh-saqib/replicated-ledger/internal/models/events"
)

// Observer receives flush and drop notifications.
type Observer interface {
	OnBatchFlushed(size int, elapsed time.Duration, err error)
	OnEventDropped(kind EventKind)
}

// Writer is the async durable writer.
type Writer struct {
	mirror    interfaces.MirrorStore
	publisher interfaces.EventPublisher
	observers []Observer
	logger    zerolog.Logger

	batchSize     int
	flushInterval time.Duration
	workers       int
	bufferSize    int
	blockOnFull   bool
	flushTimeout  time.Duration

	buffer   chan WriteEvent
	closing  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	baseCtx  context.Context

	eventsProcessed atomic.Int64
	batchesFlushed  atomic.Int64
	eventsDropped   atomic.Int64
	mirrorFailures  atomic.Int64
}

// New builds a Writer. Call Start before enqueueing.
func New(mirror interfaces.MirrorStore, opts ...Option) *Writer {
	w := &Writer{
		mirror:        mirror,
		logger:        zerolog.Nop(),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		workers:       DefaultWorkers,
		bufferSize:    DefaultBufferSize,
		flushTimeout:  DefaultFlushTimeout,
		closing:       make(chan struct{}),
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.buffer = make(chan WriteEvent, w.bufferSize)
	return w
}

// Start launches the flush workers. Flushes outlive ctx cancellation; use
// Stop to shut the writer down.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return models.ErrChannelClosed
	}
	if w.started {
		return nil
	}
	w.started = true
	w.baseCtx = context.WithoutCancel(ctx)

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.flushWorker(i)
	}

	w.logger.Info().
		Int("workers", w.workers).
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Int("buffer_size", w.bufferSize).
		Msg("async writer started")
	return nil
}

// Stop drains everything already buffered, flushes it and waits for the
// workers to exit. Subsequent Enqueue calls fail with ErrChannelClosed.
func (w *Writer) Stop() error {
	w.stopOnce.Do(func() {
		close(w.closing)

		w.mu.Lock()
		w.stopped = true
		started := w.started
		w.mu.Unlock()

		close(w.stopChan)
		if started {
			w.wg.Wait()
		}
		w.logger.Info().Str("metrics", w.Metrics().String()).Msg("async writer stopped")
	})
	return nil
}

// Enqueue hands an event to the writer. When the buffer is full the event is
// dropped with ErrBufferFull unless the writer was built WithBlockOnFull.
func (w *Writer) Enqueue(ctx context.Context, ev WriteEvent) error {
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return models.ErrChannelClosed
	}

	select {
	case w.buffer <- ev:
		return nil
	default:
	}

	if !w.blockOnFull {
		w.drop(ev)
		return models.ErrBufferFull
	}

	select {
	case w.buffer <- ev:
		return nil
	case <-ctx.Done():
		w.drop(ev)
		return ctx.Err()
	case <-w.closing:
		return models.ErrChannelClosed
	}
}

// EnqueueAll enqueues events in order. A failed event does not stop the
// rest; every failure is returned joined.
func (w *Writer) EnqueueAll(ctx context.Context, evs ...WriteEvent) error {
	var errs []error
	for _, ev := range evs {
		if err := w.Enqueue(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) drop(ev WriteEvent) {
	w.eventsDropped.Add(1)
	for _, o := range w.observers {
		o.OnEventDropped(ev.Kind)
	}
	w.logger.Error().
		Str("kind", string(ev.Kind)).
		Str("account_id", ev.AccountID).
		Str("transaction_id", ev.Transaction.ID).
		Msg("write buffer full, dropping mirror event")
}

// flushWorker collects events into a batch until the batch is full, the
// flush interval has elapsed since its first event, or the buffer is empty.
func (w *Writer) flushWorker(id int) {
	defer w.wg.Done()

	batch := make([]WriteEvent, 0, min(w.batchSize, 1024))
	for {
		select {
		case <-w.stopChan:
			w.drainAndFlush(batch[:0])
			return

		case ev := <-w.buffer:
			batch = append(batch, ev)
			started := time.Now()
		collect:
			for len(batch) < w.batchSize && time.Since(started) < w.flushInterval {
				select {
				case ev := <-w.buffer:
					batch = append(batch, ev)
				default:
					break collect
				}
			}
			w.flush(id, batch)
			batch = batch[:0]
		}
	}
}

func (w *Writer) drainAndFlush(batch []WriteEvent) {
	for {
		select {
		case ev := <-w.buffer:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				w.flush(-1, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				w.flush(-1, batch)
			}
			return
		}
	}
}

func (w *Writer) flush(worker int, batch []WriteEvent) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(w.baseCtx, w.flushTimeout)
	defer cancel()

	balances, txs := coalesce(batch)

	var flushErr error
	if len(balances) > 0 {
		if err := w.mirror.UpsertBalances(ctx, balances); err != nil {
			flushErr = err
			w.durabilityWarning(worker, "balances", len(balances), err)
		}
	}
	if len(txs) > 0 {
		if err := w.mirror.InsertTransactions(ctx, txs); err != nil {
			flushErr = err
			w.durabilityWarning(worker, "transactions", len(txs), err)
		} else {
			w.publish(ctx, txs)
		}
	}

	elapsed := time.Since(start)
	w.eventsProcessed.Add(int64(len(batch)))
	w.batchesFlushed.Add(1)
	for _, o := range w.observers {
		o.OnBatchFlushed(len(batch), elapsed, flushErr)
	}

	w.logger.Debug().
		Int("worker", worker).
		Int("batch_size", len(batch)).
		Int("balances", len(balances)).
		Int("transactions", len(txs)).
		Int64("elapsed_ms", elapsed.Milliseconds()).
		Msg("flushed mirror batch")
}

func (w *Writer) durabilityWarning(worker int, what string, n int, err error) {
	w.mirrorFailures.Add(1)
	w.logger.Warn().
		Err(err).
		Int("worker", worker).
		Str("target", what).
		Int("batch_size", n).
		Msg("mirror write failed, fast-path store remains authoritative")
}

func (w *Writer) publish(ctx context.Context, txs []models.Transaction) {
	if w.publisher == nil {
		return
	}
	for _, tx := range txs {
		if err := w.publisher.Publish(ctx, tx.ID, events.FromTransaction(tx)); err != nil {
			w.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("failed to publish transaction event")
		}
	}
}

// coalesce splits a batch into balance upserts and transaction inserts.
// Balance events for the same account collapse to the last one seen.
func coalesce(batch []WriteEvent) ([]interfaces.BalanceUpdate, []models.Transaction) {
	var (
		balances []interfaces.BalanceUpdate
		txs      []models.Transaction
		index    = make(map[string]int)
	)
	for _, ev := range batch {
		switch ev.Kind {
		case KindBalance:
			if i, ok := index[ev.AccountID]; ok {
				balances[i].Balance = ev.Balance
				continue
			}
			index[ev.AccountID] = len(balances)
			balances = append(balances, interfaces.BalanceUpdate{AccountID: ev.AccountID, Balance: ev.Balance})
		case KindTransaction:
			txs = append(txs, ev.Transaction)
		}
	}
	return balances, txs
}

// Metrics is a point-in-time copy of the writer counters.
type Metrics struct {
	EventsProcessed int64
	BatchesFlushed  int64
	EventsDropped   int64
	MirrorFailures  int64
	Pending         int
}

// AvgBatchSize is events processed per flushed batch.
func (m Metrics) AvgBatchSize() float64 {
	if m.BatchesFlushed == 0 {
		return 0
	}
	return float64(m.EventsProcessed) / float64(m.BatchesFlushed)
}

func (m Metrics) String() string {
	return fmt.Sprintf("Events: %d, Batches: %d, Avg batch size: %.2f", m.EventsProcessed, m.BatchesFlushed, m.AvgBatchSize())
}

func (w *Writer) Metrics() Metrics {
	return Metrics{
		EventsProcessed: w.eventsProcessed.Load(),
		BatchesFlushed:  w.batchesFlushed.Load(),
		EventsDropped:   w.eventsDropped.Load(),
		MirrorFailures:  w.mirrorFailures.Load(),
		Pending:         len(w.buffer),
	}
}
