// Package idempotency collapses retried requests into one effect. Terminal
// outcomes are cached in memory with a TTL; the durable "idem:" markers
// written by the state machine let the cache be rebuilt after a restart.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/storage"
)

const (
	DefaultTTL             = 60 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute

	derivedKeyPrefix = "auto-"
	derivedKeyLength = 16

	restoredMessage = "Transfer completed successfully (restored from store)"
)

type State string

const (
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
)

// Entry is the cached outcome of one logical request.
type Entry struct {
	Key         string    `json:"key"`
	State       State     `json:"state"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	StatusCode  int       `json:"status_code"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (e Entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}

// Cache is the idempotency cache.
type Cache struct {
	store           interfaces.LedgerStore
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	logger          zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Cache)

func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithCleanupInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger.With().Str("component", "idempotency").Logger() }
}

func New(store interfaces.LedgerStore, opts ...Option) *Cache {
	c := &Cache{
		store:           store,
		ttl:             DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		logger:          zerolog.Nop(),
		entries:         make(map[string]Entry),
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns the cached terminal outcome for key. In-flight and expired
// entries are reported as absent.
func (c *Cache) Check(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.State != StateCompleted || e.expired(c.now(), c.ttl) {
		return Entry{}, false
	}
	return e, true
}

// MarkProcessing records key as in flight. It does not stop a concurrent
// request with the same key from being submitted; the state machine's
// durable marker is what guarantees a single effect.
func (c *Cache) MarkProcessing(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Key: key, State: StateProcessing, CreatedAt: c.now()}
}

// StoreResult records the terminal outcome, replacing any processing marker.
func (c *Cache) StoreResult(key string, success bool, message string, statusCode int) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	created := now
	if prev, ok := c.entries[key]; ok {
		created = prev.CreatedAt
	}
	e := Entry{
		Key:         key,
		State:       StateCompleted,
		Success:     success,
		Message:     message,
		StatusCode:  statusCode,
		CreatedAt:   created,
		CompletedAt: now,
	}
	c.entries[key] = e
	return e
}

// Cleanup evicts entries older than the TTL and returns how many went.
// Durable markers are left in place.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now, c.ttl) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Restore repopulates the cache from the durable markers. Only existence is
// durable, so every restored key is assumed to have succeeded.
func (c *Cache) Restore() (int, error) {
	pairs, err := c.store.ScanPrefix(storage.IdempotencyPrefix)
	if err != nil {
		return 0, fmt.Errorf("idempotency: scan markers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	restored := 0
	for _, kv := range pairs {
		key, ok := storage.TrimIdempotencyKey(kv.Key)
		if !ok {
			continue
		}
		if e, exists := c.entries[key]; exists && e.State == StateCompleted {
			continue
		}
		c.entries[key] = Entry{
			Key:         key,
			State:       StateCompleted,
			Success:     true,
			Message:     restoredMessage,
			StatusCode:  http.StatusOK,
			CreatedAt:   now,
			CompletedAt: now,
		}
		restored++
	}
	c.logger.Info().Int("restored", restored).Int("markers", len(pairs)).Msg("idempotency cache restored")
	return restored, nil
}

// DeriveKey fingerprints a transfer that arrived without a key. Identical
// transfers map to the same key no matter who sent them or when.
func DeriveKey(fromUser, fromType, toUser, toType string, amount decimal.Decimal, description string) string {
	canonical := fmt.Sprintf("%s:%s:%s:%s:%s:%s", fromUser, fromType, toUser, toType, amount.String(), description)
	sum := sha256.Sum256([]byte(canonical))
	return derivedKeyPrefix + hex.EncodeToString(sum[:])[:derivedKeyLength]
}

// Stats counts the cached entries.
type Stats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var s Stats
	for _, e := range c.entries {
		s.Total++
		switch e.State {
		case StateProcessing:
			s.Processing++
		case StateCompleted:
			s.Completed++
		}
	}
	return s
}

// IsBatchCompleted reports whether the batch key carries a completion marker.
func (c *Cache) IsBatchCompleted(key string) (bool, error) {
	_, found, err := c.store.Get(storage.BatchKey(key))
	return found, err
}

func (c *Cache) MarkBatchProcessing(key string) error {
	return c.store.Put(storage.BatchProcessingKey(key), c.timestamp())
}

// CompleteBatch writes the completion marker and clears the processing one
// in a single store batch.
func (c *Cache) CompleteBatch(key string) error {
	ts := c.timestamp()
	return c.store.Batch(func(rw interfaces.KVReadWriter) error {
		if err := rw.Put(storage.BatchKey(key), ts); err != nil {
			return err
		}
		return rw.Delete(storage.BatchProcessingKey(key))
	})
}

func (c *Cache) timestamp() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

// Start runs the periodic sweep until Stop is called or ctx ends.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.Cleanup(); n > 0 {
					c.logger.Info().Int("removed", n).Msg("expired idempotency entries evicted")
				}
			case <-c.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}
