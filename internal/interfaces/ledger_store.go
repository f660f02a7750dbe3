package interfaces

// KV is one key/value pair returned by a prefix scan.
type KV struct {
	Key   string
	Value string
}

// KVReadWriter is the view handed to a Batch callback. Reads observe the
// writes already made inside the same batch.
type KVReadWriter interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Delete(key string) error
}

// LedgerStore is the fast-path store: the authoritative local key/value
// store holding balances, entity snapshots and idempotency markers.
type LedgerStore interface {
	Put(key, value string) error
	Get(key string) (string, bool, error)
	Delete(key string) error

	// ScanPrefix returns every pair whose key starts with prefix, ordered by key.
	ScanPrefix(prefix string) ([]KV, error)

	// Batch runs fn atomically: either every write inside it becomes
	// visible and durable, or none does.
	Batch(fn func(rw KVReadWriter) error) error

	Close() error
}
