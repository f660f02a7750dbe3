// Package bolt implements the fast-path store on bbolt: a single-file,
// crash-safe B+tree with ordered keys and serializable write transactions.
package bolt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

var bucketName = []byte("ledger")

// Store implements interfaces.LedgerStore. bbolt allows one writer at a time
// and any number of readers, each reading a consistent snapshot.
type Store struct {
	db *bolt.DB
}

// Options tune how the store file is opened.
type Options struct {
	// Timeout bounds how long Open waits for the file lock held by another process.
	Timeout time.Duration
	// NoSync trades durability for speed; only for tests.
	NoSync bool
}

// Open opens (creating if missing) the store file at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create data dir: %w", err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(key, value string) error {
	return s.update(func(b *bolt.Bucket) error {
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *Store) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(key)); v != nil {
			// v is only valid inside the transaction
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, wrapClosed(err)
	}
	return value, found, nil
}

func (s *Store) Delete(key string) error {
	return s.update(func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

func (s *Store) ScanPrefix(prefix string) ([]interfaces.KV, error) {
	var result []interfaces.KV
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			result = append(result, interfaces.KV{Key: string(k), Value: string(v)})
		}
		return nil
	})
	if err != nil {
		return nil, wrapClosed(err)
	}
	return result, nil
}

func (s *Store) Batch(fn func(rw interfaces.KVReadWriter) error) error {
	return s.update(func(b *bolt.Bucket) error {
		return fn(bucketRW{b: b})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.db.Path() }

func (s *Store) update(fn func(b *bolt.Bucket) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketName))
	})
	return wrapClosed(err)
}

func wrapClosed(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %v", models.ErrStoreClosed, err)
	}
	return err
}

type bucketRW struct {
	b *bolt.Bucket
}

func (rw bucketRW) Get(key string) (string, bool, error) {
	v := rw.b.Get([]byte(key))
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

func (rw bucketRW) Put(key, value string) error {
	return rw.b.Put([]byte(key), []byte(value))
}

func (rw bucketRW) Delete(key string) error {
	return rw.b.Delete([]byte(key))
}

var _ interfaces.LedgerStore = (*Store)(nil)
