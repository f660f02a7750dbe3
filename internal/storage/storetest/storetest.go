// Package storetest holds a behavioural test suite shared by every
// interfaces.LedgerStore implementation.
package storetest

import (
	"errors"
	"testing"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
)

// Run exercises the store contract against stores produced by newStore.
// Each subtest receives a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) interfaces.LedgerStore) {
	t.Run("PutGetDelete", func(t *testing.T) {
		s := newStore(t)

		if _, ok, err := s.Get("missing"); err != nil || ok {
			t.Fatalf("Get(missing) = (_, %v, %v), want absent", ok, err)
		}
		if err := s.Put("UserA:available", "100.00"); err != nil {
			t.Fatalf("Put: %v", err)
		}
		v, ok, err := s.Get("UserA:available")
		if err != nil || !ok || v != "100.00" {
			t.Fatalf("Get = (%q, %v, %v), want (100.00, true, nil)", v, ok, err)
		}
		if err := s.Delete("UserA:available"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok, _ := s.Get("UserA:available"); ok {
			t.Fatal("key still present after Delete")
		}
	})

	t.Run("ScanPrefixOrdered", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"idem:c", "idem:a", "account:x", "idem:b", "idem"} {
			if err := s.Put(k, "1"); err != nil {
				t.Fatalf("Put(%s): %v", k, err)
			}
		}

		got, err := s.ScanPrefix("idem:")
		if err != nil {
			t.Fatalf("ScanPrefix: %v", err)
		}
		want := []string{"idem:a", "idem:b", "idem:c"}
		if len(got) != len(want) {
			t.Fatalf("ScanPrefix returned %d pairs, want %d: %+v", len(got), len(want), got)
		}
		for i := range want {
			if got[i].Key != want[i] {
				t.Errorf("pair %d key = %q, want %q", i, got[i].Key, want[i])
			}
		}

		all, err := s.ScanPrefix("")
		if err != nil || len(all) != 5 {
			t.Fatalf("ScanPrefix(\"\") = %d pairs, err %v; want 5", len(all), err)
		}
	})

	t.Run("BatchCommits", func(t *testing.T) {
		s := newStore(t)
		_ = s.Put("gone", "x")

		err := s.Batch(func(rw interfaces.KVReadWriter) error {
			if err := rw.Put("a", "1"); err != nil {
				return err
			}
			v, ok, err := rw.Get("a")
			if err != nil || !ok || v != "1" {
				t.Errorf("read-your-writes failed: (%q, %v, %v)", v, ok, err)
			}
			return rw.Delete("gone")
		})
		if err != nil {
			t.Fatalf("Batch: %v", err)
		}
		if v, ok, _ := s.Get("a"); !ok || v != "1" {
			t.Errorf("batched put not visible: (%q, %v)", v, ok)
		}
		if _, ok, _ := s.Get("gone"); ok {
			t.Error("batched delete not applied")
		}
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		s := newStore(t)
		_ = s.Put("balance", "10")
		boom := errors.New("boom")

		err := s.Batch(func(rw interfaces.KVReadWriter) error {
			_ = rw.Put("balance", "0")
			_ = rw.Put("other", "1")
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Batch error = %v, want boom", err)
		}
		if v, _, _ := s.Get("balance"); v != "10" {
			t.Errorf("balance = %q after failed batch, want 10", v)
		}
		if _, ok, _ := s.Get("other"); ok {
			t.Error("write from failed batch leaked")
		}
	})
}
