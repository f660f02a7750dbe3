package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	"github.com/sheikh-saqib/replicated-ledger/internal/idempotency"
	"github.com/sheikh-saqib/replicated-ledger/internal/ledger"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
	"github.com/sheikh-saqib/replicated-ledger/internal/ordering"
	"github.com/sheikh-saqib/replicated-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/replicated-ledger/internal/writer"
)

var seededAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	store := memory.NewMemoryLedgerStore()
	machine := fsm.New(store)

	alice := models.NewAccount("alice", models.AccountTypeAvailable, seededAt)
	alice.Balance = decimal.NewFromInt(1000)
	bob := models.NewAccount("bob", models.AccountTypeAvailable, seededAt)
	if err := machine.Seed([]models.Account{alice, bob}, nil, seededAt); err != nil {
		t.Fatal(err)
	}

	fifo := ordering.NewFIFO(machine)
	fifo.Start()
	t.Cleanup(fifo.Stop)

	cache := idempotency.New(store)
	l := ledger.NewLedger(store, fifo, cache)
	opts = append([]Option{WithIdempotencyStats(cache.Stats)}, opts...)
	return New(l, opts...).Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func transferBody(amount string) map[string]string {
	return map[string]string{
		"from_user_id":      "alice",
		"from_account_type": "available",
		"to_user_id":        "bob",
		"to_account_type":   "available",
		"amount":            amount,
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(t), http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "UP" {
		t.Errorf("expected UP, got %q", got)
	}
}

func TestCreateAccount(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{"new account", createAccountRequest{UserID: "carol", AccountType: "brokerage"}, http.StatusCreated},
		{"existing account", createAccountRequest{UserID: "carol", AccountType: "brokerage"}, http.StatusOK},
		{"unknown type", createAccountRequest{UserID: "carol", AccountType: "savings"}, http.StatusBadRequest},
		{"reserved user", createAccountRequest{UserID: "system", AccountType: "available"}, http.StatusBadRequest},
		{"malformed payload", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/accounts", tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTransferAndReplay(t *testing.T) {
	h := newTestRouter(t)
	headers := map[string]string{headerIdempotencyKey: "tx-1"}

	rec := do(t, h, http.MethodPost, "/api/v1/transfers", transferBody("250"), headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[ledger.TransferOutcome](t, rec)
	if !first.Success || first.Cached || first.IdempotencyKey != "tx-1" {
		t.Fatalf("unexpected outcome %+v", first)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/transfers", transferBody("250"), headers)
	replay := decode[ledger.TransferOutcome](t, rec)
	if !replay.Success || !replay.Cached {
		t.Fatalf("expected cached replay, got %+v", replay)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/accounts/alice/balances/available", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[models.Account](t, rec).Balance; !got.Equal(decimal.NewFromInt(750)) {
		t.Errorf("expected alice at 750, got %s", got)
	}
}

func TestTransferFailures(t *testing.T) {
	h := newTestRouter(t)

	missing := transferBody("10")
	missing["to_user_id"] = "nobody"

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{"insufficient funds", transferBody("5000"), http.StatusBadRequest},
		{"negative amount", transferBody("-1"), http.StatusBadRequest},
		{"missing destination", missing, http.StatusNotFound},
		{"malformed payload", []int{1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/transfers", tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestInsufficientFundsOutcome(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodPost, "/api/v1/transfers", transferBody("5000"), nil)
	out := decode[ledger.TransferOutcome](t, rec)
	if out.Success || out.Message != "Transfer failed" {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestBatchTransfer(t *testing.T) {
	h := newTestRouter(t)
	body := map[string]any{"transfers": []map[string]string{transferBody("100"), transferBody("200")}}

	rec := do(t, h, http.MethodPost, "/api/v1/transfers/batch", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", rec.Code)
	}

	headers := map[string]string{headerIdempotencyKey: "batch-1"}
	rec = do(t, h, http.MethodPost, "/api/v1/transfers/batch", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[ledger.BatchResult](t, rec)
	if !res.Success || res.Completed != 2 {
		t.Fatalf("unexpected batch result %+v", res)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/transfers/batch", body, headers)
	if res := decode[ledger.BatchResult](t, rec); !res.Cached {
		t.Errorf("expected cached batch, got %+v", res)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/accounts/bob/balances/available", nil, nil)
	if got := decode[models.Account](t, rec).Balance; !got.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected bob at 300, got %s", got)
	}
}

func TestBatchStopsOnFailure(t *testing.T) {
	h := newTestRouter(t)
	body := map[string]any{"transfers": []map[string]string{transferBody("600"), transferBody("600")}}

	rec := do(t, h, http.MethodPost, "/api/v1/transfers/batch", body, map[string]string{headerIdempotencyKey: "batch-2"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if res := decode[ledger.BatchResult](t, rec); res.Success || res.Completed != 1 {
		t.Errorf("unexpected batch result %+v", res)
	}
}

func TestUserBalances(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/api/v1/accounts/alice/balances", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if accounts := decode[[]models.Account](t, rec); len(accounts) != 1 {
		t.Errorf("expected one account, got %d", len(accounts))
	}

	rec = do(t, h, http.MethodGet, "/api/v1/accounts/nobody/balances", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Run("writer metrics unavailable", func(t *testing.T) {
		rec := do(t, newTestRouter(t), http.MethodGet, "/api/v1/admin/writer/metrics", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("writer metrics", func(t *testing.T) {
		h := newTestRouter(t, WithWriterMetrics(func() writer.Metrics {
			return writer.Metrics{EventsProcessed: 10, BatchesFlushed: 4}
		}))
		rec := do(t, h, http.MethodGet, "/api/v1/admin/writer/metrics", nil, nil)
		got := decode[writerMetricsResponse](t, rec)
		if got.EventsProcessed != 10 || got.AvgBatchSize != 2.5 {
			t.Errorf("unexpected metrics %+v", got)
		}
	})

	t.Run("idempotency stats", func(t *testing.T) {
		h := newTestRouter(t)
		do(t, h, http.MethodPost, "/api/v1/transfers", transferBody("1"), map[string]string{headerIdempotencyKey: "k"})
		rec := do(t, h, http.MethodGet, "/api/v1/admin/idempotency/stats", nil, nil)
		if got := decode[idempotency.Stats](t, rec); got.Completed != 1 {
			t.Errorf("expected one completed entry, got %+v", got)
		}
	})

	t.Run("raft status only when enabled", func(t *testing.T) {
		rec := do(t, newTestRouter(t), http.MethodGet, "/api/v1/raft/status", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
		h := newTestRouter(t, WithRaftStatus(func() any { return map[string]string{"state": "Leader"} }))
		rec = do(t, h, http.MethodGet, "/api/v1/raft/status", nil, nil)
		if got := decode[map[string]string](t, rec)["state"]; got != "Leader" {
			t.Errorf("expected Leader, got %q", got)
		}
	})
}

// followerLedger rejects every write the way a cluster follower does.
type followerLedger struct{ Ledger }

func (followerLedger) Transfer(context.Context, ledger.TransferRequest) (ledger.TransferOutcome, error) {
	return ledger.TransferOutcome{}, models.NotLeaderError{Leader: "node2"}
}

func TestNotLeaderCarriesHint(t *testing.T) {
	h := New(followerLedger{}).Router()
	rec := do(t, h, http.MethodPost, "/api/v1/transfers", transferBody("1"), nil)
	if rec.Code != http.StatusMisdirectedRequest {
		t.Fatalf("expected 421, got %d", rec.Code)
	}
	if got := rec.Header().Get(headerLeader); got != "node2" {
		t.Errorf("expected leader hint node2, got %q", got)
	}
}

func TestNotLeaderHintUsesHTTPAddress(t *testing.T) {
	h := New(followerLedger{}, WithLeaderAddresses(map[string]string{"node2": "http://10.0.0.2:8080"})).Router()
	rec := do(t, h, http.MethodPost, "/api/v1/transfers", transferBody("1"), nil)
	if got := rec.Header().Get(headerLeader); got != "http://10.0.0.2:8080" {
		t.Errorf("expected HTTP leader address, got %q", got)
	}
}
