package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAccountIDRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		typ    AccountType
	}{
		{"simple", "UserA", AccountTypeAvailable},
		{"colon in user id", "org:42", AccountTypeBrokerage},
		{"exchange", "bank", AccountTypeExchange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := AccountID(tt.userID, tt.typ)
			user, typ, err := SplitAccountID(id)
			if err != nil {
				t.Fatalf("SplitAccountID(%q): %v", id, err)
			}
			if user != tt.userID || typ != tt.typ {
				t.Errorf("got (%q, %q), want (%q, %q)", user, typ, tt.userID, tt.typ)
			}
		})
	}
}

func TestSplitAccountIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "nocolon", ":available", "user:", "user:savings"} {
		if _, _, err := SplitAccountID(id); !errors.Is(err, ErrValidation) {
			t.Errorf("SplitAccountID(%q) error = %v, want validation error", id, err)
		}
	}
}

func TestParseAccountType(t *testing.T) {
	got, err := ParseAccountType(" Exchange ")
	if err != nil || got != AccountTypeExchange {
		t.Fatalf("ParseAccountType = (%q, %v)", got, err)
	}
	if _, err := ParseAccountType("checking"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestTransactionEntriesBalance(t *testing.T) {
	tx := Transaction{
		ID:            "tx-1",
		FromAccountID: "a:available",
		ToAccountID:   "b:available",
		Amount:        decimal.RequireFromString("12.34"),
		ProcessedAt:   time.Unix(0, 0),
	}
	debit, credit := tx.Entries()
	if !SumEntries(debit, credit).IsZero() {
		t.Errorf("entries do not balance: %s + %s", debit.Amount, credit.Amount)
	}
	if debit.AccountID != tx.FromAccountID || credit.AccountID != tx.ToAccountID {
		t.Errorf("legs attached to wrong accounts: %+v %+v", debit, credit)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest},
		{NotFoundError{AccountID: "x:available"}, http.StatusNotFound},
		{InsufficientFundsError{AccountID: "x:available"}, http.StatusBadRequest},
		{NotLeaderError{Leader: "10.0.0.2:7000"}, http.StatusMisdirectedRequest},
		{ErrChannelClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("submit: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NotLeaderError{}) {
		t.Error("not-leader should be retryable")
	}
	if IsRetryable(InsufficientFundsError{}) {
		t.Error("insufficient funds should not be retryable")
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantErr bool
	}{
		{"plain", "alice", false},
		{"with colon", "org:alice", false},
		{"empty", "", true},
		{"padded", " alice", true},
		{"reserved account", "account", true},
		{"reserved idem uppercase", "IDEM", true},
		{"reserved system", "system", true},
		{"too long", strings.Repeat("x", 129), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.userID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateUserID(%q) error = %v, wantErr %v", tt.userID, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("error %v does not wrap ErrValidation", err)
			}
		})
	}
}
