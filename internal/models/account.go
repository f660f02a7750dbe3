package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is one of the fixed account buckets every user can hold.
type AccountType string

const (
	AccountTypeBrokerage AccountType = "brokerage"
	AccountTypeExchange  AccountType = "exchange"
	AccountTypeAvailable AccountType = "available"
)

// AccountTypes lists every supported account type in a stable order.
var AccountTypes = []AccountType{AccountTypeBrokerage, AccountTypeExchange, AccountTypeAvailable}

// ParseAccountType accepts the lowercase wire value (case-insensitive).
func ParseAccountType(s string) (AccountType, error) {
	t := AccountType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ValidationError{Field: "account_type", Message: fmt.Sprintf("unknown account type %q", s)}
	}
	return t, nil
}

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeBrokerage, AccountTypeExchange, AccountTypeAvailable:
		return true
	}
	return false
}

func (t AccountType) String() string { return string(t) }

// AccountID builds the account identity "userId:accountType".
func AccountID(userID string, t AccountType) string {
	return userID + ":" + string(t)
}

// SplitAccountID is the inverse of AccountID. The user id may itself contain
// colons, so the type is taken from the last segment.
func SplitAccountID(accountID string) (string, AccountType, error) {
	i := strings.LastIndex(accountID, ":")
	if i <= 0 || i == len(accountID)-1 {
		return "", "", ValidationError{Field: "account_id", Message: fmt.Sprintf("malformed account id %q", accountID)}
	}
	t, err := ParseAccountType(accountID[i+1:])
	if err != nil {
		return "", "", err
	}
	return accountID[:i], t, nil
}

// Account is the snapshot stored under "account:<id>" in the fast-path store
// and mirrored to the relational account table.
type Account struct {
	AccountID   string          `json:"account_id"`
	UserID      string          `json:"user_id"`
	AccountType AccountType     `json:"account_type"`
	Balance     decimal.Decimal `json:"balance"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewAccount returns a zero-balance account created at the given time.
func NewAccount(userID string, t AccountType, at time.Time) Account {
	return Account{
		AccountID:   AccountID(userID, t),
		UserID:      userID,
		AccountType: t,
		Balance:     decimal.Zero,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// reservedUserIDs collide with key namespaces of the fast-path store, since a
// balance lives under the bare "userId:type" key.
var reservedUserIDs = map[string]bool{
	"account":     true,
	"transaction": true,
	"idem":        true,
	"batch_idem":  true,
	"system":      true,
}

const maxUserIDLength = 128

// ValidateUserID rejects ids that are empty, too long, padded with spaces or
// shadow a reserved key namespace.
func ValidateUserID(userID string) error {
	switch {
	case userID == "":
		return ValidationError{Field: "user_id", Message: "must not be empty"}
	case len(userID) > maxUserIDLength:
		return ValidationError{Field: "user_id", Message: fmt.Sprintf("must be at most %d bytes", maxUserIDLength)}
	case strings.TrimSpace(userID) != userID:
		return ValidationError{Field: "user_id", Message: "must not have leading or trailing spaces"}
	case reservedUserIDs[strings.ToLower(userID)]:
		return ValidationError{Field: "user_id", Message: fmt.Sprintf("%q is reserved", userID)}
	}
	return nil
}
