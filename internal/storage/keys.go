// Package storage defines the key namespaces of the fast-path store.
package storage

import "strings"

const (
	AccountPrefix          = "account:"
	TransactionPrefix      = "transaction:"
	IdempotencyPrefix      = "idem:"
	BatchIdempotencyPrefix = "batch_idem:"
	processingSuffix       = ":processing"

	// InitializedKey holds the millisecond timestamp of the last full load
	// from the relational mirror.
	InitializedKey = "system:initialized"

	// AppliedIndexKey holds the last replicated log index applied to the
	// store. Log entries at or below it are skipped on replay.
	AppliedIndexKey = "system:applied_index"
)

// BalanceKey is the bare account id; its value is the decimal balance string.
func BalanceKey(accountID string) string { return accountID }

func AccountKey(accountID string) string { return AccountPrefix + accountID }

func TransactionKey(transactionID string) string { return TransactionPrefix + transactionID }

func IdempotencyKey(key string) string { return IdempotencyPrefix + key }

func BatchKey(key string) string { return BatchIdempotencyPrefix + key }

func BatchProcessingKey(key string) string { return BatchIdempotencyPrefix + key + processingSuffix }

// TrimIdempotencyKey strips the "idem:" prefix, reporting false for keys
// outside the namespace or with an empty remainder.
func TrimIdempotencyKey(storeKey string) (string, bool) {
	if !strings.HasPrefix(storeKey, IdempotencyPrefix) || len(storeKey) == len(IdempotencyPrefix) {
		return "", false
	}
	return storeKey[len(IdempotencyPrefix):], true
}
