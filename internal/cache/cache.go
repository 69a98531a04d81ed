// Package cache is the execution idempotency ledger. Entries are keyed by
// namespace and key and expire independently; losing one only risks a
// redundant resubmission that the HTLC contract rejects on-chain.
package cache

import (
	"context"
	"errors"
	"time"
)

// Namespaces
const (
	// NamespaceExecution holds in-flight and completed action receipts,
	// keyed "<action>_<orderId>".
	NamespaceExecution = "execution"
	// NamespaceBTCRedeem tracks Bitcoin redeems that may be replaced.
	NamespaceBTCRedeem = "btc_redeem"
	// NamespaceRefundSig holds pre-signed Bitcoin refund transactions.
	NamespaceRefundSig = "refund_sig"
)

// ErrNotFound is returned for absent or expired entries.
var ErrNotFound = errors.New("cache entry not found")

// Cache is a TTL-keyed store. A zero TTL means the entry never expires.
type Cache interface {
	Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores the value only when no live entry exists and
	// reports whether it did. The check and the insert are one atomic step.
	SetIfAbsent(ctx context.Context, ns, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Remove(ctx context.Context, ns, key string) error
	Has(ctx context.Context, ns, key string) (bool, error)
	// RemainingTTL returns the time left, 0 for entries without expiry,
	// and ErrNotFound when absent.
	RemainingTTL(ctx context.Context, ns, key string) (time.Duration, error)
}

// ExecutionKey builds the execution namespace key for an action.
func ExecutionKey(action, orderID string) string {
	return action + "_" + orderID
}

// Backend names accepted by config.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)
