package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Klingon-tech/swapd/internal/cache"
)

var _ cache.Cache = (*Storage)(nil)

func (s *Storage) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

// Set stores a cache entry, replacing any existing one.
func (s *Storage) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, ns, key, value, s.expiresAt(ttl), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// SetIfAbsent inserts the entry unless a live one exists. An expired row
// is overwritten in the same statement.
func (s *Storage) SetIfAbsent(ctx context.Context, ns, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		WHERE cache_entries.expires_at > 0 AND cache_entries.expires_at <= ?
	`, ns, key, value, s.expiresAt(ttl), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim cache entry: %w", err)
	}
	return n > 0, nil
}

// Get returns a live cache entry.
func (s *Storage) Get(ctx context.Context, ns, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM cache_entries WHERE namespace = ? AND key = ?
	`, ns, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if s.isExpired(expiresAt) {
		return nil, cache.ErrNotFound
	}
	return value, nil
}

// Remove deletes a cache entry.
func (s *Storage) Remove(ctx context.Context, ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, ns, key); err != nil {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

// Has reports whether a live entry exists.
func (s *Storage) Has(ctx context.Context, ns, key string) (bool, error) {
	_, err := s.RemainingTTL(ctx, ns, key)
	if err == cache.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// RemainingTTL returns the time until the entry expires.
func (s *Storage) RemainingTTL(ctx context.Context, ns, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT expires_at FROM cache_entries WHERE namespace = ? AND key = ?
	`, ns, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, cache.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if expiresAt == 0 {
		return 0, nil
	}
	if s.isExpired(expiresAt) {
		return 0, cache.ErrNotFound
	}
	return time.UnixMilli(expiresAt).Sub(s.now()), nil
}

// PurgeExpired deletes expired cache entries and returns how many.
func (s *Storage) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?
	`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return res.RowsAffected()
}

func (s *Storage) isExpired(expiresAt int64) bool {
	return expiresAt > 0 && expiresAt <= s.now().UnixMilli()
}
