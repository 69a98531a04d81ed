package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/swapd/internal/order"
)

// Order errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderSnapshot is the last observed state of a tracked order.
type OrderSnapshot struct {
	Order       *order.MatchedOrder `json:"order"`
	Status      string              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// SaveOrder stores an observation of an order. An existing snapshot is
// merged with the new observation so recorded hashes are never lost; if
// the merge is refused the newer observation replaces it and the merge
// error is returned alongside a nil write error.
func (s *Storage) SaveOrder(ctx context.Context, o *order.MatchedOrder, status string, completed bool) (mergeErr error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := o
	prev, err := s.getOrderLocked(ctx, o.ID())
	switch {
	case errors.Is(err, ErrOrderNotFound):
	case err != nil:
		return nil, err
	default:
		merged := *prev.Order
		if mergeErr = merged.Merge(o); mergeErr == nil {
			current = &merged
		}
	}

	data, err := json.Marshal(current)
	if err != nil {
		return mergeErr, fmt.Errorf("failed to marshal order: %w", err)
	}

	now := s.now().Unix()
	var completedAt *int64
	if completed {
		completedAt = &now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, source_chain, destination_chain, status, data, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at,
			completed_at = COALESCE(orders.completed_at, excluded.completed_at)
	`,
		o.ID(), string(o.CreateOrder.SourceChain), string(o.CreateOrder.DestinationChain),
		status, string(data), now, now, completedAt,
	)
	if err != nil {
		return mergeErr, fmt.Errorf("failed to save order: %w", err)
	}
	return mergeErr, nil
}

// GetOrder returns the snapshot of an order.
func (s *Storage) GetOrder(ctx context.Context, id string) (*OrderSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrderLocked(ctx, id)
}

func (s *Storage) getOrderLocked(ctx context.Context, id string) (*OrderSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, status, created_at, updated_at, completed_at FROM orders WHERE id = ?
	`, id)
	snap, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return snap, nil
}

// ListOrders returns snapshots, most recently updated first. With
// activeOnly, completed orders are skipped.
func (s *Storage) ListOrders(ctx context.Context, activeOnly bool, limit int) ([]*OrderSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT data, status, created_at, updated_at, completed_at FROM orders"
	args := []interface{}{}
	if activeOnly {
		query += " WHERE completed_at IS NULL"
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*OrderSnapshot
	for rows.Next() {
		snap, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*OrderSnapshot, error) {
	var data, status string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&data, &status, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	var o order.MatchedOrder
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}

	snap := &OrderSnapshot{
		Order:     &o,
		Status:    status,
		CreatedAt: time.Unix(createdAt, 0),
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		snap.CompletedAt = &t
	}
	return snap, nil
}
