package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionResult is the outcome of one dispatch.
type ExecutionResult string

const (
	ExecutionSuccess ExecutionResult = "success"
	ExecutionError   ExecutionResult = "error"
)

// Execution is one row of the dispatch audit log.
type Execution struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	Action       string          `json:"action"`
	Chain        string          `json:"chain"`
	Leg          string          `json:"leg"`
	Result       ExecutionResult `json:"result"`
	TxHash       string          `json:"tx_hash,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Duration     time.Duration   `json:"duration"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	OrderID string
	Result  ExecutionResult
	Limit   int
	Offset  int
}

// RecordExecution appends a dispatch outcome.
func (s *Storage) RecordExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, order_id, action, chain, leg, result, tx_hash,
			error_kind, error_message, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.OrderID, e.Action, e.Chain, e.Leg, e.Result,
		nullString(e.TxHash), nullString(e.ErrorKind), nullString(e.ErrorMessage),
		e.Duration.Milliseconds(), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Storage) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, order_id, action, chain, leg, result, tx_hash,
			error_kind, error_message, duration_ms, created_at
		FROM executions WHERE 1=1
	`
	args := []interface{}{}

	if filter.OrderID != "" {
		query += " AND order_id = ?"
		args = append(args, filter.OrderID)
	}
	if filter.Result != "" {
		query += " AND result = ?"
		args = append(args, filter.Result)
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var e Execution
		var txHash, errKind, errMsg sql.NullString
		var durationMs, createdAt int64
		if err := rows.Scan(
			&e.ID, &e.OrderID, &e.Action, &e.Chain, &e.Leg, &e.Result,
			&txHash, &errKind, &errMsg, &durationMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.TxHash = txHash.String
		e.ErrorKind = errKind.String
		e.ErrorMessage = errMsg.String
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountExecutions counts executions with the given result, or all when
// result is empty.
func (s *Storage) CountExecutions(ctx context.Context, result ExecutionResult) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT COUNT(*) FROM executions"
	args := []interface{}{}
	if result != "" {
		query += " WHERE result = ?"
		args = append(args, result)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
