package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/status"
	"github.com/Klingon-tech/swapd/internal/storage"
)

// Version of the daemon
const Version = "0.1.0-dev"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ========================================
// Node handlers
// ========================================

// ChainInfo describes one configured actor.
type ChainInfo struct {
	Chain   string `json:"chain"`
	Family  string `json:"family"`
	Address string `json:"address"`
}

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version       string      `json:"version"`
	Network       string      `json:"network"`
	Address       string      `json:"address"`
	DataDir       string      `json:"data_dir"`
	Uptime        string      `json:"uptime"`
	Chains        []ChainInfo `json:"chains"`
	PendingOrders int         `json:"pending_orders"`
	LastTick      *time.Time  `json:"last_tick,omitempty"`
	WSClients     int         `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &NodeInfoResult{
		Version:   Version,
		Network:   string(s.network),
		DataDir:   s.dataDir,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Chains:    make([]ChainInfo, 0),
		WSClients: s.wsHub.ClientCount(),
	}

	if s.actors != nil {
		for _, c := range s.actors.Chains() {
			actor, err := s.actors.For(c)
			if err != nil {
				continue
			}
			result.Chains = append(result.Chains, ChainInfo{
				Chain:   string(c),
				Family:  string(actor.Family()),
				Address: actor.Address(),
			})
		}
	}

	if s.coordinator != nil {
		result.Address = s.coordinator.Address()
		result.PendingOrders = len(s.coordinator.PendingOrders())
		if last := s.coordinator.LastTick(); !last.IsZero() {
			result.LastTick = &last
		}
	}

	return result, nil
}

// ========================================
// Order handlers
// ========================================

// OrderStatusResult pairs an order with its resolved status.
type OrderStatusResult struct {
	Order     *order.MatchedOrder `json:"order"`
	Status    string              `json:"status"`
	Pending   bool                `json:"pending"`
	UpdatedAt *time.Time          `json:"updated_at,omitempty"`
}

// OrdersPendingResult is the response for orders_pending.
type OrdersPendingResult struct {
	Orders []*OrderStatusResult `json:"orders"`
	Count  int                  `json:"count"`
}

func (s *Server) ordersPending(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.coordinator == nil {
		return nil, errors.New("coordinator not running")
	}

	policy := s.coordinator.Policy()
	pending := s.coordinator.PendingOrders()
	result := &OrdersPendingResult{
		Orders: make([]*OrderStatusResult, 0, len(pending)),
		Count:  len(pending),
	}
	for _, o := range pending {
		result.Orders = append(result.Orders, &OrderStatusResult{
			Order:   o,
			Status:  status.Resolve(o, policy).String(),
			Pending: true,
		})
	}
	return result, nil
}

// OrderIDParams is the parameters for orders_status.
type OrderIDParams struct {
	OrderID string `json:"order_id"`
}

func (s *Server) ordersStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if p.OrderID == "" {
		return nil, invalidParams("order_id is required")
	}

	if s.coordinator != nil {
		if o, ok := s.coordinator.PendingOrder(p.OrderID); ok {
			return &OrderStatusResult{
				Order:   o,
				Status:  status.Resolve(o, s.coordinator.Policy()).String(),
				Pending: true,
			}, nil
		}
	}

	if s.store == nil {
		return nil, notFound("order %s not found", p.OrderID)
	}
	snap, err := s.store.GetOrder(ctx, p.OrderID)
	if errors.Is(err, storage.ErrOrderNotFound) {
		return nil, notFound("order %s not found", p.OrderID)
	}
	if err != nil {
		return nil, err
	}
	return snapshotResult(snap), nil
}

// OrdersListParams is the parameters for orders_list.
type OrdersListParams struct {
	Active bool `json:"active,omitempty"`
	Limit  int  `json:"limit,omitempty"`
}

// OrdersListResult is the response for orders_list.
type OrdersListResult struct {
	Orders []*OrderStatusResult `json:"orders"`
	Count  int                  `json:"count"`
}

func (s *Server) ordersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrdersListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid params: %v", err)
		}
	}
	if s.store == nil {
		return nil, errors.New("storage not available")
	}

	snaps, err := s.store.ListOrders(ctx, p.Active, clampLimit(p.Limit))
	if err != nil {
		return nil, err
	}

	result := &OrdersListResult{Orders: make([]*OrderStatusResult, 0, len(snaps))}
	for _, snap := range snaps {
		result.Orders = append(result.Orders, snapshotResult(snap))
	}
	result.Count = len(result.Orders)
	return result, nil
}

func snapshotResult(snap *storage.OrderSnapshot) *OrderStatusResult {
	updated := snap.UpdatedAt
	return &OrderStatusResult{
		Order:     snap.Order,
		Status:    snap.Status,
		UpdatedAt: &updated,
	}
}

// ========================================
// Execution handlers
// ========================================

// ExecutionsListParams is the parameters for executions_list.
type ExecutionsListParams struct {
	OrderID string `json:"order_id,omitempty"`
	Result  string `json:"result,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// ExecutionsListResult is the response for executions_list.
type ExecutionsListResult struct {
	Executions []*storage.Execution `json:"executions"`
	Count      int                  `json:"count"`
}

func (s *Server) executionsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ExecutionsListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid params: %v", err)
		}
	}

	result := storage.ExecutionResult(p.Result)
	switch result {
	case "", storage.ExecutionSuccess, storage.ExecutionError:
	default:
		return nil, invalidParams("result must be %q or %q", storage.ExecutionSuccess, storage.ExecutionError)
	}
	if p.Offset < 0 {
		return nil, invalidParams("offset must not be negative")
	}
	if s.store == nil {
		return nil, errors.New("storage not available")
	}

	executions, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
		OrderID: p.OrderID,
		Result:  result,
		Limit:   clampLimit(p.Limit),
		Offset:  p.Offset,
	})
	if err != nil {
		return nil, err
	}
	if executions == nil {
		executions = make([]*storage.Execution, 0)
	}
	return &ExecutionsListResult{Executions: executions, Count: len(executions)}, nil
}

// ========================================
// Cache handlers
// ========================================

// CacheGetParams is the parameters for cache_get.
type CacheGetParams struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// CacheGetResult is the response for cache_get. Value holds the raw
// entry when it is JSON, Raw otherwise.
type CacheGetResult struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
	TTL       string          `json:"ttl"`
}

var cacheNamespaces = map[string]bool{
	cache.NamespaceExecution: true,
	cache.NamespaceBTCRedeem: true,
	cache.NamespaceRefundSig: true,
}

func (s *Server) cacheGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CacheGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if !cacheNamespaces[p.Namespace] {
		return nil, invalidParams("unknown namespace %q", p.Namespace)
	}
	if p.Key == "" {
		return nil, invalidParams("key is required")
	}
	if s.cache == nil {
		return nil, errors.New("cache not available")
	}

	value, err := s.cache.Get(ctx, p.Namespace, p.Key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, notFound("%s/%s not found", p.Namespace, p.Key)
	}
	if err != nil {
		return nil, err
	}

	ttl, err := s.cache.RemainingTTL(ctx, p.Namespace, p.Key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, notFound("%s/%s not found", p.Namespace, p.Key)
	}
	if err != nil {
		return nil, err
	}

	result := &CacheGetResult{
		Namespace: p.Namespace,
		Key:       p.Key,
		TTL:       ttl.Round(time.Second).String(),
	}
	if json.Valid(value) {
		result.Value = value
	} else {
		result.Raw = value
	}
	return result, nil
}

// ========================================
// Coordinator handlers
// ========================================

// TriggerResult is the response for coordinator_trigger.
type TriggerResult struct {
	Triggered bool `json:"triggered"`
}

func (s *Server) coordinatorTrigger(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.coordinator == nil {
		return nil, errors.New("coordinator not running")
	}
	if err := s.coordinator.Trigger(); err != nil {
		return nil, err
	}
	return &TriggerResult{Triggered: true}, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
