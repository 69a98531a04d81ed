package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/htlc"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/status"
	"github.com/Klingon-tech/swapd/internal/storage"
	"github.com/Klingon-tech/swapd/internal/swaperr"
)

// ExecutionRecord is the cache entry written for a dispatched action. It
// is written before the actor is called, without a tx hash, and
// overwritten with the hash once the call succeeds.
type ExecutionRecord struct {
	OrderKey  string          `json:"order_key"`
	Action    Action          `json:"action"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Timestamp int64           `json:"timestamp"`
	AuxData   json.RawMessage `json:"aux_data,omitempty"`
}

// LoadRecord reads the execution record of an action.
func LoadRecord(ctx context.Context, c cache.Cache, action Action, orderID string) (*ExecutionRecord, error) {
	raw, err := c.Get(ctx, cache.NamespaceExecution, cache.ExecutionKey(string(action), orderID))
	if err != nil {
		return nil, err
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode execution record: %w", err)
	}
	return &rec, nil
}

func (c *Coordinator) process(ctx context.Context, o *order.MatchedOrder, st status.Status) {
	src := o.Swap(order.Source)
	sourceActor, _ := c.cfg.Actors.For(src.Chain)

	action := Decide(o, st, sourceActor)
	if action == ActionIdle {
		return
	}
	c.dispatch(ctx, o, action)
}

// dispatch runs one action under its execution record.
func (c *Coordinator) dispatch(ctx context.Context, o *order.MatchedOrder, action Action) {
	leg := o.Swap(action.Leg())
	chainName := string(leg.Chain)
	key := cache.ExecutionKey(string(action), o.ID())

	rec := ExecutionRecord{OrderKey: o.ID(), Action: action, Timestamp: c.now().Unix()}
	data, _ := json.Marshal(rec)

	claimed, err := c.cfg.Cache.SetIfAbsent(ctx, cache.NamespaceExecution, key, data, c.cfg.RecordTTL)
	if err != nil {
		c.log.Warn("Execution cache unavailable", "order", o.ID(), "action", action, "error", err)
		c.fail(ctx, o, action, leg, 0, swaperr.Transient("coordinator.dispatch", err))
		return
	}
	if !claimed {
		c.metrics.dispatched(action, chainName, resultSkipped)
		c.log.Debug("Action already in flight", "order", o.ID(), "action", action)
		return
	}

	// In-flight calls outlive Stop; only the per-call timeout bounds them.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()

	c.log.Info("Dispatching action", "order", o.ID(), "action", action, "chain", leg.Chain)
	start := time.Now()
	txHash, err := c.call(callCtx, o, action, leg)
	elapsed := time.Since(start)

	if err != nil {
		if rmErr := c.cfg.Cache.Remove(callCtx, cache.NamespaceExecution, key); rmErr != nil {
			c.log.Warn("Failed to clear execution record", "order", o.ID(), "action", action, "error", rmErr)
		}
		c.fail(callCtx, o, action, leg, elapsed, err)
		return
	}

	rec.TxHash = txHash
	rec.Timestamp = c.now().Unix()
	data, _ = json.Marshal(rec)
	if err := c.cfg.Cache.Set(callCtx, cache.NamespaceExecution, key, data, c.cfg.RecordTTL); err != nil {
		c.log.Warn("Failed to store execution record", "order", o.ID(), "action", action, "error", err)
	}

	c.metrics.dispatched(action, chainName, resultSuccess)
	c.log.Info("Action submitted", "order", o.ID(), "action", action, "tx", txHash)
	c.record(callCtx, &storage.Execution{
		OrderID:  o.ID(),
		Action:   string(action),
		Chain:    chainName,
		Leg:      action.Leg().String(),
		Result:   storage.ExecutionSuccess,
		TxHash:   txHash,
		Duration: elapsed,
	})
	c.emit(Event{Type: EventSuccess, OrderID: o.ID(), Action: action, Result: txHash})
}

func (c *Coordinator) call(ctx context.Context, o *order.MatchedOrder, action Action, leg *order.Swap) (string, error) {
	actor, err := c.cfg.Actors.For(leg.Chain)
	if err != nil {
		return "", err
	}

	switch action {
	case ActionInitiate:
		return actor.Initiate(ctx, o)
	case ActionRefund:
		return actor.Refund(ctx, o)
	case ActionRedeem:
		secret, err := c.secretFor(o)
		if err != nil {
			return "", err
		}
		return actor.Redeem(ctx, o, secret)
	default:
		return "", swaperr.Validation("coordinator.dispatch", "unknown action %q", action)
	}
}

// secretFor derives the order's secret and checks it against the leg
// being redeemed.
func (c *Coordinator) secretFor(o *order.MatchedOrder) ([]byte, error) {
	const op = "coordinator.secret"
	if c.cfg.Secrets == nil {
		return nil, swaperr.NotInitialized(op)
	}
	nonce, err := o.CreateOrder.NonceValue()
	if err != nil {
		return nil, swaperr.ValidationErr(op, err)
	}
	secret, _, err := c.cfg.Secrets.GenerateSecret(nonce)
	if err != nil {
		return nil, err
	}
	if !o.DestinationSwap.CheckSecret(secret[:]) {
		return nil, swaperr.ValidationErr(op, htlc.ErrSecretMismatch)
	}
	return secret[:], nil
}

func (c *Coordinator) fail(ctx context.Context, o *order.MatchedOrder, action Action, leg *order.Swap, elapsed time.Duration, err error) {
	kind := swaperr.KindOf(err)
	c.metrics.dispatched(action, string(leg.Chain), resultError)
	c.log.Warn("Action failed", "order", o.ID(), "action", action, "kind", kind, "error", err)

	c.record(ctx, &storage.Execution{
		OrderID:      o.ID(),
		Action:       string(action),
		Chain:        string(leg.Chain),
		Leg:          action.Leg().String(),
		Result:       storage.ExecutionError,
		ErrorKind:    kind.String(),
		ErrorMessage: err.Error(),
		Duration:     elapsed,
	})
	c.emit(Event{
		Type:      EventError,
		OrderID:   o.ID(),
		Action:    action,
		Error:     err.Error(),
		ErrorKind: kind.String(),
	})
}

func (c *Coordinator) record(ctx context.Context, e *storage.Execution) {
	if c.cfg.History == nil {
		return
	}
	if err := c.cfg.History.RecordExecution(ctx, e); err != nil {
		c.log.Warn("Failed to record execution", "order", e.OrderID, "error", err)
	}
}
