// Package coordinator drives matched orders to completion. On every tick
// it fetches the pending orders of one address, resolves each order's
// status, and dispatches the next action to the HTLC actor of the
// relevant leg, guarding every dispatch with an execution record in the
// idempotency cache.
package coordinator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/htlc"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/orderbook"
	"github.com/Klingon-tech/swapd/internal/status"
	"github.com/Klingon-tech/swapd/internal/storage"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// Defaults
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPageSize     = 100
	DefaultRecordTTL    = 20 * time.Minute
	DefaultCallTimeout  = 5 * time.Minute
)

var (
	ErrNoAddress  = errors.New("coordinator address is required")
	ErrNoFeed     = errors.New("coordinator feed is required")
	ErrNoActors   = errors.New("coordinator actor registry is required")
	ErrNoCache    = errors.New("coordinator cache is required")
	ErrNotRunning = errors.New("coordinator is not running")
)

// Feed lists the matched orders of an address. *orderbook.Client
// satisfies it.
type Feed interface {
	ListMatchedOrders(ctx context.Context, address string, page, perPage int) (*orderbook.Page, error)
}

// SecretSource derives the secret of an order from its nonce.
// *secret.Manager satisfies it.
type SecretSource interface {
	GenerateSecret(nonce uint64) (secret, secretHash [32]byte, err error)
}

// History receives every dispatch outcome.
type History interface {
	RecordExecution(ctx context.Context, e *storage.Execution) error
}

// Snapshots keeps the last observed state of each order.
type Snapshots interface {
	SaveOrder(ctx context.Context, o *order.MatchedOrder, status string, completed bool) (mergeErr error, err error)
}

// Config configures a Coordinator.
type Config struct {
	// Address is the monitored orderbook identity.
	Address string
	Feed    Feed
	Actors  *htlc.Registry
	Secrets SecretSource
	Cache   cache.Cache

	PollInterval time.Duration
	PageSize     int
	// RecordTTL bounds how long an execution record blocks a repeat
	// dispatch of the same action.
	RecordTTL   time.Duration
	CallTimeout time.Duration
	Policy      status.Policy

	History   History
	Snapshots Snapshots
	Metrics   *Metrics
}

// Coordinator is the execution loop for one address.
type Coordinator struct {
	cfg     Config
	metrics *Metrics
	log     *logging.Logger

	mu       sync.RWMutex
	handlers []EventHandler
	pending  map[string]*order.MatchedOrder
	inflight map[string]struct{}
	lastTick time.Time

	// dispatches tracks actor calls, which outlive the tick that started
	// them.
	dispatches sync.WaitGroup

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Address == "":
		return nil, ErrNoAddress
	case cfg.Feed == nil:
		return nil, ErrNoFeed
	case cfg.Actors == nil:
		return nil, ErrNoActors
	case cfg.Cache == nil:
		return nil, ErrNoCache
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultRecordTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Policy.Now == nil {
		cfg.Policy.Now = time.Now
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Coordinator{
		cfg:      cfg,
		metrics:  metrics,
		log:      logging.GetDefault().Component("coordinator"),
		pending:  make(map[string]*order.MatchedOrder),
		inflight: make(map[string]struct{}),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Address returns the monitored address.
func (c *Coordinator) Address() string {
	return c.cfg.Address
}

func (c *Coordinator) now() time.Time {
	return c.cfg.Policy.Now()
}

// Start runs the polling loop until Stop is called.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.log.Info("Coordinator started", "address", c.cfg.Address, "interval", c.cfg.PollInterval)
	go c.loop(ctx, done)
}

// Stop ends the polling loop and waits for the current tick. Actor calls
// already dispatched keep running; use Drain to wait for them.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info("Coordinator stopped", "address", c.cfg.Address)
}

// Drain waits until every dispatched actor call has returned or ctx is
// done.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests an immediate tick. Requests made while one is already
// queued are coalesced.
func (c *Coordinator) Trigger() error {
	c.mu.RLock()
	running := c.cancel != nil
	c.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		c.runTick(ctx)
	}
}

func (c *Coordinator) runTick(ctx context.Context) {
	if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("Tick failed", "error", err)
	}
}

// Tick runs one pass: fetch, resolve, dispatch. Dispatches run in the
// background, at most one per order, so a slow call never holds up the
// next pass or the other orders.
func (c *Coordinator) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { c.metrics.tickDuration.Observe(time.Since(start).Seconds()) }()

	orders, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	pending := make([]*order.MatchedOrder, 0, len(orders))
	statuses := make(map[string]status.Status, len(orders))
	for _, o := range orders {
		st := status.Resolve(o, c.cfg.Policy)
		c.snapshot(ctx, o, st)
		if st.IsTerminal() {
			continue
		}
		pending = append(pending, o)
		statuses[o.ID()] = st
	}
	c.updatePending(pending)

	// Dispatches must not die with the loop context.
	dispatchCtx := context.WithoutCancel(ctx)
	for _, o := range pending {
		if !c.acquire(o.ID()) {
			continue
		}
		c.dispatches.Add(1)
		go func(o *order.MatchedOrder, st status.Status) {
			defer c.dispatches.Done()
			defer c.release(o.ID())
			c.process(dispatchCtx, o, st)
		}(o, statuses[o.ID()])
	}

	c.mu.Lock()
	c.lastTick = c.now()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) fetch(ctx context.Context) ([]*order.MatchedOrder, error) {
	var all []*order.MatchedOrder
	for page := 1; ; page++ {
		p, err := c.cfg.Feed.ListMatchedOrders(ctx, c.cfg.Address, page, c.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if !p.HasMore() || len(p.Data) == 0 {
			return all, nil
		}
	}
}

func (c *Coordinator) snapshot(ctx context.Context, o *order.MatchedOrder, st status.Status) {
	if c.cfg.Snapshots == nil {
		return
	}
	mergeErr, err := c.cfg.Snapshots.SaveOrder(ctx, o, st.String(), st.IsTerminal())
	if err != nil {
		c.log.Warn("Failed to save order snapshot", "order", o.ID(), "error", err)
		return
	}
	if mergeErr != nil {
		c.log.Warn("Orderbook regressed an observed order", "order", o.ID(), "error", mergeErr)
	}
}

// updatePending replaces the pending set and emits an event when its
// membership changed.
func (c *Coordinator) updatePending(orders []*order.MatchedOrder) {
	next := make(map[string]*order.MatchedOrder, len(orders))
	for _, o := range orders {
		next[o.ID()] = o
	}

	c.mu.Lock()
	changed := len(next) != len(c.pending)
	if !changed {
		for id := range next {
			if _, ok := c.pending[id]; !ok {
				changed = true
				break
			}
		}
	}
	c.pending = next
	c.mu.Unlock()

	c.metrics.pending.Set(float64(len(orders)))
	if changed {
		c.log.Debug("Pending orders changed", "count", len(orders))
		c.emit(Event{Type: EventPendingOrdersChanged, Orders: orders})
	}
}

// PendingOrders returns the orders of the last tick that are not yet
// terminal, sorted by id.
func (c *Coordinator) PendingOrders() []*order.MatchedOrder {
	c.mu.RLock()
	out := make([]*order.MatchedOrder, 0, len(c.pending))
	for _, o := range c.pending {
		out = append(out, o)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// PendingOrder returns one pending order by id.
func (c *Coordinator) PendingOrder(id string) (*order.MatchedOrder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.pending[strings.TrimSpace(id)]
	return o, ok
}

// LastTick returns when the last pass finished.
func (c *Coordinator) LastTick() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTick
}

// Policy returns the expiry policy used to resolve statuses.
func (c *Coordinator) Policy() status.Policy {
	return c.cfg.Policy
}

// acquire claims the single in-flight slot of an order.
func (c *Coordinator) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}
