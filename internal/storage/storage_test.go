package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/cache/cachetest"
	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/order"
)

const testHash = "9f64a747e1b97f131fabb6b447296c9b6f0201e79fb3c5356e6c77e89b6a806a"

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	dbPath := filepath.Join(tmpDir, DefaultFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")

	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
	if got := expandPath("/tmp/x"); got != "/tmp/x" {
		t.Errorf("expandPath(/tmp/x) = %s", got)
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t)

	for _, table := range []string{"cache_entries", "executions", "orders"} {
		var name string
		err := store.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestCacheConformance(t *testing.T) {
	cachetest.Run(t, newTestStorage(t), "")
}

func TestCacheSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if ok, err := store.SetIfAbsent(ctx, cache.NamespaceExecution, "redeem_o1", []byte("{}"), time.Hour); !ok || err != nil {
		t.Fatalf("SetIfAbsent() = %v, %v", ok, err)
	}
	store.Close()

	store, err = New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer store.Close()

	ok, err := store.SetIfAbsent(ctx, cache.NamespaceExecution, "redeem_o1", []byte("{}"), time.Hour)
	if err != nil {
		t.Fatalf("SetIfAbsent() error = %v", err)
	}
	if ok {
		t.Error("entry claimed before restart was claimable again")
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	now := time.Now()
	store.now = func() time.Time { return now }

	store.Set(ctx, cache.NamespaceExecution, "a", []byte("1"), time.Minute)
	store.Set(ctx, cache.NamespaceExecution, "b", []byte("2"), time.Hour)
	store.Set(ctx, cache.NamespaceExecution, "c", []byte("3"), 0)

	now = now.Add(2 * time.Minute)

	n, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}
	if ok, _ := store.Has(ctx, cache.NamespaceExecution, "b"); !ok {
		t.Error("live entry was purged")
	}
	if ok, _ := store.Has(ctx, cache.NamespaceExecution, "c"); !ok {
		t.Error("entry without expiry was purged")
	}
}

func TestExecutions(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	base := time.Now().Truncate(time.Millisecond)
	records := []*Execution{
		{OrderID: "o1", Action: "initiate", Chain: "ethereum", Leg: "source", Result: ExecutionSuccess, TxHash: "0x1", CreatedAt: base},
		{OrderID: "o1", Action: "redeem", Chain: "bitcoin", Leg: "destination", Result: ExecutionError, ErrorKind: "transient", ErrorMessage: "timeout", Duration: 1500 * time.Millisecond, CreatedAt: base.Add(time.Second)},
		{OrderID: "o2", Action: "refund", Chain: "sui", Leg: "source", Result: ExecutionSuccess, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		if err := store.RecordExecution(ctx, r); err != nil {
			t.Fatalf("RecordExecution() error = %v", err)
		}
		if r.ID == "" {
			t.Error("RecordExecution() did not assign an id")
		}
	}

	tests := []struct {
		name   string
		filter ExecutionFilter
		want   []string
	}{
		{"all", ExecutionFilter{}, []string{"refund", "redeem", "initiate"}},
		{"by order", ExecutionFilter{OrderID: "o1"}, []string{"redeem", "initiate"}},
		{"by result", ExecutionFilter{Result: ExecutionSuccess}, []string{"refund", "initiate"}},
		{"limit", ExecutionFilter{Limit: 1}, []string{"refund"}},
		{"offset", ExecutionFilter{Offset: 2}, []string{"initiate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListExecutions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListExecutions() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListExecutions() returned %d rows, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.Action != tt.want[i] {
					t.Errorf("row %d action = %s, want %s", i, e.Action, tt.want[i])
				}
			}
		})
	}

	got, _ := store.ListExecutions(ctx, ExecutionFilter{Result: ExecutionError})
	if len(got) != 1 {
		t.Fatalf("expected one error row, got %d", len(got))
	}
	if got[0].ErrorKind != "transient" || got[0].ErrorMessage != "timeout" || got[0].Duration != 1500*time.Millisecond {
		t.Errorf("error row = %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("CreatedAt = %v", got[0].CreatedAt)
	}

	total, err := store.CountExecutions(ctx, "")
	if err != nil || total != 3 {
		t.Errorf("CountExecutions(all) = %d, %v", total, err)
	}
	ok, _ := store.CountExecutions(ctx, ExecutionSuccess)
	if ok != 2 {
		t.Errorf("CountExecutions(success) = %d, want 2", ok)
	}
}

func testOrder() *order.MatchedOrder {
	return &order.MatchedOrder{
		CreateOrder: order.CreateOrder{
			CreateID:         "order-1",
			SourceChain:      chain.BitcoinTestnet,
			DestinationChain: chain.EthereumSepolia,
			Nonce:            "1",
			SecretHash:       testHash,
		},
		SourceSwap:      order.Swap{SwapID: "s1", Chain: chain.BitcoinTestnet, SecretHash: testHash, Amount: decimal.NewFromInt(1000)},
		DestinationSwap: order.Swap{SwapID: "s2", Chain: chain.EthereumSepolia, SecretHash: testHash, Amount: decimal.NewFromInt(2000)},
	}
}

func TestOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	if _, err := store.GetOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("GetOrder(missing) error = %v, want ErrOrderNotFound", err)
	}

	o := testOrder()
	o.SourceSwap.InitiateTxHash = "aa"
	o.SourceSwap.InitiateBlockNumber = 10
	if mergeErr, err := store.SaveOrder(ctx, o, "initiated", false); err != nil || mergeErr != nil {
		t.Fatalf("SaveOrder() = %v, %v", mergeErr, err)
	}

	// A stale observation without the initiate block does not roll it back.
	stale := testOrder()
	stale.SourceSwap.InitiateTxHash = "aa"
	stale.DestinationSwap.InitiateTxHash = "0xbb"
	if mergeErr, err := store.SaveOrder(ctx, stale, "counterparty_initiated", false); err != nil || mergeErr != nil {
		t.Fatalf("SaveOrder(stale) = %v, %v", mergeErr, err)
	}

	snap, err := store.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if snap.Status != "counterparty_initiated" {
		t.Errorf("Status = %s", snap.Status)
	}
	if snap.Order.SourceSwap.InitiateBlockNumber != 10 {
		t.Errorf("InitiateBlockNumber = %d, want 10", snap.Order.SourceSwap.InitiateBlockNumber)
	}
	if snap.Order.DestinationSwap.InitiateTxHash != "0xbb" {
		t.Errorf("destination initiate not recorded")
	}
	if snap.CompletedAt != nil {
		t.Error("CompletedAt set on active order")
	}

	// Clearing a hash is refused by the merge; the newer data still lands.
	cleared := testOrder()
	mergeErr, err := store.SaveOrder(ctx, cleared, "matched", false)
	if err != nil {
		t.Fatalf("SaveOrder(cleared) error = %v", err)
	}
	if !errors.Is(mergeErr, order.ErrHashCleared) {
		t.Errorf("mergeErr = %v, want ErrHashCleared", mergeErr)
	}

	other := testOrder()
	other.CreateOrder.CreateID = "order-2"
	if _, err := store.SaveOrder(ctx, other, "redeemed", true); err != nil {
		t.Fatalf("SaveOrder(order-2) error = %v", err)
	}

	all, err := store.ListOrders(ctx, false, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListOrders(all) = %d, %v", len(all), err)
	}
	active, err := store.ListOrders(ctx, true, 0)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListOrders(active) = %d, %v", len(active), err)
	}
	if active[0].Order.ID() != "order-1" {
		t.Errorf("active order = %s", active[0].Order.ID())
	}
	done, _ := store.GetOrder(ctx, "order-2")
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set on completed order")
	}
}
