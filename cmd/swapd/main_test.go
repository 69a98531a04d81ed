package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/config"
	"github.com/Klingon-tech/swapd/internal/secret"
	"github.com/Klingon-tech/swapd/internal/storage"
)

func TestDigestKeyLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.key")
	const password = "Correct-Horse-42"

	addr, err := initDigestKey(path, password)
	if err != nil {
		t.Fatalf("initDigestKey: %v", err)
	}

	if _, err := initDigestKey(path, password); !errors.Is(err, errKeystoreExists) {
		t.Errorf("second init error = %v, want %v", err, errKeystoreExists)
	}

	m, err := unlockDigestKey(path, password)
	if err != nil {
		t.Fatalf("unlockDigestKey: %v", err)
	}
	got, err := m.Address()
	if err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Errorf("unlocked address = %s, want %s", got, addr)
	}

	if _, err := unlockDigestKey(path, "Wrong-Horse-42"); err == nil {
		t.Error("wrong password unlocked the keystore")
	}
}

func TestOpenCache(t *testing.T) {
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	tests := []struct {
		backend string
		check   func(cache.Cache) bool
	}{
		{cache.BackendMemory, func(c cache.Cache) bool { _, ok := c.(*cache.Memory); return ok }},
		{cache.BackendSQLite, func(c cache.Cache) bool { return c == cache.Cache(store) }},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.DefaultConfig(chain.Testnet)
			cfg.Cache.Backend = tt.backend
			c, closeFn, err := openCache(context.Background(), cfg, store)
			if err != nil {
				t.Fatalf("openCache: %v", err)
			}
			defer closeFn()
			if !tt.check(c) {
				t.Errorf("unexpected cache %T", c)
			}
		})
	}
}

func TestBuildActorsBitcoinOnly(t *testing.T) {
	m, err := unlockDigestKeyForTest(t)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig(chain.Testnet)
	reg, err := buildActors(context.Background(), cfg, m, cache.NewMemory(0))
	if err != nil {
		t.Fatalf("buildActors: %v", err)
	}
	chains := reg.Chains()
	if len(chains) != 1 || chains[0] != chain.BitcoinTestnet {
		t.Fatalf("chains = %v", chains)
	}
	actor, err := reg.For(chain.BitcoinTestnet)
	if err != nil {
		t.Fatal(err)
	}
	if actor.Family() != chain.FamilyBitcoin || len(actor.Address()) != 66 {
		t.Errorf("actor = %s %s", actor.Family(), actor.Address())
	}
}

func unlockDigestKeyForTest(t *testing.T) (*secret.Manager, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "digest.key")
	if _, err := initDigestKey(path, "Correct-Horse-42"); err != nil {
		return nil, err
	}
	return unlockDigestKey(path, "Correct-Horse-42")
}
