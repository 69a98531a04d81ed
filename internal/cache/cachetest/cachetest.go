// Package cachetest holds the behaviour every cache.Cache backend must
// share, so each backend's tests can run the same suite.
package cachetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/swapd/internal/cache"
)

// Run exercises c. Keys are unique per call so a shared backend (Redis)
// can be reused between runs.
func Run(t *testing.T, c cache.Cache, keyPrefix string) {
	t.Helper()
	ctx := context.Background()
	k := func(s string) string { return keyPrefix + s }

	t.Run("set get remove", func(t *testing.T) {
		if err := c.Set(ctx, cache.NamespaceExecution, k("a"), []byte("v1"), 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, err := c.Get(ctx, cache.NamespaceExecution, k("a"))
		if err != nil || string(got) != "v1" {
			t.Fatalf("Get() = %q, %v", got, err)
		}
		if ok, _ := c.Has(ctx, cache.NamespaceExecution, k("a")); !ok {
			t.Error("Has() = false after Set")
		}
		if _, err := c.Get(ctx, cache.NamespaceRefundSig, k("a")); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("namespaces should be isolated, got %v", err)
		}
		if err := c.Set(ctx, cache.NamespaceExecution, k("a"), []byte("v2"), 0); err != nil {
			t.Fatalf("Set() overwrite error = %v", err)
		}
		if got, _ := c.Get(ctx, cache.NamespaceExecution, k("a")); string(got) != "v2" {
			t.Errorf("Get() after overwrite = %q", got)
		}
		if err := c.Remove(ctx, cache.NamespaceExecution, k("a")); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if _, err := c.Get(ctx, cache.NamespaceExecution, k("a")); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
		}
		if err := c.Remove(ctx, cache.NamespaceExecution, k("missing")); err != nil {
			t.Errorf("Remove() of missing key error = %v", err)
		}
	})

	t.Run("ttl", func(t *testing.T) {
		ttl := 100 * time.Millisecond
		if err := c.Set(ctx, cache.NamespaceBTCRedeem, k("ttl"), []byte("x"), ttl); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		remaining, err := c.RemainingTTL(ctx, cache.NamespaceBTCRedeem, k("ttl"))
		if err != nil {
			t.Fatalf("RemainingTTL() error = %v", err)
		}
		if remaining <= 0 || remaining > ttl {
			t.Errorf("RemainingTTL() = %s, want in (0, %s]", remaining, ttl)
		}

		time.Sleep(150 * time.Millisecond)
		if _, err := c.Get(ctx, cache.NamespaceBTCRedeem, k("ttl")); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
		}
		if ok, _ := c.Has(ctx, cache.NamespaceBTCRedeem, k("ttl")); ok {
			t.Error("Has() = true after expiry")
		}
		if _, err := c.RemainingTTL(ctx, cache.NamespaceBTCRedeem, k("ttl")); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("RemainingTTL() after expiry error = %v", err)
		}
	})

	t.Run("no expiry", func(t *testing.T) {
		if err := c.Set(ctx, cache.NamespaceRefundSig, k("forever"), []byte("x"), 0); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		remaining, err := c.RemainingTTL(ctx, cache.NamespaceRefundSig, k("forever"))
		if err != nil || remaining != 0 {
			t.Errorf("RemainingTTL() = %s, %v; want 0, nil", remaining, err)
		}
		c.Remove(ctx, cache.NamespaceRefundSig, k("forever"))
	})

	t.Run("set if absent", func(t *testing.T) {
		ok, err := c.SetIfAbsent(ctx, cache.NamespaceExecution, k("nx"), []byte("first"), time.Minute)
		if err != nil || !ok {
			t.Fatalf("first SetIfAbsent() = %v, %v", ok, err)
		}
		ok, err = c.SetIfAbsent(ctx, cache.NamespaceExecution, k("nx"), []byte("second"), time.Minute)
		if err != nil || ok {
			t.Fatalf("second SetIfAbsent() = %v, %v", ok, err)
		}
		if got, _ := c.Get(ctx, cache.NamespaceExecution, k("nx")); string(got) != "first" {
			t.Errorf("value = %q, want first", got)
		}

		// An expired entry does not block a new claim.
		c.Set(ctx, cache.NamespaceExecution, k("nx-exp"), []byte("old"), 50*time.Millisecond)
		time.Sleep(80 * time.Millisecond)
		ok, err = c.SetIfAbsent(ctx, cache.NamespaceExecution, k("nx-exp"), []byte("new"), time.Minute)
		if err != nil || !ok {
			t.Errorf("SetIfAbsent() over expired entry = %v, %v", ok, err)
		}
	})

	t.Run("set if absent concurrent", func(t *testing.T) {
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := c.SetIfAbsent(ctx, cache.NamespaceExecution, k("race"), []byte("x"), time.Minute)
				if err != nil {
					t.Errorf("SetIfAbsent() error = %v", err)
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("%d concurrent claims succeeded, want 1", wins)
		}
	})
}
