// Package cachetest holds a behavioural test suite shared by every
// cache.Cache implementation.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/cache"
)

// Run exercises c against the cache.Cache contract. settle is called after
// each write for implementations that apply writes asynchronously; pass nil
// otherwise.
func Run(t *testing.T, c cache.Cache, settle func()) {
	t.Helper()
	ctx := context.Background()
	if settle == nil {
		settle = func() {}
	}

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "session:a", []byte(`{"id":"a"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		settle()
		val, found, err := c.Get(ctx, "session:a")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != `{"id":"a"}` {
			t.Fatalf("unexpected value %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "session:missing")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for unknown key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "session:del", []byte("x"), time.Minute)
		settle()
		if err := c.Delete(ctx, "session:del"); err != nil {
			t.Fatal(err)
		}
		settle()
		_, found, err := c.Get(ctx, "session:del")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "session:never"); err != nil {
			t.Fatalf("Delete of unknown key: %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "session:ow", []byte("v1"), time.Minute)
		settle()
		_ = c.Set(ctx, "session:ow", []byte("v2"), time.Minute)
		settle()
		val, found, err := c.Get(ctx, "session:ow")
		if err != nil {
			t.Fatal(err)
		}
		if !found || string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %q found=%v", val, found)
		}
	})
}
