package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/gpuctl/pkg/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheSetGetDelete(t *testing.T) {
	store := kv.NewFallbackStore()
	c := New[string](store, Config{Name: "products", AccessFlushEvery: time.Hour}, discardLogger())
	defer c.Close()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	store := kv.NewFallbackStore()
	c := New[string](store, Config{Name: "instances", AccessFlushEvery: time.Hour}, discardLogger())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 5*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	store := kv.NewFallbackStore()
	c := New[int](store, Config{Name: "templates", MaxSize: 2, AccessFlushEvery: time.Hour}, discardLogger())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "a", 1, 0); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := c.Set(ctx, "b", 2, 0); err != nil {
		t.Fatalf("Set b: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := c.Set(ctx, "c", 3, 0); err != nil {
		t.Fatalf("Set c: %v", err)
	}

	size, err := c.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("expected size capped at 2, got %d", size)
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatal("expected the oldest entry 'a' to have been evicted")
	}
}

func TestCacheBulkSyncCache(t *testing.T) {
	store := kv.NewFallbackStore()
	c := New[string](store, Config{Name: "instances", AccessFlushEvery: time.Hour}, discardLogger())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "stale", "old", 0); err != nil {
		t.Fatalf("Set stale: %v", err)
	}

	updates := map[string]string{"fresh-1": "a", "fresh-2": "b"}
	if err := c.BulkSyncCache(ctx, updates, []string{"stale"}, 0); err != nil {
		t.Fatalf("BulkSyncCache: %v", err)
	}

	if _, ok, _ := c.Get(ctx, "stale"); ok {
		t.Fatal("expected 'stale' to be deleted by BulkSyncCache")
	}
	for k, want := range updates {
		got, ok, err := c.Get(ctx, k)
		if err != nil || !ok || got != want {
			t.Fatalf("Get(%q): got=%q ok=%v err=%v, want=%q", k, got, ok, err, want)
		}
	}
}

func TestCacheAccessCountFlush(t *testing.T) {
	store := kv.NewFallbackStore()
	c := New[string](store, Config{Name: "products", AccessFlushEvery: 10 * time.Millisecond}, discardLogger())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	raw, ok, err := store.Get(ctx, "cache:products:k")
	if err != nil || !ok {
		t.Fatalf("expected raw entry to exist: ok=%v err=%v", ok, err)
	}
	if raw == "" {
		t.Fatal("expected non-empty raw entry")
	}
	var env envelope[string]
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decoding raw entry: %v", err)
	}
	if env.Meta.AccessCount != 1 {
		t.Fatalf("expected flushed access count 1, got %d", env.Meta.AccessCount)
	}
}
