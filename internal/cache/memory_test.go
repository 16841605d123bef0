package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderGetSet(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get(missing) = %v, want ErrCacheMiss", err)
	}

	if err := p.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get returned %q, want v", got)
	}

	// Stored bytes must not alias the caller's slice.
	got[0] = 'x'
	again, err := p.Get(ctx, "k")
	if err != nil || string(again) != "v" {
		t.Fatalf("Get after mutation = %q, %v; want v, nil", again, err)
	}
}

func TestMemoryProviderTTLExpiry(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after expiry = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	ok, err := p.SetNX(ctx, "k", []byte("first"), 0)
	if err != nil || !ok {
		t.Fatalf("SetNX on empty key = %v, %v; want true, nil", ok, err)
	}
	ok, err = p.SetNX(ctx, "k", []byte("second"), 0)
	if err != nil || ok {
		t.Fatalf("SetNX on held key = %v, %v; want false, nil", ok, err)
	}
	got, _ := p.Get(ctx, "k")
	if string(got) != "first" {
		t.Fatalf("SetNX overwrote value: %q", got)
	}
}

func TestMemoryProviderIncrBy(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	n, err := p.IncrBy(ctx, "counter", 3)
	if err != nil || n != 3 {
		t.Fatalf("IncrBy fresh key = %d, %v; want 3, nil", n, err)
	}
	n, err = p.IncrBy(ctx, "counter", 2)
	if err != nil || n != 5 {
		t.Fatalf("IncrBy second call = %d, %v; want 5, nil", n, err)
	}

	if err := p.Set(ctx, "text", []byte("abc"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := p.IncrBy(ctx, "text", 1); err == nil {
		t.Fatal("IncrBy on non-integer value succeeded")
	}
}

func TestNoopProviderNeverStores(t *testing.T) {
	var p NoopProvider
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("NoopProvider.Get = %v, want ErrCacheMiss", err)
	}
	if n, err := p.IncrBy(ctx, "c", 7); err != nil || n != 7 {
		t.Fatalf("NoopProvider.IncrBy = %d, %v; want 7, nil", n, err)
	}
}
