package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/halcyon-health/halcyon/pkg/cache"
)

func TestSetGet(t *testing.T) {
	c := New(WithSweepInterval(0))
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q, want v", got)
	}
}

func TestGet_Miss(t *testing.T) {
	c := New(WithSweepInterval(0))
	defer c.Close()
	if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("err = %v, want ErrMiss", err)
	}
}

func TestExpiry(t *testing.T) {
	c := New(WithSweepInterval(0))
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("err after expiry = %v, want ErrMiss", err)
	}
	// Lazy eviction removed the entry on access.
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestDelete(t *testing.T) {
	c := New(WithSweepInterval(0))
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("err after delete = %v, want ErrMiss", err)
	}
}

func TestValueIsolation(t *testing.T) {
	c := New(WithSweepInterval(0))
	defer c.Close()
	ctx := context.Background()

	original := []byte("abc")
	if err := c.Set(ctx, "k", original, 0); err != nil {
		t.Fatal(err)
	}
	original[0] = 'x'

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Errorf("stored value mutated: %q", got)
	}
	got[0] = 'y'
	again, _ := c.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("returned value aliased: %q", again)
	}
}

func TestSweep(t *testing.T) {
	c := New(WithSweepInterval(0))
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Millisecond)
	c.Set(ctx, "b", []byte("2"), 0)
	time.Sleep(5 * time.Millisecond)

	c.sweep()
	if c.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", c.Len())
	}
}
