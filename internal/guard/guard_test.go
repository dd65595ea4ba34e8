package guard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAllow_UnderLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	g := New(5).WithClock(clock.now)

	for i := 0; i < 5; i++ {
		if err := g.Allow("tenant-1"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if got := g.Remaining("tenant-1"); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestAllow_Exceeded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	g := New(2).WithClock(clock.now)

	_ = g.Allow("tenant-1")
	_ = g.Allow("tenant-1")
	err := g.Allow("tenant-1")
	if !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}

	// Other tenants are unaffected.
	if err := g.Allow("tenant-2"); err != nil {
		t.Errorf("tenant-2: unexpected error: %v", err)
	}
}

func TestAllow_WindowReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	g := New(1).WithClock(clock.now)

	if err := g.Allow("tenant-1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := g.Allow("tenant-1"); err == nil {
		t.Fatal("second call in window should fail")
	}

	clock.advance(Window)
	if err := g.Allow("tenant-1"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestAllow_Disabled(t *testing.T) {
	g := New(0)
	for i := 0; i < 100; i++ {
		if err := g.Allow("tenant-1"); err != nil {
			t.Fatalf("disabled guard returned %v", err)
		}
	}
	var nilGuard *Guard
	if err := nilGuard.Allow("tenant-1"); err != nil {
		t.Errorf("nil guard returned %v", err)
	}
}

func TestAllow_Concurrent(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	g := New(50).WithClock(clock.now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Allow("tenant-1") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}
