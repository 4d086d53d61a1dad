package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/models"
)

// fakeClock is a settable time source for the limiter.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter() (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter()
	rl.now = clock.Now
	return rl, clock
}

func (rl *RateLimiter) has(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, ok := rl.buckets[key]
	return ok
}

func TestRateLimiterPeerBudgets(t *testing.T) {
	rl, _ := newClockedLimiter()

	for i := 0; i < 3; i++ {
		if !rl.Allow("child-north", 3) {
			t.Fatalf("child-north exchange %d refused inside its budget", i+1)
		}
	}
	if rl.Allow("child-north", 3) {
		t.Fatal("child-north allowed past its budget")
	}
	// A sibling behind the same gateway has its own budget.
	if !rl.Allow("child-south", 3) {
		t.Fatal("child-south refused because child-north is busy")
	}
}

func TestRateLimiterBudgetRefillsNextWindow(t *testing.T) {
	rl, clock := newClockedLimiter()

	for i := 0; i < 2; i++ {
		rl.Allow("child-north", 2)
	}
	clock.Advance(59 * time.Second)
	if rl.Allow("child-north", 2) {
		t.Fatal("budget refilled before the window ended")
	}
	clock.Advance(time.Second)
	if !rl.Allow("child-north", 2) {
		t.Fatal("budget not refilled in the next window")
	}
}

func TestRateLimiterRunEvictsIdlePeers(t *testing.T) {
	rl, clock := newClockedLimiter()
	rl.sweep = 5 * time.Millisecond

	rl.Allow("child-gone", 10)
	clock.Advance(3 * time.Minute)
	rl.Allow("child-active", 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for rl.has("child-gone") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("idle peer bucket never evicted")
		}
		time.Sleep(time.Millisecond)
	}
	if !rl.has("child-active") {
		t.Fatal("active peer bucket evicted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPeerRateLimitIsPerPeer(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.ServerConfig) { cfg.RateLimitSync = 1 })
	handler := srv.withPeerRateLimit(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	call := func(p *models.Peer) int {
		r := httptest.NewRequest(http.MethodPost, "/v1/sync/exchange", nil)
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyPeer, p))
		w := httptest.NewRecorder()
		handler(w, r)
		return w.Code
	}
	north := &models.Peer{ID: "child-1", Nickname: "north"}
	renamed := &models.Peer{ID: "child-2", Nickname: "north"}

	if code := call(north); code != http.StatusNoContent {
		t.Fatalf("first call: got %d", code)
	}
	if code := call(north); code != http.StatusTooManyRequests {
		t.Fatalf("second call: expected 429, got %d", code)
	}
	// Budgets follow the peer ID, not the nickname.
	if code := call(renamed); code != http.StatusNoContent {
		t.Fatalf("other peer: got %d", code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 1000; i++ {
		if !rl.Allow("k", 0) {
			t.Fatalf("limit 0 must never deny (request %d)", i+1)
		}
	}
}
