package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/athlex/market-engine/internal/auth"
)

func TestLimiter_PerCallerBuckets(t *testing.T) {
	l := New(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("a") {
		t.Error("third request should be throttled")
	}
	if !l.Allow("b") {
		t.Error("other callers have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Error("one token should refill after a second")
	}
}

func TestLimiter_SweepsIdleBuckets(t *testing.T) {
	l := New(1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(idleAfter + 2*time.Minute)
	l.Allow("b")

	if _, ok := l.buckets["a"]; ok {
		t.Error("expected idle bucket removed")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(0, 1)
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	r := chi.NewRouter()
	r.Use(auth.New("").Middleware)
	r.Use(New(0.001, 1).Middleware)
	r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	send := func(user string) int {
		req := httptest.NewRequest("POST", "/orders", nil)
		req.Header.Set(auth.Header, user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("alice"); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	if code := send("bob"); code != http.StatusCreated {
		t.Errorf("expected bob unaffected, got %d", code)
	}
}
