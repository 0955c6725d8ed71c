// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Interstation-Research/shaman/internal/auth"
	"github.com/Interstation-Research/shaman/internal/domain"
)

func TestLocalLimiterRefills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLocalLimiter()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "k", 2)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}

	d, _ := l.Allow(ctx, "k", 2)
	if d.Allowed {
		t.Fatal("expected third request to be limited")
	}
	if d.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s got %d", d.RetryAfterSeconds)
	}

	now = now.Add(30 * time.Second)
	d, _ = l.Allow(ctx, "k", 2)
	if !d.Allowed {
		t.Fatal("expected a token after refill")
	}

	d, _ = l.Allow(ctx, "other", 2)
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("expected independent bucket per key, got %+v", d)
	}
}

func TestLocalLimiterPrunesIdleKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLocalLimiter()
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "a", 10)
	now = now.Add(time.Hour)
	_, _ = l.Allow(context.Background(), "b", 10)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.visitors["a"]; ok {
		t.Fatal("expected idle key to be pruned")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RateLimit(NewLocalLimiter(), 1, logger)(okHandler())

	withCaller := func(r *http.Request) *http.Request {
		return r.WithContext(auth.WithCaller(r.Context(), auth.Caller{Address: domain.Address{0x01}}))
	}

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, withCaller(httptest.NewRequest(http.MethodGet, "/shamans", nil)))
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request status 200 got %d", rec1.Code)
	}
	if got := rec1.Header().Get(headerRateLimitLimit); got != "1" {
		t.Fatalf("expected %s header %q got %q", headerRateLimitLimit, "1", got)
	}
	if got := rec1.Header().Get(headerRateLimitRemaining); got != "0" {
		t.Fatalf("expected %s header %q got %q", headerRateLimitRemaining, "0", got)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, withCaller(httptest.NewRequest(http.MethodGet, "/shamans", nil)))
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request status 429 got %d", rec2.Code)
	}
	if _, err := strconv.Atoi(rec2.Header().Get(headerRetryAfter)); err != nil {
		t.Fatalf("expected numeric %s header, got %q", headerRetryAfter, rec2.Header().Get(headerRetryAfter))
	}

	// a different caller has its own bucket
	rec3 := httptest.NewRecorder()
	other := httptest.NewRequest(http.MethodGet, "/shamans", nil)
	other = other.WithContext(auth.WithCaller(other.Context(), auth.Caller{Address: domain.Address{0x02}}))
	handler.ServeHTTP(rec3, other)
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected other caller status 200 got %d", rec3.Code)
	}

	rec4 := httptest.NewRecorder()
	handler.ServeHTTP(rec4, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec4.Code != http.StatusOK {
		t.Fatalf("expected health check to bypass the limiter, got %d", rec4.Code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	handler := RateLimit(failingLimiter{}, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shamans", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected request through on limiter error, got %d", rec.Code)
	}
}

func TestRateLimitKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/shamans", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := rateLimitKey(req); got != "ip:10.0.0.7" {
		t.Fatalf("unexpected key %q", got)
	}

	acct := domain.Address{0x01}
	req = req.WithContext(auth.WithCaller(req.Context(), auth.Caller{Address: acct}))
	if got := rateLimitKey(req); got != "acct:"+acct.String() {
		t.Fatalf("unexpected key %q", got)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int) (Decision, error) {
	return Decision{}, errors.New("redis down")
}
