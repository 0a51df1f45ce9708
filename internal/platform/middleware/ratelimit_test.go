package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telecare/relay/internal/platform/auth"
)

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func doRequest(t *testing.T, e *echo.Echo, h echo.HandlerFunc, userID string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, userID))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := doRequest(t, e, h, "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := doRequest(t, e, h, ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec, err := doRequest(t, e, h, "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeysByUser(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	if _, err := doRequest(t, e, h, "dr-house"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same address, different user: separate bucket.
	if _, err := doRequest(t, e, h, "pt-cuddy"); err != nil {
		t.Fatalf("expected separate bucket per user, got %v", err)
	}
	if _, err := doRequest(t, e, h, "dr-house"); err == nil {
		t.Fatal("expected dr-house to be throttled")
	}
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }

	l.bucket("ip:10.0.0.1")
	now = now.Add(2 * time.Minute)
	l.bucket("ip:10.0.0.2")

	if _, ok := l.buckets["ip:10.0.0.1"]; ok {
		t.Error("expected idle bucket to be evicted")
	}
	if len(l.buckets) != 1 {
		t.Errorf("expected 1 bucket, got %d", len(l.buckets))
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newTokenBucket(2, 1, now)

	if ok, _ := b.take(now); !ok {
		t.Fatal("expected first take to succeed")
	}
	if ok, retry := b.take(now); ok || retry != 1 {
		t.Fatalf("expected refusal with retry 1, got ok=%v retry=%d", ok, retry)
	}
	if ok, _ := b.take(now.Add(600 * time.Millisecond)); !ok {
		t.Error("expected bucket to refill")
	}
}
