package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinicflow/engine/internal/platform/auth"
)

func rateLimited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func callAs(e *echo.Echo, h echo.HandlerFunc, userID, ip string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	if userID != "" {
		req = req.WithContext(auth.WithActor(req.Context(), auth.ActorContext{UserID: userID, Role: auth.RoleDoctor}))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_WithinBurst(t *testing.T) {
	e := echo.New()
	h := rateLimited(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := callAs(e, h, "", "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	e := echo.New()
	h := rateLimited(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := callAs(e, h, "", "10.0.0.1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}
	rec, err := callAs(e, h, "", "10.0.0.1")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 || retry > 2 {
		t.Errorf("expected Retry-After of 1-2s, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_KeysByUserThenIP(t *testing.T) {
	e := echo.New()
	h := rateLimited(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})

	if _, err := callAs(e, h, "", "10.0.0.1"); err != nil {
		t.Fatalf("first anonymous request: %v", err)
	}
	if _, err := callAs(e, h, "", "10.0.0.1"); err == nil {
		t.Fatal("expected second anonymous request from the same ip to be limited")
	}
	// Same address, different users: separate buckets.
	if _, err := callAs(e, h, "doctor-1", "10.0.0.1"); err != nil {
		t.Fatalf("doctor-1: %v", err)
	}
	if _, err := callAs(e, h, "doctor-2", "10.0.0.1"); err != nil {
		t.Fatalf("doctor-2: %v", err)
	}
	if _, err := callAs(e, h, "doctor-1", "10.0.0.2"); err == nil {
		t.Fatal("expected doctor-1 to be limited from any address")
	}
}

func TestRateLimit_ZeroRateDisables(t *testing.T) {
	e := echo.New()
	h := rateLimited(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if _, err := callAs(e, h, "", "10.0.0.1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}
}
