package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/images/cat", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	for _, header := range []string{
		"X-Frame-Options",
		"X-Content-Type-Options",
		"Content-Security-Policy",
		"Referrer-Policy",
		"Cache-Control",
	} {
		if rr.Header().Get(header) == "" {
			t.Errorf("Expected header %s to be set", header)
		}
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS header should not be set for non-TLS requests")
	}
}

func TestSecurityHeadersMiddleware_TLS(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header should be set for TLS requests")
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(5, time.Second, quietLogger())
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("test-client"); !ok {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	ok, retry := limiter.Allow("test-client")
	if ok {
		t.Error("Request should be rate limited")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("unexpected retry-after %v", retry)
	}

	if ok, _ := limiter.Allow("other-client"); !ok {
		t.Error("Different client should be allowed")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute, quietLogger())
	defer limiter.Stop()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("test-client")
	limiter.Allow("test-client")
	if ok, _ := limiter.Allow("test-client"); ok {
		t.Error("Request should be rate limited")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("test-client"); !ok {
		t.Error("Request should be allowed after window reset")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(2, time.Second, quietLogger())
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/keys", nil)
	req.RemoteAddr = "127.0.0.1:12345"

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("Request %d should succeed, got status %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d", http.StatusTooManyRequests, rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}

	health := httptest.NewRequest("GET", "/health", nil)
	health.RemoteAddr = req.RemoteAddr
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, health)
	if rr.Code != http.StatusOK {
		t.Errorf("exempt path was limited: %d", rr.Code)
	}
}

func TestGetRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	if got := getRemoteAddr(req); got != "127.0.0.1:12345" {
		t.Errorf("got %s", got)
	}

	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	if got := getRemoteAddr(req); got != "192.168.1.1" {
		t.Errorf("got %s", got)
	}

	req.Header.Set("X-Real-IP", "10.9.9.9")
	if got := getRemoteAddr(req); got != "10.9.9.9" {
		t.Errorf("got %s", got)
	}
}
