package web

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func limitedEngine(limiter *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(RateLimitMiddleware(limiter))
	g.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return g
}

func TestRateLimitMiddlewareAllowsWithinBudget(t *testing.T) {
	g := limitedEngine(NewRateLimiter(rate.Limit(100), 5))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ping", nil)
		g.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d unexpectedly limited: %d", i, w.Code)
		}
	}
}

func TestRateLimitMiddlewareBlocksBurst(t *testing.T) {
	// 1 req/sec with burst 2: the third immediate request must fail
	g := limitedEngine(NewRateLimiter(rate.Limit(1), 2))

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ping", nil)
		g.ServeHTTP(w, req)
		codes[i] = w.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("Requests within burst were limited: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 429 past the burst, got %d", codes[2])
	}
}

func TestRateLimitPerClient(t *testing.T) {
	g := limitedEngine(NewRateLimiter(rate.Limit(1), 1))

	first := httptest.NewRecorder()
	reqA := httptest.NewRequest("GET", "/ping", nil)
	reqA.RemoteAddr = "10.0.0.1:1234"
	g.ServeHTTP(first, reqA)

	// A different client has its own bucket
	second := httptest.NewRecorder()
	reqB := httptest.NewRequest("GET", "/ping", nil)
	reqB.RemoteAddr = "10.0.0.2:1234"
	g.ServeHTTP(second, reqB)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Errorf("Distinct clients shared a bucket: %d, %d", first.Code, second.Code)
	}
}

func TestRateLimitMiddlewareSharesOneSweeper(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(100), 5)

	// Wrapping the same limiter many times must not spawn a sweeper
	// goroutine per handler
	before := runtime.NumGoroutine()
	for i := 0; i < 25; i++ {
		RateLimitMiddleware(rl)
	}
	time.Sleep(20 * time.Millisecond)
	after := runtime.NumGoroutine()

	if after-before >= 25 {
		t.Errorf("Goroutine count grew by %d, middleware leaks sweepers", after-before)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(MaxBytesMiddleware(16))
	g.POST("/inbox", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusAccepted)
	})

	small := httptest.NewRecorder()
	g.ServeHTTP(small, httptest.NewRequest("POST", "/inbox", bytes.NewReader([]byte("ok"))))
	if small.Code != http.StatusAccepted {
		t.Errorf("Small body rejected: %d", small.Code)
	}

	big := httptest.NewRecorder()
	g.ServeHTTP(big, httptest.NewRequest("POST", "/inbox", bytes.NewReader(make([]byte, 64))))
	if big.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized body, got %d", big.Code)
	}
}
