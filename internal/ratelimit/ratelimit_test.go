package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, remoteAddr, realIP string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.RemoteAddr = remoteAddr
	if realIP != "" {
		req.Header.Set("X-Real-IP", realIP)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBurstThenReject(t *testing.T) {
	l := New(1, 3, time.Minute)
	defer l.Stop()
	h := l.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		if rec := doRequest(h, "10.0.0.1:1234", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(h, "10.0.0.1:1234", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the burst, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected a Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestClientsAreIsolated(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()
	h := l.Middleware(okHandler())

	if rec := doRequest(h, "10.0.0.1:1234", ""); rec.Code != http.StatusOK {
		t.Fatalf("first client: %d", rec.Code)
	}
	if rec := doRequest(h, "10.0.0.1:5678", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same IP different port should share a bucket, got %d", rec.Code)
	}
	if rec := doRequest(h, "10.0.0.2:1234", ""); rec.Code != http.StatusOK {
		t.Fatalf("second client should have its own bucket, got %d", rec.Code)
	}
}

func TestRealIPHeaderWins(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()
	h := l.Middleware(okHandler())

	if rec := doRequest(h, "127.0.0.1:1000", "203.0.113.7"); rec.Code != http.StatusOK {
		t.Fatalf("first: %d", rec.Code)
	}
	// Same forwarded IP via a different proxy connection shares the bucket.
	if rec := doRequest(h, "127.0.0.1:2000", "203.0.113.7"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the forwarded IP to be the bucket key, got %d", rec.Code)
	}
}

func TestRefill(t *testing.T) {
	l := New(1, 1, 20*time.Millisecond)
	defer l.Stop()
	h := l.Middleware(okHandler())

	if rec := doRequest(h, "10.0.0.1:1", ""); rec.Code != http.StatusOK {
		t.Fatalf("first: %d", rec.Code)
	}
	if rec := doRequest(h, "10.0.0.1:1", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("bucket should be empty, got %d", rec.Code)
	}
	time.Sleep(30 * time.Millisecond)
	if rec := doRequest(h, "10.0.0.1:1", ""); rec.Code != http.StatusOK {
		t.Fatalf("bucket should have refilled, got %d", rec.Code)
	}
}

func TestRejectionCounter(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_rate_limited_total"})
	l := New(1, 1, time.Minute, WithCounter(counter))
	defer l.Stop()
	h := l.Middleware(okHandler())

	doRequest(h, "10.0.0.1:1", "")
	doRequest(h, "10.0.0.1:1", "")

	if got := testutil.ToFloat64(counter); got != 1 {
		t.Errorf("expected 1 rejection counted, got %v", got)
	}
}
