package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"habitbot/pkg/logx"
)

func TestLoopbackDetection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9464", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":9464", false},
		{"0.0.0.0:9464", false},
		{"10.0.0.1:80", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", tt.addr, got, tt.want)
		}
	}
}

func TestMuxAuthAndReadiness(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m")) })
	ready := errors.New("store down")
	s := New(Config{Token: "t0k", Pprof: true}, metrics, func() error { return ready }, logx.Nop())
	mux := s.mux(s.cfg)

	do := func(path, auth string) int {
		req := httptest.NewRequest("GET", path, nil)
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	if c := do("/metrics", ""); c != http.StatusUnauthorized {
		t.Fatalf("unauthenticated metrics: %d", c)
	}
	if c := do("/metrics", "t0k"); c != http.StatusOK {
		t.Fatalf("authenticated metrics: %d", c)
	}
	if c := do("/metrics?token=t0k", ""); c != http.StatusOK {
		t.Fatalf("query token metrics: %d", c)
	}
	if c := do("/healthz", ""); c != http.StatusOK {
		t.Fatalf("healthz: %d", c)
	}
	if c := do("/readyz", ""); c != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", c)
	}
	if c := do("/debug/pprof/", "t0k"); c != http.StatusOK {
		t.Fatalf("pprof index: %d", c)
	}
}

func TestServeOnLoopback(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body=%q", b)
	}
}
