package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/boxoffice/internal/app"
	"github.com/onnwee/boxoffice/internal/config"
	"github.com/onnwee/boxoffice/internal/idempotency"
	"github.com/onnwee/boxoffice/internal/jobs"
	"github.com/onnwee/boxoffice/internal/middleware"
	"github.com/onnwee/boxoffice/internal/payment"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return ln
}

// TestServe_GracefulShutdown cancels the serve context while a request is in
// flight and checks the request still completes.
func TestServe_GracefulShutdown(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	var mu sync.Mutex
	completed := false
	handlerStarted := make(chan struct{})
	handlerCanContinue := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{orderId}/status", func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		<-handlerCanContinue
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"PENDING"}`))
		mu.Lock()
		completed = true
		mu.Unlock()
	})

	ln := listen(t)
	addr := ln.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- serve(ctx, newHTTPServer(mux), ln, logger) }()

	requestDone := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get("http://" + addr + "/orders/order_1/status")
		if err != nil {
			t.Errorf("request error: %v", err)
		}
		requestDone <- resp
	}()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler failed to start in time")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(handlerCanContinue)

	var resp *http.Response
	select {
	case resp = <-requestDone:
	case <-time.After(5 * time.Second):
		t.Fatal("request failed to complete in time")
	}
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("serve() = %v, want nil after clean shutdown", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown failed to complete in time")
	}

	mu.Lock()
	if !completed {
		t.Error("expected in-flight request to complete")
	}
	mu.Unlock()

	if resp != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var result map[string]string
		if err := json.Unmarshal(body, &result); err != nil {
			t.Errorf("failed to parse response: %v", err)
		}
		if result["status"] != "PENDING" {
			t.Errorf("status = %q, want PENDING", result["status"])
		}
	}

	if !bytes.Contains(logBuf.Bytes(), []byte("shutting down server")) {
		t.Error("expected shutdown to be logged")
	}
}

func TestServe_ListenerError(t *testing.T) {
	ln := listen(t)
	ln.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := serve(context.Background(), newHTTPServer(http.NewServeMux()), ln, logger)
	if err == nil {
		t.Fatal("serve() on a closed listener should fail")
	}
}

func TestNewScheduler_RegistersJobs(t *testing.T) {
	a := &app.App{
		Config:      &config.Config{PendingSweepInterval: time.Minute, PendingSweepMinAge: time.Minute},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		JobMetrics:  jobs.NewMetrics(),
		Payments:    payment.NewInMemoryRepository(),
		Idempotency: idempotency.NewInMemoryRepository(),
	}

	tests := []struct {
		name  string
		store middleware.RateLimitStore
	}{
		{"in-memory rate limits", middleware.NewInMemoryRateLimitStore()},
		{"no rate limits", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := newScheduler(a, tt.store)
			if err != nil {
				t.Fatalf("newScheduler() error = %v", err)
			}
			if err := sched.Shutdown(); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestNewHTTPServer_Timeouts(t *testing.T) {
	srv := newHTTPServer(http.NewServeMux())
	if srv.ReadHeaderTimeout == 0 || srv.ReadTimeout == 0 || srv.WriteTimeout == 0 {
		t.Error("server timeouts must be set")
	}
}
