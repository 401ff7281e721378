package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// serveUnix runs an HTTP handler on a unix socket for the duration of a test.
func serveUnix(t *testing.T, socketPath string, handler http.Handler) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen %s: %v", socketPath, err)
	}
	srv := &http.Server{Handler: handler} //nolint:gosec
	go srv.Serve(ln)                      //nolint:errcheck
	t.Cleanup(func() { srv.Close() })
}

func TestPing(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "api.sock")
	serveUnix(t, socketPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/vmm.ping" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"v39.0"}`))
	}))

	client := NewClient(socketPath)
	resp, err := client.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if resp.Version != "v39.0" {
		t.Errorf("version %q, want v39.0", resp.Version)
	}
}

func TestConnectWithRetryDelayedSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "api.sock")
	client := NewClient(socketPath)

	// The VMM creates the socket asynchronously after spawn.
	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return
		}
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}()
	}()

	if err := client.ConnectWithRetry(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("ConnectWithRetry: %v", err)
	}
}

func TestConnectWithRetryTimeout(t *testing.T) {
	t.Parallel()

	client := NewClient(filepath.Join(t.TempDir(), "never.sock"))
	err := client.ConnectWithRetry(context.Background(), 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestPingUntilReadyEventuallySucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	serveUnix(t, socketPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// The VMM answers 500 while still initialising.
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	client := NewClient(socketPath)
	if err := client.PingUntilReady(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("PingUntilReady: %v", err)
	}
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 pings, got %d", calls.Load())
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "api.sock")
	serveUnix(t, socketPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad payload"))
	}))

	client := NewClient(socketPath)
	err := client.BootVM(context.Background())
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if ae.Op != "vm.boot" || ae.Code != http.StatusBadRequest || ae.Detail != "bad payload" {
		t.Errorf("unexpected APIError: %+v", ae)
	}
}

func TestCreateVMSendsConfig(t *testing.T) {
	t.Parallel()

	got := make(chan VMConfig, 1)
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	serveUnix(t, socketPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/vm.create" {
			http.NotFound(w, r)
			return
		}
		var cfg VMConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- cfg
		w.WriteHeader(http.StatusNoContent)
	}))

	client := NewClient(socketPath)
	err := client.CreateVM(context.Background(), &VMConfig{
		CPUs:   CPUs{BootVCPUs: 2, MaxVCPUs: 2},
		Memory: Memory{Size: 1 << 30},
	})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	cfg := <-got
	if cfg.CPUs.BootVCPUs != 2 || cfg.Memory.Size != 1<<30 {
		t.Errorf("server decoded %+v", cfg)
	}
}

func TestAddDiskParsesPlacement(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "api.sock")
	serveUnix(t, socketPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"block-1","bdf":"0000:00:06.0"}`))
	}))

	client := NewClient(socketPath)
	info, err := client.AddDisk(context.Background(), Disk{ID: "block-1", Path: "/tmp/x"})
	if err != nil {
		t.Fatalf("AddDisk: %v", err)
	}
	if info == nil || info.BDF != "0000:00:06.0" {
		t.Errorf("placement %+v, want BDF 0000:00:06.0", info)
	}
}

func TestAddDiskWithoutPlacement(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "api.sock")
	serveUnix(t, socketPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	client := NewClient(socketPath)
	info, err := client.AddDisk(context.Background(), Disk{ID: "block-1", Path: "/tmp/x"})
	if err != nil {
		t.Fatalf("AddDisk: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil placement for 204, got %+v", info)
	}
}

func TestDoWithRetryTransient(t *testing.T) {
	t.Parallel()

	var calls int
	err := DoWithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &APIError{Op: "vm.create", Code: http.StatusInternalServerError}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("DoWithRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoWithRetryNonRetryable(t *testing.T) {
	t.Parallel()

	var calls int
	wantErr := &APIError{Op: "vm.create", Code: http.StatusBadRequest}
	err := DoWithRetry(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error retried %d times", calls)
	}
}

func TestDoWithRetryExhausted(t *testing.T) {
	t.Parallel()

	var calls int
	err := DoWithRetry(context.Background(), func() error {
		calls++
		return errors.New("dial unix: connection refused")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != MaxRetries+1 {
		t.Errorf("fn called %d times, want %d", calls, MaxRetries+1)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"http 500", &APIError{Code: 500}, true},
		{"http 503", &APIError{Code: 503}, true},
		{"http 429", &APIError{Code: 429}, true},
		{"http 400", &APIError{Code: 400}, false},
		{"http 404", &APIError{Code: 404}, false},
		{"connection error", errors.New("connection refused"), true},
	}
	for _, tc := range tests {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
