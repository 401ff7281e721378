package vsock

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestURI(t *testing.T) {
	t.Parallel()

	tr := NewTransport("/run/cradle/abc/vsock.sock")
	if got := tr.URI(); got != "hvsock:///run/cradle/abc/vsock.sock" {
		t.Errorf("URI() = %q", got)
	}
}

func TestConnectNotListening(t *testing.T) {
	t.Parallel()

	tr := NewTransport(filepath.Join(t.TempDir(), "vsock.sock"))
	_, err := tr.Connect(context.Background(), 1026)
	if !errors.Is(err, ErrNotListening) {
		t.Errorf("expected ErrNotListening, got %v", err)
	}
}

func TestConnectRoundtrip(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "vsock.sock")
	tr := NewTransport(base)

	// Guest-side listener for port 1026 lives at the derived path.
	peer := base + "_1026"
	ln, err := net.Listen("unix", peer)
	if err != nil {
		t.Fatalf("listen %s: %v", peer, err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err != nil {
			done <- err
			return
		}
		_, err = conn.Write(buf)
		done <- err
	}()

	conn, err := tr.Connect(context.Background(), 1026)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed %q, want %q", buf, "ping")
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
}

func TestListenAccept(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "vsock.sock")
	tr := NewTransport(base)
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer tr.Close()

	go func() {
		conn, err := net.Dial("unix", base)
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	conn.Close()
}

func TestAcceptCancelled(t *testing.T) {
	t.Parallel()

	tr := NewTransport(filepath.Join(t.TempDir(), "vsock.sock"))
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	tr := NewTransport(filepath.Join(t.TempDir(), "vsock.sock"))
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "vsock.sock")

	stale := NewTransport(base)
	if err := stale.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	// Simulate a crash: the socket file stays behind.
	stale.ln.Close()
	stale.ln = nil

	tr := NewTransport(base)
	if err := tr.Listen(); err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	tr.Close()
}
