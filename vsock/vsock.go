package vsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// acceptPollInterval bounds how long Accept stays blocked in the kernel
// before re-checking for cancellation.
const acceptPollInterval = 200 * time.Millisecond

// ErrNotListening is returned by Connect when no guest-side listener is
// bound to the requested port.
var ErrNotListening = errors.New("no listener on vsock port")

// Transport is the host side of a hybrid-vsock channel: a unix domain
// socket the VMM bridges to the guest's AF_VSOCK. The base path serves
// guest-initiated connections; host-initiated connections to a guest port N
// use the derived path "<base>_<N>".
type Transport struct {
	path string
	ln   *net.UnixListener
}

// NewTransport creates a Transport over the given base socket path.
func NewTransport(path string) *Transport {
	return &Transport{path: path}
}

// URI returns the transport locator handed to the guest-agent collaborator.
func (t *Transport) URI() string {
	return "hvsock://" + t.path
}

// Path returns the base unix socket path.
func (t *Transport) Path() string { return t.path }

// Listen binds the base socket so the host can accept guest-initiated
// connections. A stale socket file from a previous run is replaced.
func (t *Transport) Listen() error {
	if t.ln != nil {
		return nil
	}
	_ = os.Remove(t.path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: t.path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.path, err)
	}
	t.ln = ln
	return nil
}

// Accept blocks until a peer connects or ctx is cancelled, then returns the
// duplex byte stream.
func (t *Transport) Accept(ctx context.Context) (net.Conn, error) {
	if t.ln == nil {
		return nil, fmt.Errorf("accept %s: transport not listening", t.path)
	}
	for {
		if err := t.ln.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			return nil, fmt.Errorf("accept %s: %w", t.path, err)
		}
		conn, err := t.ln.Accept()
		if err == nil {
			return conn, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("accept %s: %w", t.path, ctx.Err())
			default:
				continue
			}
		}
		return nil, fmt.Errorf("accept %s: %w", t.path, err)
	}
}

// Connect dials a guest-side listener on the given port. The peer socket
// path is derived deterministically from the base path.
// Returns ErrNotListening when nothing is bound there.
func (t *Transport) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	peer := fmt.Sprintf("%s_%d", t.path, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", peer)
	if err != nil {
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("connect %s: %w", peer, ErrNotListening)
		}
		return nil, fmt.Errorf("connect %s: %w", peer, err)
	}
	return conn, nil
}

// Close tears the listener down and removes its filesystem entry.
// Idempotent: an already-removed socket is not an error.
func (t *Transport) Close() error {
	var err error
	if t.ln != nil {
		err = t.ln.Close()
		t.ln = nil
	}
	if rmErr := os.Remove(t.path); rmErr != nil && !os.IsNotExist(rmErr) {
		// Listener close already unlinks on some platforms; only a real
		// failure matters.
		if err == nil {
			err = rmErr
		}
	}
	return err
}
