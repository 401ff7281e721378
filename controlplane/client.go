package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// HTTPTimeout is the per-request timeout for VMM control API calls.
	HTTPTimeout = 30 * time.Second
	// PollInterval is the connect/ping poll interval while the VMM is
	// still creating its API socket.
	PollInterval = 50 * time.Millisecond
	// MaxRetries is the number of retry attempts for transient API errors.
	MaxRetries = 3
	// BaseBackoff is the initial backoff duration; doubled on each retry.
	BaseBackoff = 100 * time.Millisecond
)

// ErrTimeout is returned when connect-with-retry or ping-until-ready
// exhausts its budget before the control channel becomes usable.
var ErrTimeout = errors.New("control channel timeout")

// APIError carries the HTTP status code from a VMM control API response.
type APIError struct {
	Op     string // e.g. "vm.create"
	Code   int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s → %d: %s", e.Op, e.Code, e.Detail)
}

// Client issues control API requests to one VMM over its unix socket.
// It holds no state beyond the socket path and the HTTP client; the
// underlying connection is re-dialed per request and recreated transparently
// after a VMM restart.
type Client struct {
	socketPath string
	hc         *http.Client
}

// NewClient creates a Client bound to the given control socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		hc: &http.Client{
			Timeout: HTTPTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// SocketPath returns the control socket path this client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// CheckSocket verifies that the control socket is connectable.
func (c *Client) CheckSocket() error {
	conn, err := net.DialTimeout("unix", c.socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ConnectWithRetry polls the control socket until it accepts a connection or
// timeout elapses. The VMM creates the socket asynchronously after spawn, so
// a missing socket file is expected early on and simply retried.
// Returns ErrTimeout on expiry.
func (c *Client) ConnectWithRetry(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.CheckSocket() == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connect %s after %s: %w", c.socketPath, timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", c.socketPath, ctx.Err())
		case <-time.After(PollInterval):
		}
	}
}

// PingUntilReady issues vmm.ping in a loop until the VMM answers or timeout
// elapses. Transport errors and non-2xx statuses both mean "not yet ready"
// and are retried, never surfaced. Returns ErrTimeout on expiry.
func (c *Client) PingUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := c.Ping(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ping %s after %s: %w", c.socketPath, timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping %s: %w", c.socketPath, ctx.Err())
		case <-time.After(PollInterval):
		}
	}
}

// Ping issues a vmm.ping and returns the VMM's build info payload.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	body, err := c.doGET(ctx, "vmm.ping")
	if err != nil {
		return nil, err
	}
	var resp PingResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("parse ping response: %w", err)
		}
	}
	return &resp, nil
}

// CreateVM registers the guest configuration with the VMM.
func (c *Client) CreateVM(ctx context.Context, cfg *VMConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal vm config: %w", err)
	}
	_, err = c.doPUT(ctx, "vm.create", data)
	return err
}

// BootVM starts the configured guest.
func (c *Client) BootVM(ctx context.Context) error {
	_, err := c.doPUT(ctx, "vm.boot", nil)
	return err
}

// ShutdownVM asks the VMM to shut down the guest and flush device backends.
func (c *Client) ShutdownVM(ctx context.Context) error {
	_, err := c.doPUT(ctx, "vm.shutdown", nil)
	return err
}

// PauseVM pauses the guest vCPUs.
func (c *Client) PauseVM(ctx context.Context) error {
	_, err := c.doPUT(ctx, "vm.pause", nil)
	return err
}

// ResumeVM resumes paused guest vCPUs.
func (c *Client) ResumeVM(ctx context.Context) error {
	_, err := c.doPUT(ctx, "vm.resume", nil)
	return err
}

// doPUT sends a PUT request over the unix socket. 204 returns an empty body,
// 200 returns the response payload. Anything else is an *APIError.
func (c *Client) doPUT(ctx context.Context, op string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost/api/v1/"+op, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op)
}

// doGET sends a GET request over the unix socket and returns the body.
func (c *Client) doGET(ctx context.Context, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/api/v1/"+op, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", op, err)
	}
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, Code: resp.StatusCode, Detail: string(rb)}
	}
	return rb, nil
}

// DoWithRetry retries fn up to MaxRetries times with exponential backoff
// for transient errors (connection failures, HTTP 5xx, 429).
func DoWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// IsRetryable returns true for transient errors worth retrying:
// connection-level failures and HTTP 5xx/429 responses.
func IsRetryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests
	}
	// Non-APIError = connection-level failure, always retry.
	return true
}
