// Package console relays an interactive terminal session over a guest
// connection (the debug console exposed through the vsock transport), with
// ssh-style escape sequences for disconnecting.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// DefaultEscapeChar is ctrl+].
const DefaultEscapeChar = 0x1D

// escapeState tracks the two-state escape detection machine.
type escapeState int

const (
	stateNormal  escapeState = iota
	stateEscaped             // escape char received, waiting for command char
)

// ParseEscapeChar parses an escape character spec: a single character, or
// caret notation like "^]" for a control character.
func ParseEscapeChar(s string) (byte, error) {
	switch {
	case len(s) == 1:
		return s[0], nil
	case len(s) == 2 && s[0] == '^':
		c := s[1]
		if c < '@' || c > '_' {
			return 0, fmt.Errorf("invalid caret notation %q", s)
		}
		return c - '@', nil
	default:
		return 0, fmt.Errorf("invalid escape character %q (use a single char or ^X)", s)
	}
}

// FormatEscapeChar renders an escape character for display, using caret
// notation for control characters.
func FormatEscapeChar(b byte) string {
	if b < 0x20 {
		return fmt.Sprintf("^%c", b+'@')
	}
	return string(b)
}

// Relay runs bidirectional I/O between the user terminal and conn until the
// connection closes, the context is cancelled, or the user sends the escape
// sequence. The caller is responsible for raw-mode handling.
func Relay(ctx context.Context, conn io.ReadWriter, escape byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2) //nolint:mnd

	// conn → stdout
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		errCh <- err
		cancel()
	}()

	// stdin → conn (with escape detection)
	go func() {
		err := relayStdin(ctx, os.Stdin, conn, escape)
		errCh <- err
		cancel()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !isCleanExit(err) {
			return err
		}
	}
	select {
	case err := <-errCh:
		if err != nil && !isCleanExit(err) {
			return err
		}
	default:
	}
	return nil
}

// relayStdin reads from stdin byte by byte and writes to conn, interpreting
// the escape sequences:
//
//	<esc>.  disconnect
//	<esc>?  help
//	<esc><esc>  send the escape character itself
func relayStdin(ctx context.Context, stdin io.Reader, conn io.Writer, escape byte) error {
	state := stateNormal
	buf := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := stdin.Read(buf)
		if n == 0 || err != nil {
			return err
		}
		b := buf[0]

		switch state {
		case stateNormal:
			if b == escape {
				state = stateEscaped
				continue
			}
			if _, werr := conn.Write(buf[:1]); werr != nil {
				return werr
			}

		case stateEscaped:
			state = stateNormal
			switch b {
			case '.':
				return nil // disconnect
			case '?':
				help := fmt.Sprintf("\r\nSupported escape sequences:\r\n"+
					"  %[1]s.  Disconnect\r\n"+
					"  %[1]s?  This help\r\n"+
					"  %[1]s%[1]s Send %[1]s\r\n", FormatEscapeChar(escape))
				_, _ = os.Stdout.Write([]byte(help))
			case escape:
				if _, werr := conn.Write([]byte{escape}); werr != nil {
					return werr
				}
			default:
				// Unrecognized: forward both bytes.
				if _, werr := conn.Write([]byte{escape, b}); werr != nil {
					return werr
				}
			}
		}
	}
}

// isCleanExit returns true for errors that indicate a normal disconnect.
func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.ECONNRESET)
}
