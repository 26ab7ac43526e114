package meridian

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

// Sentinel errors, grouped by subsystem prefix. Callers compare with
// errors.Is; wrapped instances still satisfy it.
var (
	ErrInvalidScheme  = errors.New("backend: no backend registered for scheme")
	ErrDisconnected   = errors.New("transport: peer closed the connection")
	ErrProtocolError  = errors.New("basp: protocol error")
	ErrRuntimeError   = errors.New("meridian: unexpected runtime error")
	ErrTimeout        = errors.New("endpoint: operation timed out")
	ErrShuttingDown   = errors.New("multiplexer: shutting down")
	ErrInvalidLocator = errors.New("locator: malformed URI")
	ErrNoTLSConfig    = errors.New("quic: tls.Config is required")
	ErrNoCertDir      = errors.New("quic: certificate directory is required")
	ErrQueueClosed    = errors.New("inbox: queue is closed")
)

// QuicApplicationError pairs a QUIC application error code with a
// human-readable prefix, closing a quic.Connection with both.
type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn == nil {
		return nil
	}
	return conn.CloseWithError(quic.ApplicationErrorCode(qerr.Code), fmt.Sprintf("%s: %s", qerr.Prefix, msg))
}

var (
	QErrInternal         = QuicApplicationError{Code: 0x1, Prefix: "internal"}
	QErrProtocolMismatch = QuicApplicationError{Code: 0x2, Prefix: "protocol-mismatch"}
	QErrShutdown         = QuicApplicationError{Code: 0x3, Prefix: "shutdown"}
)

// wrapf prefixes err with subsystem context, following the kind sentinel
// so errors.Is still matches it.
func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}
