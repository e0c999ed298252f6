//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package streamsock

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewConnectFunc returns a new [*ConnectFunc].
//
// The cfg argument contains the common configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Network:       "tcp",
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc dials a resolved [Endpoint].
//
// Returns either a valid [net.Conn] or an error, never both.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Handle is the descriptor handle to include in log events.
	//
	// Zero unless set by the caller.
	Handle int64

	// Local is the local endpoint to bind before connecting. It is honored
	// only when Dialer is a [*net.Dialer]; other dialers ignore it.
	//
	// Zero unless set by the caller.
	Local Endpoint

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// Network is the network to use.
	//
	// Set by [NewConnectFunc] to "tcp".
	Network string

	// SpanID is the span ID to include in log events.
	//
	// Empty unless set by the caller.
	SpanID string

	// TimeNow is the function to get the current time.
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[Endpoint, net.Conn] = &ConnectFunc{}

// Call connects to the given [Endpoint], which must be resolved.
func (op *ConnectFunc) Call(ctx context.Context, address Endpoint) (net.Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logConnectStart(address.String(), t0, deadline)
	conn, err := op.dialer().DialContext(ctx, op.Network, address.String())
	op.logConnectDone(address.String(), t0, deadline, conn, err)
	return conn, err
}

func (op *ConnectFunc) dialer() Dialer {
	d, ok := op.Dialer.(*net.Dialer)
	if !ok || op.Local.IsZero() {
		return op.Dialer
	}
	bound := *d
	bound.LocalAddr = &net.TCPAddr{
		IP:   op.Local.Addr().AsSlice(),
		Port: int(op.Local.Port()),
	}
	return &bound
}

func (op *ConnectFunc) logConnectStart(address string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.Int64("handle", op.Handle),
		slog.String("localAddr", op.Local.String()),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", address),
		slog.String("spanID", op.SpanID),
		slog.Time("t", t0),
	)
}

func (op *ConnectFunc) logConnectDone(
	address string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.Int64("handle", op.Handle),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", address),
		slog.String("spanID", op.SpanID),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
