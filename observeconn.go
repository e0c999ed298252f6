//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package streamsock

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewObserveConnFunc returns a new [*ObserveConnFunc].
//
// The cfg argument contains the common configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveConnFunc(cfg *Config, logger SLogger) *ObserveConnFunc {
	return &ObserveConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveConnFunc wraps a [net.Conn] to log its I/O at debug level and its
// close at info level, tagging every event with the owning descriptor.
//
// The wrapper exposes the original connection through NetConn, so socket
// options still reach the OS connection.
type ObserveConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Handle is the descriptor handle to include in log events.
	Handle int64

	// Logger is the [SLogger] to use.
	//
	// Set by [NewObserveConnFunc] to the user-provided logger.
	Logger SLogger

	// SpanID is the span ID to include in log events.
	SpanID string

	// TimeNow is the function to get the current time.
	//
	// Set by [NewObserveConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, net.Conn] = &ObserveConnFunc{}

// Call wraps conn. It never fails.
func (op *ObserveConnFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	observed := &observedConn{
		conn: conn,
		op:   op,
		attrs: []any{
			slog.Int64("handle", op.Handle),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", safeconn.Network(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.String("spanID", op.SpanID),
		},
	}
	return observed, nil
}

type observedConn struct {
	attrs     []any
	closeonce sync.Once
	conn      net.Conn
	op        *ObserveConnFunc
}

// event builds the argument list of a log event from the common attributes.
func (c *observedConn) event(extra ...any) []any {
	args := make([]any, 0, len(c.attrs)+len(extra))
	args = append(args, c.attrs...)
	return append(args, extra...)
}

// done builds the argument list of a *Done event.
func (c *observedConn) done(t0 time.Time, err error, extra ...any) []any {
	extra = append(extra,
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)
	return c.event(extra...)
}

// NetConn returns the wrapped connection.
func (c *observedConn) NetConn() net.Conn {
	return c.conn
}

// Close implements [net.Conn]. Subsequent calls return [net.ErrClosed].
func (c *observedConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		t0 := c.op.TimeNow()
		c.op.Logger.Info("closeStart", c.event(slog.Time("t", t0))...)
		err = c.conn.Close()
		c.op.Logger.Info("closeDone", c.done(t0, err)...)
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *observedConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *observedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Read implements [net.Conn].
func (c *observedConn) Read(buf []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.op.Logger.Debug("readStart", c.event(slog.Int("ioBufferSize", len(buf)), slog.Time("t", t0))...)
	count, err := c.conn.Read(buf)
	c.op.Logger.Debug("readDone", c.done(t0, err, slog.Int("ioBytesCount", count))...)
	return count, err
}

// Write implements [net.Conn].
func (c *observedConn) Write(data []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.op.Logger.Debug("writeStart", c.event(slog.Int("ioBufferSize", len(data)), slog.Time("t", t0))...)
	count, err := c.conn.Write(data)
	c.op.Logger.Debug("writeDone", c.done(t0, err, slog.Int("ioBytesCount", count))...)
	return count, err
}

// SetDeadline implements [net.Conn].
func (c *observedConn) SetDeadline(t time.Time) error {
	c.logDeadline("setDeadline", t)
	return c.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *observedConn) SetReadDeadline(t time.Time) error {
	c.logDeadline("setReadDeadline", t)
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *observedConn) SetWriteDeadline(t time.Time) error {
	c.logDeadline("setWriteDeadline", t)
	return c.conn.SetWriteDeadline(t)
}

func (c *observedConn) logDeadline(msg string, deadline time.Time) {
	c.op.Logger.Debug(msg, c.event(slog.Time("deadline", deadline), slog.Time("t", c.op.TimeNow()))...)
}
