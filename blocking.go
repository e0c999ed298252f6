// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"io"
	"net"
	"time"
)

// aLongTimeAgo is a deadline in the past, used to wake a blocked call.
var aLongTimeAgo = time.Unix(1, 0)

// deadlineFor converts a timeout into an absolute deadline.
//
// A zero timeout, and any timeout at or above [MaxTimeout], yields the zero
// time, meaning no deadline. A negative timeout is an [ErrInvalidArgument].
func deadlineFor(op string, now time.Time, timeout time.Duration) (time.Time, error) {
	if err := validateTimeout(op, timeout); err != nil {
		return time.Time{}, err
	}
	if timeout == 0 || timeout >= MaxTimeout {
		return time.Time{}, nil
	}
	return now.Add(timeout), nil
}

// awaitValue waits for a value on ch, for done to be closed, or for the
// deadline to expire, whichever comes first. A zero deadline never expires.
//
// Each caller has its own timer, so concurrent waiters on the same channel
// time out independently and each value is delivered to exactly one of them.
func awaitValue[T any](ch <-chan T, done <-chan struct{}, deadline time.Time, now func() time.Time) (T, error) {
	var (
		expired <-chan time.Time
		zero    T
	)
	if !deadline.IsZero() {
		timer := time.NewTimer(deadline.Sub(now()))
		defer timer.Stop()
		expired = timer.C
	}

	// Closure wins over a value that is ready at the same time.
	select {
	case <-done:
		return zero, ErrClosed
	default:
	}

	select {
	case value := <-ch:
		return value, nil
	case <-done:
		return zero, ErrClosed
	case <-expired:
		return zero, ErrTimeout
	}
}

// direction selects the half of the connection an [ioCall] uses.
type direction int

const (
	dirRead direction = iota
	dirWrite
)

// ioCall is one blocking read or write on a connected descriptor.
//
// The call checks the descriptor state, arms the per-direction deadline,
// checks the state again, and only then enters the OS. A concurrent
// shutdown or close sets its flag before forcing the deadline into the
// past, so a call either sees the flag or is woken by the deadline. Errors
// are then interpreted against the descriptor state, which takes priority
// over whatever the OS reported.
type ioCall struct {
	conn    net.Conn
	desc    *Descriptor
	dir     direction
	now     func() time.Time
	op      string
	remote  string
	timeout time.Duration
	verbose bool
}

func (c *ioCall) do(fn func() (int, error)) (int, error) {
	if err := c.precheck(); err != nil {
		return 0, err
	}
	deadline, err := deadlineFor(c.op, c.now(), c.timeout)
	if err != nil {
		return 0, err
	}
	if err := c.arm(deadline); err != nil {
		return 0, c.mapError(err)
	}
	if err := c.precheck(); err != nil {
		return 0, err
	}
	count, err := fn()
	if err != nil {
		return count, c.mapError(err)
	}
	return count, nil
}

// precheck fails without blocking when the descriptor state already
// determines the outcome. Reads after input shutdown or EOF return [io.EOF].
func (c *ioCall) precheck() error {
	snap := c.desc.snapshot()
	switch {
	case snap.state == StateClosed:
		return c.newError(ErrClosed, nil)
	case c.dir == dirRead && (snap.inputShut || snap.eof):
		return io.EOF
	case c.dir == dirWrite && snap.outputShut:
		return c.newError(ErrClosed, errnoEPIPE)
	case snap.reset:
		return c.newError(ErrReset, nil)
	case snap.state != StateConnected, c.conn == nil:
		return c.newError(ErrNotConnected, nil)
	}
	return nil
}

func (c *ioCall) arm(deadline time.Time) error {
	if c.dir == dirRead {
		return c.conn.SetReadDeadline(deadline)
	}
	return c.conn.SetWriteDeadline(deadline)
}

func (c *ioCall) mapError(err error) error {
	if c.dir == dirRead && err == io.EOF {
		c.desc.markEOF()
		return io.EOF
	}
	snap := c.desc.snapshot()
	switch {
	case snap.state == StateClosed:
		return c.newError(ErrClosed, err)
	case c.dir == dirRead && snap.inputShut:
		return io.EOF
	case c.dir == dirWrite && snap.outputShut:
		return c.newError(ErrClosed, errnoEPIPE)
	}
	kind := classifyOSError(err)
	if kind == nil {
		kind = ErrClosed
	}
	if kind == ErrReset {
		c.desc.markReset()
	}
	return c.newError(kind, err)
}

func (c *ioCall) newError(kind, err error) error {
	return &OpError{Op: c.op, Kind: kind, Addr: c.remote, Err: err, Verbose: c.verbose}
}
