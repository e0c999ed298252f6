// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"errors"
	"math"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MaxLinger is the largest linger duration in seconds. Larger values
// passed to [*Socket.SetSoLinger] are clamped to it.
const MaxLinger = math.MaxUint16

// MaxTimeout is the largest meaningful timeout. Timeouts at or above it
// mean "block forever" rather than overflowing into a short wait.
const MaxTimeout = time.Duration(math.MaxInt32) * time.Millisecond

// Linger is the linger-on-close setting.
type Linger struct {
	// Enabled makes close linger instead of returning immediately.
	Enabled bool

	// Seconds is the linger duration; zero means close resets the connection.
	Seconds int
}

// Options is the option set of a socket.
//
// Options set before connecting are stored and applied once the OS socket
// exists. Options set afterwards are applied immediately.
type Options struct {
	// Timeout bounds every read and accept. Writes are never timed.
	// Zero means no timeout.
	Timeout time.Duration

	// Linger controls close.
	Linger Linger

	// NoDelay disables Nagle's algorithm.
	NoDelay bool

	// TrafficClass is the IPv4 TOS or IPv6 traffic class byte, or -1 when unset.
	TrafficClass int
}

// DefaultOptions returns the options of a freshly created socket.
func DefaultOptions() Options {
	return Options{TrafficClass: -1}
}

var (
	errNegativeTimeout     = errors.New("negative timeout")
	errNegativeLinger      = errors.New("negative linger")
	errTrafficClassRange   = errors.New("traffic class out of range")
	errAddressNotMulticast = errors.New("not a multicast address")
)

func validateTimeout(op string, timeout time.Duration) error {
	if timeout < 0 {
		return &OpError{Op: op, Kind: ErrInvalidArgument, Err: errNegativeTimeout}
	}
	return nil
}

// newLinger validates and clamps a linger setting.
func newLinger(on bool, seconds int) (Linger, error) {
	if !on {
		return Linger{}, nil
	}
	if seconds < 0 {
		return Linger{}, &OpError{Op: "setSoLinger", Kind: ErrInvalidArgument, Err: errNegativeLinger}
	}
	return Linger{Enabled: true, Seconds: min(seconds, MaxLinger)}, nil
}

func validateTrafficClass(tc int) error {
	if tc < 0 || tc > 255 {
		return &OpError{Op: "setTrafficClass", Kind: ErrInvalidArgument, Err: errTrafficClassRange}
	}
	return nil
}

// netConner is implemented by wrappers of a [net.Conn].
type netConner interface {
	NetConn() net.Conn
}

// underlying strips [netConner] wrappers to reach the OS connection.
func underlying(conn net.Conn) net.Conn {
	for {
		nc, ok := conn.(netConner)
		if !ok {
			return conn
		}
		conn = nc.NetConn()
	}
}

type lingerSetter interface {
	SetLinger(sec int) error
}

type noDelaySetter interface {
	SetNoDelay(noDelay bool) error
}

type readCloser interface {
	CloseRead() error
}

type writeCloser interface {
	CloseWrite() error
}

// applyLinger configures linger on the OS connection, if supported.
func applyLinger(conn net.Conn, linger Linger) error {
	ls, ok := underlying(conn).(lingerSetter)
	if !ok {
		return nil
	}
	if !linger.Enabled {
		return ls.SetLinger(-1)
	}
	return ls.SetLinger(linger.Seconds)
}

// applyNoDelay configures TCP_NODELAY on the OS connection, if supported.
func applyNoDelay(conn net.Conn, noDelay bool) error {
	if nd, ok := underlying(conn).(noDelaySetter); ok {
		return nd.SetNoDelay(noDelay)
	}
	return nil
}

// applyTrafficClass sets the IPv4 TOS or the IPv6 traffic class according
// to the family of the connection's local address.
func applyTrafficClass(conn net.Conn, tc int) error {
	if tc < 0 {
		return nil
	}
	conn = underlying(conn)
	if _, ok := conn.(syscall.Conn); !ok {
		return nil
	}
	if local := endpointFromNetAddr(conn.LocalAddr()); local.Addr().Is6() {
		return ipv6.NewConn(conn).SetTrafficClass(tc)
	}
	return ipv4.NewConn(conn).SetTOS(tc)
}
