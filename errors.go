// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Error kinds returned by this package.
//
// Every failure is an [*OpError] whose Kind is one of these values, so
// callers test for them with [errors.Is].
var (
	// ErrInvalidArgument indicates a bad timeout, linger, or address value.
	//
	// Detected before any blocking or resource allocation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTimeout indicates that the deadline elapsed.
	//
	// The descriptor remains usable and the operation may be retried.
	ErrTimeout = errors.New("timed out")

	// ErrClosed indicates that the socket, or the relevant half of it,
	// has been closed or shut down.
	ErrClosed = errors.New("socket closed")

	// ErrReset indicates that the peer abruptly terminated the connection.
	ErrReset = errors.New("connection reset")

	// ErrConnectionRefused indicates that connect found no listener.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrResourceExhausted indicates that a descriptor cap was reached.
	ErrResourceExhausted = errors.New("too many open sockets")

	// ErrUnknownHost indicates that a host name could not be resolved.
	ErrUnknownHost = errors.New("unknown host")

	// ErrNotConnected indicates an I/O attempt on an unconnected socket.
	ErrNotConnected = errors.New("socket is not connected")

	// ErrAlreadyConnected indicates a second connect on the same socket.
	ErrAlreadyConnected = errors.New("socket is already connected")

	// ErrAlreadyBound indicates a second bind on the same socket.
	ErrAlreadyBound = errors.New("socket is already bound")

	// ErrNetwork is the kind used for OS failures not covered above
	// (e.g., host unreachable or address in use).
	ErrNetwork = errors.New("network error")
)

// OpError is the error type returned by every socket operation.
//
// The Error string never contains the remote address or the text of
// the underlying error (which usually embeds addresses) unless Verbose
// is set. See [Config.VerboseErrors].
type OpError struct {
	// Op is the operation that failed (e.g., "connect", "read").
	Op string

	// Kind is one of the Err* sentinels of this package.
	Kind error

	// Addr is the endpoint involved, if any.
	Addr string

	// Err is the underlying cause, if any.
	Err error

	// Verbose enables Addr and the full Err text in Error.
	Verbose bool
}

var _ net.Error = &OpError{}

// Error implements error.
func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Verbose && e.Addr != "" {
		b.WriteString(" ")
		b.WriteString(e.Addr)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if cause := e.causeText(); cause != "" && cause != e.Kind.Error() {
		b.WriteString(": ")
		b.WriteString(cause)
	}
	return b.String()
}

func (e *OpError) causeText() string {
	switch {
	case e.Err == nil:
		return ""
	case e.Verbose:
		return e.Err.Error()
	}
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno.Error()
	}
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(e.Err, &opErr) || errors.As(e.Err, &dnsErr) {
		return ""
	}
	return e.Err.Error()
}

// Unwrap returns the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout implements [net.Error].
func (e *OpError) Timeout() bool {
	return e.Kind == ErrTimeout
}

// Temporary implements [net.Error].
func (e *OpError) Temporary() bool {
	return e.Kind == ErrTimeout
}

// classifyOSError maps an error returned by the net package, the OS, or
// a [Dialer] to an error kind. It returns nil for nil and for [io.EOF].
func classifyOSError(err error) error {
	switch {
	case err == nil || errors.Is(err, io.EOF):
		return nil

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrReset),
		errors.Is(err, ErrConnectionRefused),
		errors.Is(err, ErrResourceExhausted),
		errors.Is(err, ErrUnknownHost):
		return ownKind(err)

	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, errnoETIMEDOUT):
		return ErrTimeout

	case errors.Is(err, errnoECONNREFUSED):
		return ErrConnectionRefused

	case errors.Is(err, errnoECONNRESET),
		errors.Is(err, errnoECONNABORTED),
		errors.Is(err, errnoEPIPE):
		return ErrReset

	case errors.Is(err, errnoEMFILE),
		errors.Is(err, errnoENFILE),
		errors.Is(err, errnoENOBUFS):
		return ErrResourceExhausted

	case errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		return ErrClosed
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrUnknownHost
	}
	return ErrNetwork
}

// ownKind returns the first kind of this package found in err's chain.
func ownKind(err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	for _, kind := range []error{
		ErrInvalidArgument,
		ErrTimeout,
		ErrClosed,
		ErrReset,
		ErrConnectionRefused,
		ErrResourceExhausted,
		ErrUnknownHost,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrNetwork
}
