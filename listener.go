// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
)

// DefaultBacklog is the backlog used when [*Listener.Bind] receives zero
// or a negative value.
const DefaultBacklog = 50

var errNotListening = errors.New("listener is not bound")

// Listener is a blocking listening socket.
//
// A background accept loop owns the OS listener and queues up to backlog
// established connections. [*Listener.Accept] takes one connection from the
// queue, so each connection is delivered to exactly one caller even when
// many goroutines accept concurrently, and each caller waits with its own
// deadline.
type Listener struct {
	cfg    *Config
	desc   *Descriptor
	logger SLogger

	mu       sync.Mutex
	timeout  time.Duration
	queue    chan net.Conn
	loopDone chan struct{}
	loopErr  error
	logLimit *rate.Limiter
}

// NewListener allocates an unbound [*Listener] from [Config.Table].
func NewListener(cfg *Config, logger SLogger) (*Listener, error) {
	desc, err := cfg.Table.Allocate(FamilyStream)
	if err != nil {
		return nil, err
	}
	return &Listener{
		cfg:      cfg,
		desc:     desc,
		logger:   logger,
		logLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// Listen is [NewListener] followed by [*Listener.Bind].
func Listen(cfg *Config, addr net.Addr, backlog int, logger SLogger) (*Listener, error) {
	l, err := NewListener(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := l.Bind(addr, backlog); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Descriptor returns the listener's [*Descriptor].
func (l *Listener) Descriptor() *Descriptor {
	return l.desc
}

// Bind binds to addr and starts listening.
//
// A nil addr means the wildcard address. Port zero selects an ephemeral
// port, available through [*Listener.LocalPort]. A backlog of zero or less
// means [DefaultBacklog]. Fails with [ErrInvalidArgument] for address types
// other than [Endpoint], [*net.TCPAddr] and [*net.UDPAddr].
func (l *Listener) Bind(addr net.Addr, backlog int) error {
	ep := WildcardEndpoint(0)
	if addr != nil {
		var err error
		if ep, err = endpointFromAddr("bind", addr); err != nil {
			return err
		}
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if !ep.IsResolved() {
		var err error
		ep, err = resolveEndpoint(l.desc.closeCtx, l.cfg.Resolver, ep.Host(), int(ep.Port()), l.cfg.VerboseErrors)
		if err != nil {
			return err
		}
	}

	switch l.desc.State() {
	case StateClosed:
		return l.newError("bind", ErrClosed, nil)
	case StateListening:
		return l.newError("bind", ErrAlreadyBound, nil)
	}

	t0 := l.cfg.TimeNow()
	l.logger.Info("listenStart", l.logAttrs(slog.String("bindAddr", ep.String()), slog.Time("t", t0))...)
	ln, err := l.cfg.ListenConfig.Listen(l.desc.closeCtx, "tcp", ep.String())
	l.logger.Info("listenDone", l.logAttrs(
		slog.Any("err", err),
		slog.String("errClass", l.cfg.ErrClassifier.Classify(err)),
		slog.String("bindAddr", ep.String()),
		slog.String("listenAddr", listenerAddr(ln, ep)),
		slog.Time("t0", t0),
		slog.Time("t", l.cfg.TimeNow()),
	)...)
	if err != nil {
		if l.desc.IsClosed() {
			return l.newError("bind", ErrClosed, err)
		}
		return l.newError("bind", classifyOrNetwork(err), err)
	}
	if err := l.desc.attach(ln); err != nil {
		return l.newError("bind", err, nil)
	}
	if err := l.desc.setListening(endpointFromNetAddr(ln.Addr())); err != nil {
		return l.newError("bind", err, nil)
	}

	queue, loopDone := make(chan net.Conn, backlog), make(chan struct{})
	l.mu.Lock()
	l.queue, l.loopDone = queue, loopDone
	l.mu.Unlock()
	go l.acceptLoop(ln, queue, loopDone)
	return nil
}

func listenerAddr(ln net.Listener, fallback Endpoint) string {
	if ln == nil {
		return fallback.String()
	}
	return ln.Addr().String()
}

// acceptLoop moves connections from the OS listener to the queue until the
// listener fails or is closed. Temporary failures, such as running out of
// file descriptors, are retried with exponential backoff.
func (l *Listener) acceptLoop(ln net.Listener, queue chan<- net.Conn, done chan<- struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.desc.IsClosed() {
				return
			}
			kind := classifyOSError(err)
			if kind != ErrResourceExhausted && kind != ErrReset {
				l.mu.Lock()
				l.loopErr = err
				l.mu.Unlock()
				l.logAcceptError(err)
				return
			}
			l.logAcceptError(err)
			select {
			case <-time.After(b.NextBackOff()):
			case <-l.desc.Done():
				return
			}
			continue
		}
		b.Reset()

		select {
		case queue <- conn:
		case <-l.desc.Done():
			conn.Close()
			return
		}
	}
}

func (l *Listener) logAcceptError(err error) {
	if !l.logLimit.Allow() {
		return
	}
	l.logger.Debug("acceptLoopError", l.logAttrs(
		slog.Any("err", err),
		slog.String("errClass", l.cfg.ErrClassifier.Classify(err)),
		slog.Time("t", l.cfg.TimeNow()),
	)...)
}

// Accept waits for a connection for at most [*Listener.SoTimeout].
//
// The returned [*Socket] has its own descriptor and default options; in
// particular it does not inherit the listener's timeout. Fails with
// [ErrTimeout] (the listener stays usable) or [ErrClosed] once the
// listener is closed. If the OS listener fails for good, connections
// already queued are still returned, then Accept fails with the kind of
// that failure.
func (l *Listener) Accept() (*Socket, error) {
	l.mu.Lock()
	queue, loopDone, timeout := l.queue, l.loopDone, l.timeout
	l.mu.Unlock()

	switch {
	case l.desc.IsClosed():
		return nil, l.newError("accept", ErrClosed, nil)
	case queue == nil:
		return nil, l.newError("accept", ErrNotConnected, errNotListening)
	}

	t0 := l.cfg.TimeNow()
	deadline, err := deadlineFor("accept", t0, timeout)
	if err != nil {
		return nil, err
	}
	l.logger.Info("acceptStart", l.logAttrs(slog.Time("deadline", deadline), slog.Time("t", t0))...)

	var cause error
	conn, err := awaitValue(queue, loopDone, deadline, l.cfg.TimeNow)
	switch {
	case err == nil && l.desc.IsClosed():
		conn.Close()
		err = ErrClosed
	case errors.Is(err, ErrClosed) && !l.desc.IsClosed():
		// The accept loop failed on its own. Connections it queued
		// before failing are still handed out.
		select {
		case conn = <-queue:
			err = nil
		default:
			if cause = l.loopFailure(); cause != nil {
				err = classifyOrNetwork(cause)
			}
		}
	}

	var sock *Socket
	if err == nil {
		sock, err = newAcceptedSocket(l.cfg, l.logger, conn)
	} else {
		err = l.newError("accept", err, cause)
	}

	l.logger.Info("acceptDone", l.logAttrs(
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", l.cfg.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", acceptedRemote(sock)),
		slog.Time("t0", t0),
		slog.Time("t", l.cfg.TimeNow()),
	)...)
	return sock, err
}

// loopFailure returns the error that stopped the accept loop, if any.
func (l *Listener) loopFailure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loopErr
}

func acceptedRemote(sock *Socket) string {
	if sock == nil {
		return ""
	}
	return sock.RemoteAddr().String()
}

// SetSoTimeout sets the accept timeout. Zero means no timeout.
func (l *Listener) SetSoTimeout(timeout time.Duration) error {
	if err := validateTimeout("setSoTimeout", timeout); err != nil {
		return err
	}
	if l.desc.IsClosed() {
		return l.newError("setSoTimeout", ErrClosed, nil)
	}
	l.mu.Lock()
	l.timeout = timeout
	l.mu.Unlock()
	return nil
}

// SoTimeout returns the accept timeout.
func (l *Listener) SoTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timeout
}

// LocalAddr returns the bound endpoint, which stays available after close.
func (l *Listener) LocalAddr() Endpoint {
	return l.desc.LocalAddr()
}

// LocalPort returns the bound port, or -1 if unbound.
func (l *Listener) LocalPort() int {
	local := l.desc.LocalAddr()
	if local.IsZero() {
		return -1
	}
	return int(local.Port())
}

// IsClosed returns whether the listener is closed.
func (l *Listener) IsClosed() bool {
	return l.desc.IsClosed()
}

// Close stops listening. Goroutines blocked in [*Listener.Accept] fail with
// [ErrClosed] and queued connections are closed. Calling Close again has
// no effect.
func (l *Listener) Close() error {
	if l.desc.IsClosed() {
		return nil
	}
	l.logger.Info("closeStart", l.logAttrs(slog.Time("t", l.cfg.TimeNow()))...)
	err := l.cfg.Table.Release(l.desc)

	l.mu.Lock()
	queue, loopDone := l.queue, l.loopDone
	l.mu.Unlock()
	if loopDone != nil {
		<-loopDone
		for drained := false; !drained; {
			select {
			case conn := <-queue:
				conn.Close()
			default:
				drained = true
			}
		}
	}

	l.logger.Info("closeDone", l.logAttrs(
		slog.Any("err", err),
		slog.String("errClass", l.cfg.ErrClassifier.Classify(err)),
		slog.Time("t", l.cfg.TimeNow()),
	)...)
	if err != nil {
		return l.newError("close", classifyOrNetwork(err), err)
	}
	return nil
}

func (l *Listener) newError(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Addr: l.desc.LocalAddr().String(), Err: err, Verbose: l.cfg.VerboseErrors}
}

func (l *Listener) logAttrs(extra ...any) []any {
	args := []any{
		slog.Int64("handle", l.desc.handle),
		slog.String("localAddr", l.desc.LocalAddr().String()),
		slog.String("protocol", string(l.desc.family)),
		slog.String("spanID", l.desc.spanID),
	}
	return append(args, extra...)
}
