// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Socket is a blocking stream socket.
//
// A Socket is created unbound and unconnected by [NewSocket], optionally
// bound with [*Socket.Bind], and connected with [*Socket.Connect]. The
// [*Listener] returns already connected sockets.
//
// Reads block for at most the [*Socket.SoTimeout] duration; a timeout
// leaves the socket usable. Writes block until the kernel accepts the
// data. A single read and a single write may be in progress concurrently;
// concurrent reads (or writes) are serialized. Close, ShutdownInput and
// ShutdownOutput may be called from any goroutine at any time and wake up
// the blocked calls they affect.
type Socket struct {
	cfg    *Config
	desc   *Descriptor
	logger SLogger

	connectMu sync.Mutex
	readMu    sync.Mutex
	writeMu   sync.Mutex

	mu    sync.Mutex
	conn  net.Conn
	local Endpoint
	opts  Options

	inOnce  sync.Once
	in      *InputStream
	outOnce sync.Once
	out     *OutputStream
}

// NewSocket allocates an unconnected [*Socket] from [Config.Table].
//
// Fails with [ErrResourceExhausted] when the stream family cap is reached.
func NewSocket(cfg *Config, logger SLogger) (*Socket, error) {
	desc, err := cfg.Table.Allocate(FamilyStream)
	if err != nil {
		return nil, err
	}
	return &Socket{cfg: cfg, desc: desc, logger: logger, opts: DefaultOptions()}, nil
}

// newAcceptedSocket wraps a connection returned by accept. The new socket
// has a fresh descriptor and default options.
func newAcceptedSocket(cfg *Config, logger SLogger, conn net.Conn) (*Socket, error) {
	s, err := NewSocket(cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	observe := NewObserveConnFunc(cfg, logger)
	observe.Handle = s.desc.handle
	observe.SpanID = s.desc.spanID
	conn, _ = observe.Call(context.Background(), conn)
	if err := s.establish(conn, endpointFromNetAddr(conn.RemoteAddr())); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Descriptor returns the socket's [*Descriptor].
func (s *Socket) Descriptor() *Descriptor {
	return s.desc
}

// Bind fixes the local endpoint used by the next [*Socket.Connect].
//
// Bind only records the endpoint: the OS bind happens at connect time.
// Until then [*Socket.LocalPort] reports the recorded port, zero for an
// ephemeral bind, and an address already in use fails [*Socket.Connect]
// rather than Bind. A nil addr means the wildcard address with an
// ephemeral port. Fails with [ErrInvalidArgument] for address types other
// than [Endpoint], [*net.TCPAddr] and [*net.UDPAddr].
func (s *Socket) Bind(addr net.Addr) error {
	ep := WildcardEndpoint(0)
	if addr != nil {
		var err error
		if ep, err = endpointFromAddr("bind", addr); err != nil {
			return err
		}
	}
	if !ep.IsResolved() {
		var err error
		ep, err = resolveEndpoint(s.desc.closeCtx, s.cfg.Resolver, ep.Host(), int(ep.Port()), s.cfg.VerboseErrors)
		if err != nil {
			return err
		}
	}
	if err := s.desc.setBound(ep); err != nil {
		return s.newError("bind", err, ep, nil)
	}
	s.mu.Lock()
	s.local = ep
	s.mu.Unlock()
	s.logger.Info("bind", s.logAttrs(slog.String("localAddr", ep.String()))...)
	return nil
}

// Connect connects to addr, waiting at most timeout. A zero timeout waits
// until the OS gives up.
//
// An unresolved [Endpoint] is resolved first using [Config.Resolver],
// within the same timeout. Fails with [ErrInvalidArgument] for a negative
// timeout or an unsupported address type, with [ErrConnectionRefused] if
// nothing listens at addr, and with [ErrTimeout] if the timeout expires.
// After a failure other than [ErrClosed] the socket may be connected again.
// Closing the socket aborts a pending connect with [ErrClosed].
func (s *Socket) Connect(addr net.Addr, timeout time.Duration) error {
	ep, err := endpointFromAddr("connect", addr)
	if err != nil {
		return err
	}
	deadline, err := deadlineFor("connect", s.cfg.TimeNow(), timeout)
	if err != nil {
		return err
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	switch s.desc.State() {
	case StateClosed:
		return s.newError("connect", ErrClosed, ep, nil)
	case StateConnected:
		return s.newError("connect", ErrAlreadyConnected, ep, nil)
	}

	ctx, cancel := s.desc.closeCtx, context.CancelFunc(func() {})
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	if !ep.IsResolved() {
		resolved, err := resolveEndpoint(ctx, s.cfg.Resolver, ep.Host(), int(ep.Port()), s.cfg.VerboseErrors)
		if err != nil {
			return s.connectError(ctx, ep, err)
		}
		ep = resolved
	}

	conn, err := s.connectPipeline().Call(ctx, ep)
	if err != nil {
		return s.connectError(ctx, ep, err)
	}
	if err := s.establish(conn, ep); err != nil {
		return s.newError("connect", err, ep, nil)
	}
	return nil
}

func (s *Socket) connectPipeline() Func[Endpoint, net.Conn] {
	connect := NewConnectFunc(s.cfg, s.logger)
	connect.Handle = s.desc.handle
	connect.SpanID = s.desc.spanID
	s.mu.Lock()
	connect.Local = s.local
	s.mu.Unlock()

	observe := NewObserveConnFunc(s.cfg, s.logger)
	observe.Handle = s.desc.handle
	observe.SpanID = s.desc.spanID

	return Compose2[Endpoint, net.Conn, net.Conn](connect, observe)
}

func (s *Socket) connectError(ctx context.Context, ep Endpoint, err error) error {
	var kind error
	switch {
	case s.desc.IsClosed():
		kind = ErrClosed
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = ErrTimeout
	default:
		if kind = classifyOSError(err); kind == nil {
			kind = ErrNetwork
		}
	}
	return s.newError("connect", kind, ep, err)
}

// establish attaches a connected conn to the descriptor and applies the
// stored options.
func (s *Socket) establish(conn net.Conn, remote Endpoint) error {
	if err := s.desc.attach(conn); err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	opts := s.opts
	s.mu.Unlock()

	if err := s.desc.setConnected(endpointFromNetAddr(conn.LocalAddr()), remote); err != nil {
		return err
	}
	s.logApplyError("tcpNoDelay", applyNoDelay(conn, opts.NoDelay))
	if opts.Linger.Enabled {
		s.logApplyError("soLinger", applyLinger(conn, opts.Linger))
	}
	s.logApplyError("trafficClass", applyTrafficClass(conn, opts.TrafficClass))
	return nil
}

// Read reads up to len(buf) bytes, waiting at most [*Socket.SoTimeout].
//
// Returns [io.EOF] once the peer has shut down its output and all data has
// been consumed, and immediately after [*Socket.ShutdownInput]. Fails with
// [ErrTimeout] (the socket stays usable), [ErrReset] if the peer reset the
// connection, or [ErrClosed] if the socket is closed.
func (s *Socket) Read(buf []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	call := s.newIOCall("read", dirRead)
	if len(buf) <= 0 {
		if err := call.precheck(); err != nil && err != io.EOF {
			return 0, err
		}
		return 0, nil
	}
	return call.do(func() (int, error) {
		return call.conn.Read(buf)
	})
}

// Write writes all of data, blocking until the kernel accepts it.
//
// Fails with [ErrClosed] (cause "broken pipe") after [*Socket.ShutdownOutput]
// or once the socket is closed, and with [ErrReset] if the peer reset the
// connection.
func (s *Socket) Write(data []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	call := s.newIOCall("write", dirWrite)
	call.timeout = 0
	return call.do(func() (int, error) {
		return call.conn.Write(data)
	})
}

func (s *Socket) newIOCall(op string, dir direction) *ioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ioCall{
		conn:    s.conn,
		desc:    s.desc,
		dir:     dir,
		now:     s.cfg.TimeNow,
		op:      op,
		remote:  s.desc.RemoteAddr().String(),
		timeout: s.opts.Timeout,
		verbose: s.cfg.VerboseErrors,
	}
}

// ShutdownInput shuts down the input side. Blocked and future reads return
// [io.EOF]. Calling it again has no effect.
func (s *Socket) ShutdownInput() error {
	conn, err := s.connectedConn("shutdownInput")
	if err != nil {
		return err
	}
	if !s.desc.shutInput() {
		return nil
	}
	s.logger.Info("shutdownInput", s.logAttrs()...)
	if rc, ok := underlying(conn).(readCloser); ok {
		s.logApplyError("closeRead", rc.CloseRead())
	}
	conn.SetReadDeadline(aLongTimeAgo)
	return nil
}

// ShutdownOutput sends an orderly end of stream to the peer. Blocked and
// future writes fail with [ErrClosed]. Calling it again has no effect.
func (s *Socket) ShutdownOutput() error {
	conn, err := s.connectedConn("shutdownOutput")
	if err != nil {
		return err
	}
	if !s.desc.shutOutput() {
		return nil
	}
	s.logger.Info("shutdownOutput", s.logAttrs()...)
	if wc, ok := underlying(conn).(writeCloser); ok {
		s.logApplyError("closeWrite", wc.CloseWrite())
	}
	conn.SetWriteDeadline(aLongTimeAgo)
	return nil
}

// Available returns the number of bytes that can be read without blocking.
//
// Returns zero after end of stream, input shutdown, or a reset. Fails with
// [ErrClosed] once the socket is closed.
func (s *Socket) Available() (int, error) {
	conn, err := s.connectedConn("available")
	if err != nil {
		return 0, err
	}
	snap := s.desc.snapshot()
	if snap.eof || snap.inputShut || snap.reset {
		return 0, nil
	}
	count, err := availableBytes(conn)
	if err != nil {
		if s.desc.IsClosed() {
			return 0, s.newError("available", ErrClosed, s.desc.RemoteAddr(), err)
		}
		return 0, s.newError("available", ErrNetwork, s.desc.RemoteAddr(), err)
	}
	return count, nil
}

// bufferedBytes sums the bytes buffered by wrappers of the OS connection.
func bufferedBytes(conn net.Conn) int {
	var total int
	for {
		if b, ok := conn.(interface{ Buffered() int }); ok {
			total += b.Buffered()
		}
		nc, ok := conn.(netConner)
		if !ok {
			return total
		}
		conn = nc.NetConn()
	}
}

func (s *Socket) connectedConn(op string) (net.Conn, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	switch {
	case s.desc.IsClosed():
		return nil, s.newError(op, ErrClosed, s.desc.RemoteAddr(), nil)
	case conn == nil:
		return nil, s.newError(op, ErrNotConnected, Endpoint{}, nil)
	}
	return conn, nil
}

// Close closes the socket. Blocked calls fail with [ErrClosed].
//
// With linger enabled and zero seconds the connection is reset. With a
// positive linger, Close may block up to that long while the OS flushes
// pending output; other sockets are unaffected. Address accessors keep
// returning their last values. Calling Close again has no effect.
func (s *Socket) Close() error {
	if s.desc.IsClosed() {
		return nil
	}
	if err := s.cfg.Table.Release(s.desc); err != nil && !errors.Is(err, net.ErrClosed) {
		return s.newError("close", classifyOrNetwork(err), s.desc.RemoteAddr(), err)
	}
	return nil
}

// SetSoTimeout sets the read timeout. Zero means no timeout.
func (s *Socket) SetSoTimeout(timeout time.Duration) error {
	if err := validateTimeout("setSoTimeout", timeout); err != nil {
		return err
	}
	return s.setOption("soTimeout", func(opts *Options) {
		opts.Timeout = timeout
	}, nil)
}

// SoTimeout returns the read timeout.
func (s *Socket) SoTimeout() time.Duration {
	return s.Options().Timeout
}

// SetSoLinger enables or disables linger-on-close. Seconds above [MaxLinger]
// are clamped. A negative duration with on set fails with [ErrInvalidArgument].
func (s *Socket) SetSoLinger(on bool, seconds int) error {
	linger, err := newLinger(on, seconds)
	if err != nil {
		return err
	}
	return s.setOption("soLinger", func(opts *Options) {
		opts.Linger = linger
	}, func(conn net.Conn) error {
		return applyLinger(conn, linger)
	})
}

// SoLinger returns the linger duration in seconds, or -1 when disabled.
func (s *Socket) SoLinger() int {
	linger := s.Options().Linger
	if !linger.Enabled {
		return -1
	}
	return linger.Seconds
}

// SetTCPNoDelay enables or disables Nagle's algorithm.
func (s *Socket) SetTCPNoDelay(on bool) error {
	return s.setOption("tcpNoDelay", func(opts *Options) {
		opts.NoDelay = on
	}, func(conn net.Conn) error {
		return applyNoDelay(conn, on)
	})
}

// TCPNoDelay returns whether Nagle's algorithm is disabled.
func (s *Socket) TCPNoDelay() bool {
	return s.Options().NoDelay
}

// SetTrafficClass sets the IPv4 TOS or IPv6 traffic class byte.
//
// Values outside [0, 255] fail with [ErrInvalidArgument]. The OS may
// ignore the value; such failures are logged, not returned.
func (s *Socket) SetTrafficClass(tc int) error {
	if err := validateTrafficClass(tc); err != nil {
		return err
	}
	return s.setOption("trafficClass", func(opts *Options) {
		opts.TrafficClass = tc
	}, func(conn net.Conn) error {
		return applyTrafficClass(conn, tc)
	})
}

// TrafficClass returns the traffic class byte, or zero if never set.
func (s *Socket) TrafficClass() int {
	return max(s.Options().TrafficClass, 0)
}

// Options returns a copy of the current options.
func (s *Socket) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// setOption stores an option and, when connected, applies it. Apply errors
// are logged rather than returned.
func (s *Socket) setOption(name string, store func(*Options), apply func(net.Conn) error) error {
	if s.desc.IsClosed() {
		return s.newError("setOption", ErrClosed, s.desc.RemoteAddr(), nil)
	}
	s.mu.Lock()
	store(&s.opts)
	conn := s.conn
	s.mu.Unlock()
	s.logger.Debug("setOption", s.logAttrs(slog.String("option", name))...)
	if conn != nil && apply != nil {
		s.logApplyError(name, apply(conn))
	}
	return nil
}

func (s *Socket) logApplyError(name string, err error) {
	if err == nil {
		return
	}
	s.logger.Debug("setOptionFailed", s.logAttrs(
		slog.String("option", name),
		slog.Any("err", err),
		slog.String("errClass", s.cfg.ErrClassifier.Classify(err)),
	)...)
}

// InputStream returns the cached read view of the socket.
func (s *Socket) InputStream() *InputStream {
	s.inOnce.Do(func() {
		s.in = &InputStream{s: s}
	})
	return s.in
}

// OutputStream returns the cached write view of the socket.
func (s *Socket) OutputStream() *OutputStream {
	s.outOnce.Do(func() {
		s.out = &OutputStream{s: s}
	})
	return s.out
}

// LocalAddr returns the local endpoint, which stays available after close.
func (s *Socket) LocalAddr() Endpoint {
	return s.desc.LocalAddr()
}

// RemoteAddr returns the remote endpoint, which stays available after close.
func (s *Socket) RemoteAddr() Endpoint {
	return s.desc.RemoteAddr()
}

// LocalPort returns the local port, or -1 if unbound.
func (s *Socket) LocalPort() int {
	local := s.desc.LocalAddr()
	if local.IsZero() {
		return -1
	}
	return int(local.Port())
}

// State returns the descriptor state.
func (s *Socket) State() State {
	return s.desc.State()
}

// IsConnected returns whether the socket was ever connected. It stays true
// after close.
func (s *Socket) IsConnected() bool {
	return !s.desc.RemoteAddr().IsZero()
}

// IsClosed returns whether the socket is closed.
func (s *Socket) IsClosed() bool {
	return s.desc.IsClosed()
}

// IsInputShutdown returns whether [*Socket.ShutdownInput] was called.
func (s *Socket) IsInputShutdown() bool {
	return s.desc.InputShut()
}

// IsOutputShutdown returns whether [*Socket.ShutdownOutput] was called.
func (s *Socket) IsOutputShutdown() bool {
	return s.desc.OutputShut()
}

func (s *Socket) newError(op string, kind error, addr Endpoint, err error) error {
	return &OpError{Op: op, Kind: kind, Addr: addr.String(), Err: err, Verbose: s.cfg.VerboseErrors}
}

func (s *Socket) logAttrs(extra ...any) []any {
	args := []any{
		slog.Int64("handle", s.desc.handle),
		slog.String("localAddr", s.desc.LocalAddr().String()),
		slog.String("protocol", string(s.desc.family)),
		slog.String("remoteAddr", s.desc.RemoteAddr().String()),
		slog.String("spanID", s.desc.spanID),
		slog.Time("t", s.cfg.TimeNow()),
	}
	return append(args, extra...)
}

// classifyOrNetwork is [classifyOSError] with [ErrNetwork] in place of nil.
func classifyOrNetwork(err error) error {
	if kind := classifyOSError(err); kind != nil {
		return kind
	}
	return ErrNetwork
}

// InputStream is the read view of a [*Socket].
//
// Obtain it with [*Socket.InputStream]; it is created once per socket.
type InputStream struct {
	s *Socket
}

var _ io.ReadCloser = &InputStream{}

// Read implements [io.Reader] using [*Socket.Read].
func (in *InputStream) Read(buf []byte) (int, error) {
	return in.s.Read(buf)
}

// Available calls [*Socket.Available].
func (in *InputStream) Available() (int, error) {
	return in.s.Available()
}

// Close closes the socket.
func (in *InputStream) Close() error {
	return in.s.Close()
}

// OutputStream is the write view of a [*Socket].
//
// Obtain it with [*Socket.OutputStream]; it is created once per socket.
type OutputStream struct {
	s *Socket
}

var _ io.WriteCloser = &OutputStream{}

// Write implements [io.Writer] using [*Socket.Write].
func (out *OutputStream) Write(data []byte) (int, error) {
	return out.s.Write(data)
}

// Close closes the socket.
func (out *OutputStream) Close() error {
	return out.s.Close()
}
