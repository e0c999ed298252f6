// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Packet is a datagram buffer plus the peer endpoint.
type Packet struct {
	addr   Endpoint
	buf    []byte
	length int
}

// NewPacket returns a [*Packet] using buf. The addr argument may be nil for
// packets used with [*DatagramSocket.Receive] or sent on a connected socket.
func NewPacket(buf []byte, addr net.Addr) (*Packet, error) {
	p := &Packet{buf: buf, length: len(buf)}
	if addr != nil {
		if err := p.SetAddress(addr); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetAddress sets the peer endpoint. Fails with [ErrInvalidArgument] for
// address types other than [Endpoint], [*net.TCPAddr] and [*net.UDPAddr].
func (p *Packet) SetAddress(addr net.Addr) error {
	ep, err := endpointFromAddr("setAddress", addr)
	if err != nil {
		return err
	}
	p.addr = ep
	return nil
}

// Address returns the peer endpoint.
func (p *Packet) Address() Endpoint {
	return p.addr
}

// SetData replaces the buffer; the length becomes len(buf).
func (p *Packet) SetData(buf []byte) {
	p.buf = buf
	p.length = len(buf)
}

// Data returns the valid part of the buffer.
func (p *Packet) Data() []byte {
	return p.buf[:p.length]
}

// Length returns the number of valid bytes.
func (p *Packet) Length() int {
	return p.length
}

// DatagramSocket is a blocking UDP socket.
//
// Each DatagramSocket holds a [FamilyDatagram] descriptor, so the number of
// open datagram sockets is bounded by the cap set with
// [*DescriptorTable.SetLimit].
type DatagramSocket struct {
	cfg    *Config
	desc   *Descriptor
	logger SLogger

	bindMu sync.Mutex
	readMu sync.Mutex

	mu      sync.Mutex
	conn    net.PacketConn
	remote  Endpoint
	timeout time.Duration
}

var (
	errNotBound      = errors.New("socket is not bound")
	errPeerMismatch  = errors.New("packet address differs from connected address")
	errNoDestination = errors.New("packet has no destination")
)

// NewDatagramSocket allocates an unbound [*DatagramSocket] from
// [Config.Table]. Fails with [ErrResourceExhausted] when the cap is reached.
func NewDatagramSocket(cfg *Config, logger SLogger) (*DatagramSocket, error) {
	desc, err := cfg.Table.Allocate(FamilyDatagram)
	if err != nil {
		return nil, err
	}
	return &DatagramSocket{cfg: cfg, desc: desc, logger: logger}, nil
}

// Descriptor returns the socket's [*Descriptor].
func (ds *DatagramSocket) Descriptor() *Descriptor {
	return ds.desc
}

// Bind binds to addr; nil means the wildcard address with an ephemeral port.
func (ds *DatagramSocket) Bind(addr net.Addr) error {
	ep := WildcardEndpoint(0)
	if addr != nil {
		var err error
		if ep, err = endpointFromAddr("bind", addr); err != nil {
			return err
		}
	}
	if !ep.IsResolved() {
		var err error
		ep, err = resolveEndpoint(ds.desc.closeCtx, ds.cfg.Resolver, ep.Host(), int(ep.Port()), ds.cfg.VerboseErrors)
		if err != nil {
			return err
		}
	}
	return ds.bind(ep)
}

func (ds *DatagramSocket) bind(ep Endpoint) error {
	ds.bindMu.Lock()
	defer ds.bindMu.Unlock()
	switch ds.desc.State() {
	case StateClosed:
		return ds.newError("bind", ErrClosed, nil)
	case StateUnbound:
	default:
		return ds.newError("bind", ErrAlreadyBound, nil)
	}
	conn, err := ds.cfg.ListenConfig.ListenPacket(ds.desc.closeCtx, "udp", ep.String())
	if err != nil {
		return ds.newError("bind", classifyOrNetwork(err), err)
	}
	if err := ds.desc.attach(conn); err != nil {
		return ds.newError("bind", err, nil)
	}
	if err := ds.desc.setBound(endpointFromNetAddr(conn.LocalAddr())); err != nil {
		return ds.newError("bind", err, nil)
	}
	ds.mu.Lock()
	ds.conn = conn
	ds.mu.Unlock()
	ds.logger.Info("bind", ds.logAttrs()...)
	return nil
}

// ensureBound binds to the wildcard address if the socket is still unbound.
func (ds *DatagramSocket) ensureBound() (net.PacketConn, error) {
	if ds.desc.State() == StateUnbound {
		if err := ds.bind(WildcardEndpoint(0)); err != nil && !errors.Is(err, ErrAlreadyBound) {
			return nil, err
		}
	}
	ds.mu.Lock()
	conn := ds.conn
	ds.mu.Unlock()
	switch {
	case ds.desc.IsClosed():
		return nil, ds.newError("datagram", ErrClosed, nil)
	case conn == nil:
		return nil, ds.newError("datagram", ErrNotConnected, errNotBound)
	}
	return conn, nil
}

// Connect restricts the socket to a single peer. Sends default to that peer
// and datagrams from other peers are dropped on receive.
func (ds *DatagramSocket) Connect(addr net.Addr) error {
	ep, err := endpointFromAddr("connect", addr)
	if err != nil {
		return err
	}
	if !ep.IsResolved() {
		if ep, err = resolveEndpoint(ds.desc.closeCtx, ds.cfg.Resolver, ep.Host(), int(ep.Port()), ds.cfg.VerboseErrors); err != nil {
			return err
		}
	}
	if _, err := ds.ensureBound(); err != nil {
		return err
	}
	ds.mu.Lock()
	ds.remote = ep
	ds.mu.Unlock()
	ds.logger.Info("connect", ds.logAttrs(slog.String("remoteAddr", ep.String()))...)
	return nil
}

// Disconnect removes the peer restriction set by [*DatagramSocket.Connect].
func (ds *DatagramSocket) Disconnect() {
	ds.mu.Lock()
	ds.remote = Endpoint{}
	ds.mu.Unlock()
}

// RemoteAddr returns the connected peer, or the zero [Endpoint].
func (ds *DatagramSocket) RemoteAddr() Endpoint {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.remote
}

// LocalAddr returns the bound endpoint, which stays available after close.
func (ds *DatagramSocket) LocalAddr() Endpoint {
	return ds.desc.LocalAddr()
}

// Send sends the packet data to the packet address, or to the connected
// peer when the packet has none. On a connected socket a different packet
// address fails with [ErrInvalidArgument].
func (ds *DatagramSocket) Send(p *Packet) error {
	remote := ds.RemoteAddr()
	dest := p.addr
	switch {
	case dest.IsZero() && remote.IsZero():
		return ds.newError("send", ErrInvalidArgument, errNoDestination)
	case dest.IsZero():
		dest = remote
	case !remote.IsZero() && dest != remote:
		return ds.newError("send", ErrInvalidArgument, errPeerMismatch)
	}
	if !dest.IsResolved() {
		var err error
		if dest, err = resolveEndpoint(ds.desc.closeCtx, ds.cfg.Resolver, dest.Host(), int(dest.Port()), ds.cfg.VerboseErrors); err != nil {
			return err
		}
	}
	conn, err := ds.ensureBound()
	if err != nil {
		return err
	}
	udpAddr := net.UDPAddrFromAddrPort(dest.AddrPort())
	if _, err := conn.WriteTo(p.Data(), udpAddr); err != nil {
		return ds.ioError("send", err)
	}
	return nil
}

// Receive waits at most [*DatagramSocket.SoTimeout] for a datagram and
// stores it into p, truncating to the buffer size. A timeout leaves the
// socket usable.
func (ds *DatagramSocket) Receive(p *Packet) error {
	ds.readMu.Lock()
	defer ds.readMu.Unlock()

	conn, err := ds.ensureBound()
	if err != nil {
		return err
	}
	deadline, err := deadlineFor("receive", ds.cfg.TimeNow(), ds.SoTimeout())
	if err != nil {
		return err
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return ds.ioError("receive", err)
	}
	for {
		count, addr, err := conn.ReadFrom(p.buf[:cap(p.buf)])
		if err != nil {
			return ds.ioError("receive", err)
		}
		from := endpointFromNetAddr(addr)
		if remote := ds.RemoteAddr(); !remote.IsZero() && from != remote {
			continue
		}
		p.buf = p.buf[:cap(p.buf)]
		p.length = count
		p.addr = from
		return nil
	}
}

// SetSoTimeout sets the receive timeout. Zero means no timeout.
func (ds *DatagramSocket) SetSoTimeout(timeout time.Duration) error {
	if err := validateTimeout("setSoTimeout", timeout); err != nil {
		return err
	}
	if ds.desc.IsClosed() {
		return ds.newError("setSoTimeout", ErrClosed, nil)
	}
	ds.mu.Lock()
	ds.timeout = timeout
	ds.mu.Unlock()
	return nil
}

// SoTimeout returns the receive timeout.
func (ds *DatagramSocket) SoTimeout() time.Duration {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.timeout
}

// JoinGroup joins the multicast group on the given interface; a nil
// interface lets the OS choose. Fails with [ErrInvalidArgument] if group
// is not a supported address type or not a multicast address.
func (ds *DatagramSocket) JoinGroup(group net.Addr, ifi *net.Interface) error {
	return ds.membership("joinGroup", group, ifi, true)
}

// LeaveGroup leaves a group joined with [*DatagramSocket.JoinGroup].
func (ds *DatagramSocket) LeaveGroup(group net.Addr, ifi *net.Interface) error {
	return ds.membership("leaveGroup", group, ifi, false)
}

func (ds *DatagramSocket) membership(op string, group net.Addr, ifi *net.Interface, join bool) error {
	ep, err := endpointFromAddr(op, group)
	if err != nil {
		return err
	}
	if !ep.IsResolved() || !ep.Addr().IsMulticast() {
		return ds.newError(op, ErrInvalidArgument, errAddressNotMulticast)
	}
	conn, err := ds.ensureBound()
	if err != nil {
		return err
	}
	gaddr := &net.UDPAddr{IP: ep.Addr().AsSlice()}
	if ep.Addr().Is4() {
		pc := ipv4.NewPacketConn(conn)
		if join {
			err = pc.JoinGroup(ifi, gaddr)
		} else {
			err = pc.LeaveGroup(ifi, gaddr)
		}
	} else {
		pc := ipv6.NewPacketConn(conn)
		if join {
			err = pc.JoinGroup(ifi, gaddr)
		} else {
			err = pc.LeaveGroup(ifi, gaddr)
		}
	}
	ds.logger.Info(op, ds.logAttrs(
		slog.String("group", ep.String()),
		slog.Any("err", err),
		slog.String("errClass", ds.cfg.ErrClassifier.Classify(err)),
	)...)
	if err != nil {
		return ds.newError(op, classifyOrNetwork(err), err)
	}
	return nil
}

// Close closes the socket; a blocked Receive fails with [ErrClosed].
func (ds *DatagramSocket) Close() error {
	if ds.desc.IsClosed() {
		return nil
	}
	ds.logger.Info("close", ds.logAttrs()...)
	if err := ds.cfg.Table.Release(ds.desc); err != nil && !errors.Is(err, net.ErrClosed) {
		return ds.newError("close", classifyOrNetwork(err), err)
	}
	return nil
}

// IsClosed returns whether the socket is closed.
func (ds *DatagramSocket) IsClosed() bool {
	return ds.desc.IsClosed()
}

func (ds *DatagramSocket) ioError(op string, err error) error {
	if ds.desc.IsClosed() {
		return ds.newError(op, ErrClosed, err)
	}
	return ds.newError(op, classifyOrNetwork(err), err)
}

func (ds *DatagramSocket) newError(op string, kind, err error) error {
	return &OpError{
		Op:      op,
		Kind:    kind,
		Addr:    ds.RemoteAddr().String(),
		Err:     err,
		Verbose: ds.cfg.VerboseErrors,
	}
}

func (ds *DatagramSocket) logAttrs(extra ...any) []any {
	args := []any{
		slog.Int64("handle", ds.desc.handle),
		slog.String("localAddr", ds.desc.LocalAddr().String()),
		slog.String("protocol", string(ds.desc.family)),
		slog.String("spanID", ds.desc.spanID),
		slog.Time("t", ds.cfg.TimeNow()),
	}
	return append(args, extra...)
}
