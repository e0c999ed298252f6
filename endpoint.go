// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
)

// Endpoint is an immutable (host, port) pair.
//
// An Endpoint is either resolved, holding an IP address, or unresolved,
// holding a host name that [*Socket.Connect] resolves using [Config.Resolver].
// The zero value is neither and is rejected by every operation.
//
// Endpoint is comparable: two endpoints are equal when they hold the same
// address, host name, and port.
//
// Endpoint implements [net.Addr].
type Endpoint struct {
	addr netip.Addr
	host string
	port uint16
}

var _ net.Addr = Endpoint{}

// NewEndpoint returns a resolved [Endpoint]. IPv4-mapped IPv6 addresses
// are unmapped.
func NewEndpoint(ap netip.AddrPort) Endpoint {
	return Endpoint{addr: ap.Addr().Unmap(), port: ap.Port()}
}

// UnresolvedEndpoint returns an [Endpoint] holding a host name. If the host
// is an IP address literal, the returned endpoint is already resolved.
func UnresolvedEndpoint(host string, port uint16) Endpoint {
	if addr, err := netip.ParseAddr(host); err == nil {
		return NewEndpoint(netip.AddrPortFrom(addr, port))
	}
	return Endpoint{host: host, port: port}
}

// WildcardEndpoint returns the IPv4 "any local interface" endpoint.
func WildcardEndpoint(port uint16) Endpoint {
	return NewEndpoint(netip.AddrPortFrom(netip.IPv4Unspecified(), port))
}

// LoopbackEndpoint returns the IPv4 loopback endpoint.
func LoopbackEndpoint(port uint16) Endpoint {
	return NewEndpoint(netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port))
}

// ParseEndpoint parses "host:port". The host may be a name, in which case
// the result is unresolved.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, &OpError{Op: "parse", Kind: ErrInvalidArgument, Addr: s, Err: err}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, &OpError{Op: "parse", Kind: ErrInvalidArgument, Addr: s, Err: err}
	}
	if host == "" {
		return WildcardEndpoint(uint16(port)), nil
	}
	return UnresolvedEndpoint(host, uint16(port)), nil
}

// Resolve returns a resolved [Endpoint] for host and port.
//
// An empty host resolves to the loopback address. A port outside
// [0, 65535] fails with [ErrInvalidArgument]. A name that cannot be
// resolved fails with [ErrUnknownHost].
func Resolve(ctx context.Context, r Resolver, host string, port int) (Endpoint, error) {
	return resolveEndpoint(ctx, r, host, port, false)
}

func resolveEndpoint(ctx context.Context, r Resolver, host string, port int, verbose bool) (Endpoint, error) {
	if !validPort(port) {
		return Endpoint{}, &OpError{
			Op:      "resolve",
			Kind:    ErrInvalidArgument,
			Addr:    host,
			Err:     errPortRange,
			Verbose: verbose,
		}
	}
	if host == "" {
		return LoopbackEndpoint(uint16(port)), nil
	}
	ep := UnresolvedEndpoint(host, uint16(port))
	if ep.IsResolved() {
		return ep, nil
	}
	addrs, err := r.LookupNetIP(ctx, "ip4", host)
	if err == nil && len(addrs) <= 0 {
		err = errors.New("no addresses")
	}
	if err != nil {
		return Endpoint{}, &OpError{Op: "resolve", Kind: ErrUnknownHost, Addr: host, Err: err, Verbose: verbose}
	}
	return NewEndpoint(netip.AddrPortFrom(addrs[0], uint16(port))), nil
}

// IsResolved returns whether the endpoint holds an IP address.
func (e Endpoint) IsResolved() bool {
	return e.addr.IsValid()
}

// IsWildcard returns whether the endpoint is the "any local interface" address.
func (e Endpoint) IsWildcard() bool {
	return e.addr.IsValid() && e.addr.IsUnspecified()
}

// IsLoopback returns whether the endpoint is a loopback address.
func (e Endpoint) IsLoopback() bool {
	return e.addr.IsValid() && e.addr.IsLoopback()
}

// IsZero returns whether this is the zero [Endpoint].
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// Addr returns the IP address, which is invalid when unresolved.
func (e Endpoint) Addr() netip.Addr {
	return e.addr
}

// AddrPort returns the address and port, which is invalid when unresolved.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.addr, e.port)
}

// Host returns the host name, or the address string when resolved.
func (e Endpoint) Host() string {
	if e.addr.IsValid() {
		return e.addr.String()
	}
	return e.host
}

// Port returns the port.
func (e Endpoint) Port() uint16 {
	return e.port
}

// Network implements [net.Addr].
func (e Endpoint) Network() string {
	return "ip"
}

// String implements [net.Addr].
func (e Endpoint) String() string {
	if e.IsZero() {
		return ""
	}
	return net.JoinHostPort(e.Host(), strconv.Itoa(int(e.port)))
}

// endpointFromAddr converts the address types accepted by this package to
// an [Endpoint]. Any other [net.Addr] fails with [ErrInvalidArgument].
func endpointFromAddr(op string, addr net.Addr) (Endpoint, error) {
	var ep Endpoint
	switch v := addr.(type) {
	case Endpoint:
		ep = v
	case *Endpoint:
		if v != nil {
			ep = *v
		}
	case *net.TCPAddr:
		if v != nil {
			if !validPort(v.Port) {
				return Endpoint{}, &OpError{Op: op, Kind: ErrInvalidArgument, Err: errPortRange}
			}
			ep = endpointFromIPPort(v.IP, v.Port)
		}
	case *net.UDPAddr:
		if v != nil {
			if !validPort(v.Port) {
				return Endpoint{}, &OpError{Op: op, Kind: ErrInvalidArgument, Err: errPortRange}
			}
			ep = endpointFromIPPort(v.IP, v.Port)
		}
	}
	if ep.IsZero() {
		return Endpoint{}, &OpError{Op: op, Kind: ErrInvalidArgument, Err: errUnsupportedAddr}
	}
	return ep, nil
}

var (
	errPortRange       = errors.New("port out of range")
	errUnsupportedAddr = errors.New("unsupported address type")
)

func validPort(port int) bool {
	return port >= 0 && port <= 65535
}

func endpointFromIPPort(ip net.IP, port int) Endpoint {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		addr = netip.IPv4Unspecified()
	}
	return NewEndpoint(netip.AddrPortFrom(addr, uint16(port)))
}

// endpointFromNetAddr snapshots an address returned by the net package.
// Unknown types yield the zero [Endpoint].
func endpointFromNetAddr(addr net.Addr) Endpoint {
	switch v := addr.(type) {
	case *net.TCPAddr:
		if v != nil {
			return endpointFromIPPort(v.IP, v.Port)
		}
	case *net.UDPAddr:
		if v != nil {
			return endpointFromIPPort(v.IP, v.Port)
		}
	case Endpoint:
		return v
	}
	return Endpoint{}
}
