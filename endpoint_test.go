// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcResolver adapts a function to [Resolver].
type funcResolver func(ctx context.Context, network, host string) ([]netip.Addr, error)

func (fn funcResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return fn(ctx, network, host)
}

func TestNewEndpoint(t *testing.T) {
	ep := NewEndpoint(netip.MustParseAddrPort("93.184.216.34:443"))

	assert.True(t, ep.IsResolved())
	assert.False(t, ep.IsWildcard())
	assert.False(t, ep.IsLoopback())
	assert.Equal(t, "93.184.216.34", ep.Host())
	assert.Equal(t, uint16(443), ep.Port())
	assert.Equal(t, "93.184.216.34:443", ep.String())
	assert.Equal(t, "ip", ep.Network())
}

// IPv4-mapped IPv6 addresses compare equal to their IPv4 form.
func TestNewEndpointUnmapsIPv4(t *testing.T) {
	mapped := NewEndpoint(netip.MustParseAddrPort("[::ffff:127.0.0.1]:80"))
	assert.Equal(t, LoopbackEndpoint(80), mapped)
}

func TestNewEndpointIPv6(t *testing.T) {
	ep := NewEndpoint(netip.MustParseAddrPort("[2001:db8::1]:8080"))
	assert.Equal(t, "[2001:db8::1]:8080", ep.String())
	assert.True(t, ep.Addr().Is6())
}

func TestWildcardAndLoopbackEndpoints(t *testing.T) {
	wildcard := WildcardEndpoint(0)
	assert.True(t, wildcard.IsWildcard())
	assert.Equal(t, "0.0.0.0:0", wildcard.String())

	loopback := LoopbackEndpoint(8080)
	assert.True(t, loopback.IsLoopback())
	assert.Equal(t, "127.0.0.1:8080", loopback.String())
}

// A host name yields an unresolved endpoint; an IP literal a resolved one.
func TestUnresolvedEndpoint(t *testing.T) {
	named := UnresolvedEndpoint("example.com", 80)
	assert.False(t, named.IsResolved())
	assert.False(t, named.Addr().IsValid())
	assert.Equal(t, "example.com:80", named.String())

	literal := UnresolvedEndpoint("10.0.0.1", 80)
	assert.True(t, literal.IsResolved())
	assert.Equal(t, NewEndpoint(netip.MustParseAddrPort("10.0.0.1:80")), literal)
}

func TestEndpointZero(t *testing.T) {
	var ep Endpoint
	assert.True(t, ep.IsZero())
	assert.False(t, ep.IsResolved())
	assert.Equal(t, "", ep.String())
	assert.False(t, LoopbackEndpoint(0).IsZero())
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    Endpoint
		wantErr error
	}{{
		name:  "ipv4",
		input: "127.0.0.1:80",
		want:  LoopbackEndpoint(80),
	}, {
		name:  "ipv6",
		input: "[::1]:53",
		want:  NewEndpoint(netip.MustParseAddrPort("[::1]:53")),
	}, {
		name:  "empty host is wildcard",
		input: ":8080",
		want:  WildcardEndpoint(8080),
	}, {
		name:  "host name",
		input: "example.com:443",
		want:  UnresolvedEndpoint("example.com", 443),
	}, {
		name:    "missing port",
		input:   "127.0.0.1",
		wantErr: ErrInvalidArgument,
	}, {
		name:    "port out of range",
		input:   "127.0.0.1:65536",
		wantErr: ErrInvalidArgument,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEndpoint(tc.input)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// Resolve returns the first address and rejects bad ports before lookup.
func TestResolve(t *testing.T) {
	var calls int
	resolver := funcResolver(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		calls++
		assert.Equal(t, "ip4", network)
		if host == "example.com" {
			return []netip.Addr{netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("93.184.216.35")}, nil
		}
		if host == "empty.example" {
			return nil, nil
		}
		return nil, errors.New("no such host")
	})
	ctx := context.Background()

	t.Run("name", func(t *testing.T) {
		ep, err := Resolve(ctx, resolver, "example.com", 80)
		require.NoError(t, err)
		assert.Equal(t, "93.184.216.34:80", ep.String())
	})

	t.Run("empty host is loopback", func(t *testing.T) {
		ep, err := Resolve(ctx, resolver, "", 80)
		require.NoError(t, err)
		assert.Equal(t, LoopbackEndpoint(80), ep)
	})

	t.Run("literal skips lookup", func(t *testing.T) {
		before := calls
		ep, err := Resolve(ctx, resolver, "10.0.0.1", 80)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:80", ep.String())
		assert.Equal(t, before, calls)
	})

	t.Run("unknown host", func(t *testing.T) {
		_, err := Resolve(ctx, resolver, "nxdomain.example", 80)
		require.ErrorIs(t, err, ErrUnknownHost)
	})

	t.Run("no addresses", func(t *testing.T) {
		_, err := Resolve(ctx, resolver, "empty.example", 80)
		require.ErrorIs(t, err, ErrUnknownHost)
	})

	for _, port := range []int{-1, 65536} {
		_, err := Resolve(ctx, resolver, "example.com", port)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}

// Unsupported address types fail with ErrInvalidArgument.
func TestEndpointFromAddr(t *testing.T) {
	cases := []struct {
		name string
		addr net.Addr
		want Endpoint
		ok   bool
	}{{
		name: "endpoint",
		addr: LoopbackEndpoint(80),
		want: LoopbackEndpoint(80),
		ok:   true,
	}, {
		name: "tcp addr",
		addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80},
		want: LoopbackEndpoint(80),
		ok:   true,
	}, {
		name: "udp addr",
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53},
		want: LoopbackEndpoint(53),
		ok:   true,
	}, {
		name: "tcp addr without ip",
		addr: &net.TCPAddr{Port: 80},
		want: WildcardEndpoint(80),
		ok:   true,
	}, {
		name: "tcp port too large",
		addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 70000},
	}, {
		name: "tcp negative port",
		addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: -1},
	}, {
		name: "udp port too large",
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 65536},
	}, {
		name: "udp highest port",
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 65535},
		want: LoopbackEndpoint(65535),
		ok:   true,
	}, {
		name: "nil",
		addr: nil,
	}, {
		name: "nil tcp addr",
		addr: (*net.TCPAddr)(nil),
	}, {
		name: "zero endpoint",
		addr: Endpoint{},
	}, {
		name: "fake",
		addr: fakeAddr{},
	}, {
		name: "unix",
		addr: &net.UnixAddr{Name: "/tmp/sock", Net: "unix"},
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := endpointFromAddr("connect", tc.addr)
			if !tc.ok {
				require.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
