// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDatagramSocket returns a datagram socket bound to an ephemeral
// loopback port and closed when the test ends.
func newTestDatagramSocket(t *testing.T, cfg *Config) *DatagramSocket {
	t.Helper()
	ds, err := NewDatagramSocket(cfg, DefaultSLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	require.NoError(t, ds.Bind(LoopbackEndpoint(0)))
	return ds
}

func TestPacket(t *testing.T) {
	p, err := NewPacket([]byte("hello"), LoopbackEndpoint(53))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p.Data()))
	assert.Equal(t, 5, p.Length())
	assert.Equal(t, LoopbackEndpoint(53), p.Address())

	p.SetData([]byte("hi"))
	assert.Equal(t, "hi", string(p.Data()))

	require.NoError(t, p.SetAddress(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 53}))
	assert.Equal(t, "10.0.0.1:53", p.Address().String())
}

// Unsupported address types are rejected by packets and sockets alike.
func TestDatagramRejectsUnsupportedAddr(t *testing.T) {
	_, err := NewPacket(nil, fakeAddr{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	p, err := NewPacket(nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, p.SetAddress(fakeAddr{}), ErrInvalidArgument)

	ds, err := NewDatagramSocket(newTestConfig(), DefaultSLogger())
	require.NoError(t, err)
	defer ds.Close()
	require.ErrorIs(t, ds.Bind(fakeAddr{}), ErrInvalidArgument)
	require.ErrorIs(t, ds.Connect(fakeAddr{}), ErrInvalidArgument)
	require.ErrorIs(t, ds.JoinGroup(fakeAddr{}, nil), ErrInvalidArgument)
	require.ErrorIs(t, ds.LeaveGroup(fakeAddr{}, nil), ErrInvalidArgument)
	assert.Equal(t, StateUnbound, ds.Descriptor().State())
}

// Multicast membership requires a multicast group address.
func TestDatagramJoinGroupNotMulticast(t *testing.T) {
	ds := newTestDatagramSocket(t, newTestConfig())
	err := ds.JoinGroup(LoopbackEndpoint(5353), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

// Datagrams travel between two sockets and carry the sender address.
func TestDatagramSendReceive(t *testing.T) {
	cfg := newTestConfig()
	server := newTestDatagramSocket(t, cfg)
	client := newTestDatagramSocket(t, cfg)
	require.NoError(t, server.SetSoTimeout(5*time.Second))

	out, err := NewPacket([]byte("ping"), server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, client.Send(out))

	in, err := NewPacket(make([]byte, 2), nil)
	require.NoError(t, err)
	require.NoError(t, server.Receive(in))

	// The datagram is truncated to the buffer size.
	assert.Equal(t, "pi", string(in.Data()))
	assert.Equal(t, client.LocalAddr(), in.Address())
}

// Sending without an address fails unless the socket is connected.
func TestDatagramConnect(t *testing.T) {
	cfg := newTestConfig()
	server := newTestDatagramSocket(t, cfg)
	client := newTestDatagramSocket(t, cfg)
	require.NoError(t, server.SetSoTimeout(5*time.Second))

	p, err := NewPacket([]byte("ping"), nil)
	require.NoError(t, err)
	require.ErrorIs(t, client.Send(p), ErrInvalidArgument)

	require.NoError(t, client.Connect(server.LocalAddr()))
	assert.Equal(t, server.LocalAddr(), client.RemoteAddr())
	require.NoError(t, client.Send(p))

	other, err := NewPacket([]byte("ping"), LoopbackEndpoint(9))
	require.NoError(t, err)
	require.ErrorIs(t, client.Send(other), ErrInvalidArgument)

	in, err := NewPacket(make([]byte, 16), nil)
	require.NoError(t, err)
	require.NoError(t, server.Receive(in))
	assert.Equal(t, "ping", string(in.Data()))

	client.Disconnect()
	assert.True(t, client.RemoteAddr().IsZero())
	require.NoError(t, client.Send(other))
}

// A connected socket drops datagrams from other peers.
func TestDatagramConnectFiltersPeers(t *testing.T) {
	cfg := newTestConfig()
	server := newTestDatagramSocket(t, cfg)
	peer := newTestDatagramSocket(t, cfg)
	stranger := newTestDatagramSocket(t, cfg)
	require.NoError(t, server.Connect(peer.LocalAddr()))
	require.NoError(t, server.SetSoTimeout(5*time.Second))

	fromStranger, err := NewPacket([]byte("stranger"), server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, stranger.Send(fromStranger))

	fromPeer, err := NewPacket([]byte("peer"), server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, peer.Send(fromPeer))

	in, err := NewPacket(make([]byte, 16), nil)
	require.NoError(t, err)
	require.NoError(t, server.Receive(in))
	assert.Equal(t, "peer", string(in.Data()))
}

// A receive timeout leaves the socket usable.
func TestDatagramReceiveTimeout(t *testing.T) {
	cfg := newTestConfig()
	server := newTestDatagramSocket(t, cfg)
	client := newTestDatagramSocket(t, cfg)
	require.NoError(t, server.SetSoTimeout(50*time.Millisecond))
	require.ErrorIs(t, server.SetSoTimeout(-time.Second), ErrInvalidArgument)

	in, err := NewPacket(make([]byte, 16), nil)
	require.NoError(t, err)
	require.ErrorIs(t, server.Receive(in), ErrTimeout)

	out, err := NewPacket([]byte("late"), server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, client.Send(out))
	require.NoError(t, server.SetSoTimeout(5*time.Second))
	require.NoError(t, server.Receive(in))
	assert.Equal(t, "late", string(in.Data()))
}

// Closing the socket unblocks a pending receive.
func TestDatagramCloseUnblocksReceive(t *testing.T) {
	ds := newTestDatagramSocket(t, newTestConfig())
	local := ds.LocalAddr()

	alarm := Schedule(50*time.Millisecond, func() {
		ds.Close()
	})
	defer alarm.Wait()

	in, err := NewPacket(make([]byte, 16), nil)
	require.NoError(t, err)
	require.ErrorIs(t, ds.Receive(in), ErrClosed)

	alarm.Wait()
	assert.True(t, ds.IsClosed())
	assert.Equal(t, local, ds.LocalAddr())
	require.NoError(t, ds.Close())
	require.ErrorIs(t, ds.Receive(in), ErrClosed)
}

// Sending from an unbound socket binds it to an ephemeral port.
func TestDatagramImplicitBind(t *testing.T) {
	cfg := newTestConfig()
	server := newTestDatagramSocket(t, cfg)

	client, err := NewDatagramSocket(cfg, DefaultSLogger())
	require.NoError(t, err)
	defer client.Close()

	out, err := NewPacket([]byte("x"), server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, client.Send(out))
	assert.Equal(t, StateBound, client.Descriptor().State())
	assert.NotZero(t, client.LocalAddr().Port())
	require.ErrorIs(t, client.Bind(nil), ErrAlreadyBound)
}

// The datagram family cap is enforced independently of streams.
func TestDatagramDescriptorCap(t *testing.T) {
	cfg := newTestConfig()
	cfg.Table.SetLimit(FamilyDatagram, 2)

	first, err := NewDatagramSocket(cfg, DefaultSLogger())
	require.NoError(t, err)
	second, err := NewDatagramSocket(cfg, DefaultSLogger())
	require.NoError(t, err)
	defer second.Close()

	_, err = NewDatagramSocket(cfg, DefaultSLogger())
	require.ErrorIs(t, err, ErrResourceExhausted)

	sock, err := NewSocket(cfg, DefaultSLogger())
	require.NoError(t, err)
	sock.Close()

	require.NoError(t, first.Close())
	third, err := NewDatagramSocket(cfg, DefaultSLogger())
	require.NoError(t, err)
	third.Close()
}

// A multicast join on the loopback interface, where supported.
func TestDatagramJoinLeaveGroup(t *testing.T) {
	ifi, err := net.InterfaceByName("lo")
	if err != nil || ifi.Flags&net.FlagMulticast == 0 {
		t.Skip("no multicast-capable loopback interface")
	}
	ds, err := NewDatagramSocket(newTestConfig(), DefaultSLogger())
	require.NoError(t, err)
	defer ds.Close()
	require.NoError(t, ds.Bind(WildcardEndpoint(0)))

	group := NewEndpoint(netip.MustParseAddrPort("239.255.0.1:0"))
	require.NoError(t, ds.JoinGroup(group, ifi))
	require.NoError(t, ds.LeaveGroup(group, ifi))
}
