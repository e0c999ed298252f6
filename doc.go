// SPDX-License-Identifier: GPL-3.0-or-later

// Package streamsock provides blocking stream and datagram sockets with
// per-call timeouts, half-duplex shutdown, linger-on-close, and a descriptor
// table that caps the number of open sockets.
//
// # Sockets
//
//   - [Socket]: a client stream socket (bind, connect with timeout, read,
//     write, shutdown of either direction, linger, options)
//   - [Listener]: a listening socket whose [*Listener.Accept] has its own
//     timeout; concurrent callers each receive distinct connections
//   - [DatagramSocket]: a UDP socket with receive timeout and multicast
//     membership
//
// Every socket owns a [*Descriptor] allocated from a [*DescriptorTable]. The
// descriptor tracks the lifecycle [State], the two independent shutdown
// flags, and the last known endpoints, which stay queryable after close.
//
// # Timeouts
//
// Timeouts are durations attached to a call, not to the socket's future:
// a read or accept that times out fails with [ErrTimeout] and the next call
// starts afresh. Zero means no timeout and negative values fail with
// [ErrInvalidArgument]. Values at or above [MaxTimeout] mean no timeout.
//
// # Cancellation
//
// Blocking calls do not take a [context.Context]. Closing the socket from
// another goroutine is the cancellation signal: blocked calls fail with
// [ErrClosed] promptly. Use [WatchContext] to close a socket when a context
// is done. [ShutdownInput] makes blocked reads return [io.EOF];
// [ShutdownOutput] makes blocked writes fail with [ErrClosed].
//
// # Errors
//
// Every error is an [*OpError] whose Kind is one of [ErrInvalidArgument],
// [ErrTimeout], [ErrClosed], [ErrReset], [ErrConnectionRefused],
// [ErrResourceExhausted], [ErrUnknownHost], [ErrNotConnected],
// [ErrAlreadyConnected], [ErrAlreadyBound] or [ErrNetwork]. Error messages
// omit addresses unless [Config.VerboseErrors] is set.
//
// # Addresses
//
// Operations accepting a [net.Addr] take an [Endpoint], a [*net.TCPAddr] or a
// [*net.UDPAddr]. Other implementations fail with [ErrInvalidArgument] before
// any I/O. Unresolved endpoints are resolved with [Config.Resolver], which
// may be a [*DNSResolver] to query a specific server.
//
// # Tunnels
//
// [*HTTPTunnelDialer] and [NewSOCKS5Dialer] return dialers that, set as
// [Config.Dialer], make [*Socket.Connect] negotiate a proxy tunnel within
// the connect timeout.
//
// # Observability
//
// All sockets support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Lifecycle events (bind,
// listen, connect, accept, shutdown, close) use [slog.LevelInfo]; I/O and
// option events use [slog.LevelDebug]. Events carry the descriptor handle
// and its spanID (see [NewSpanID]), localAddr, remoteAddr, protocol, and t;
// *Done events add t0, err, and errClass (see [ErrClassifier]).
package streamsock
