// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"net"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*Socket] depend on an abstract implementation we allow for
// unit testing and for connecting through tunnels (see [*HTTPTunnelDialer]
// and [NewSOCKS5Dialer]).
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ListenConfig abstracts the [*net.ListenConfig] behavior.
type ListenConfig interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// Config holds common configuration for sockets.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*Socket.Connect].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// ListenConfig is used by [*Listener.Bind] and [*DatagramSocket.Bind].
	//
	// Set by [NewConfig] to [*net.ListenConfig].
	ListenConfig ListenConfig

	// Resolver resolves unresolved [Endpoint] values.
	//
	// Set by [NewConfig] to [net.DefaultResolver].
	Resolver Resolver

	// Table allocates descriptors and enforces per-family caps.
	//
	// Set by [NewConfig] to [DefaultDescriptorTable].
	Table *DescriptorTable

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// VerboseErrors includes remote addresses and full causes in error
	// messages. Disabled by default so that logs do not leak topology.
	//
	// Set by [NewConfig] to false.
	VerboseErrors bool
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		ListenConfig:  &net.ListenConfig{},
		Resolver:      net.DefaultResolver,
		Table:         DefaultDescriptorTable,
		TimeNow:       time.Now,
		VerboseErrors: false,
	}
}
