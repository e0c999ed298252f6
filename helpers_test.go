// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the captured records in order.
func recordMessages(records *[]slog.Record) []string {
	var messages []string
	for _, record := range *records {
		messages = append(messages, record.Message)
	}
	return messages
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// fakeAddr is a [net.Addr] implementation the package does not support.
type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }

func (fakeAddr) String() string { return "fake:0" }

// newTestConfig returns a [*Config] with a private descriptor table so that
// caps set by one test do not affect the others.
func newTestConfig() *Config {
	cfg := NewConfig()
	cfg.Table = NewDescriptorTable()
	return cfg
}

// newTestListener returns a [*Listener] bound to an ephemeral loopback port
// and closed when the test ends.
func newTestListener(t *testing.T, cfg *Config) *Listener {
	t.Helper()
	l, err := Listen(cfg, LoopbackEndpoint(0), 0, DefaultSLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// newSocketPair returns a connected client socket and the matching accepted
// server socket, both closed when the test ends.
func newSocketPair(t *testing.T, cfg *Config) (client, server *Socket) {
	t.Helper()
	l := newTestListener(t, cfg)

	client, err := NewSocket(cfg, DefaultSLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(l.LocalAddr(), 0))

	server, err = l.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return client, server
}
