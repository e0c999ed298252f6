// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bassosimone/streamsock"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

// The pretty handler prints one line per record and skips empty values.
func TestPrettyHandler(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(newPrettyHandler(&out, slog.LevelInfo)).With("spanID", "abc")

	logger.Debug("readStart")
	logger.Info("connectDone", slog.String("remoteAddr", "127.0.0.1:80"), slog.Any("err", nil), slog.Time("t", time.Now()))

	line := out.String()
	assert.Equal(t, 1, strings.Count(line, "\n"))
	assert.Contains(t, line, "INFO: connectDone")
	assert.Contains(t, line, "spanID=abc")
	assert.Contains(t, line, "remoteAddr=127.0.0.1:80")
	assert.NotContains(t, line, "err=")
	assert.NotContains(t, line, " t=")
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "quiet", "info", "debug"} {
		logger, err := newLogger(io.Discard, level)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
	_, err := newLogger(io.Discard, "loud")
	require.Error(t, err)
}

func parseCommon(t *testing.T, args ...string) *commonFlags {
	t.Helper()
	var c commonFlags
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	c.register(f)
	require.NoError(t, f.Parse(args))
	return &c
}

func TestCommonFlagsSetup(t *testing.T) {
	c := parseCommon(t, "-dns-server", "127.0.0.1:5353", "-verbose-errors")
	_, cfg, err := c.setup(io.Discard)
	require.NoError(t, err)
	assert.True(t, cfg.VerboseErrors)
	resolver, ok := cfg.Resolver.(*streamsock.DNSResolver)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:5353", resolver.Server.String())
	assert.Equal(t, "udp", resolver.Protocol)

	c = parseCommon(t, "-dns-server", "127.0.0.1:53", "-dns-tcp")
	_, cfg, err = c.setup(io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Resolver.(*streamsock.DNSResolver).Protocol)

	c = parseCommon(t, "-dns-server", "localhost")
	_, _, err = c.setup(io.Discard)
	require.Error(t, err)
}

// newPair returns a connected client and the accepted server socket.
func newPair(t *testing.T) (client, server *streamsock.Socket) {
	t.Helper()
	cfg := streamsock.NewConfig()
	cfg.Table = streamsock.NewDescriptorTable()
	l, err := streamsock.Listen(cfg, streamsock.LoopbackEndpoint(0), 0, streamsock.DefaultSLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	client, err = streamsock.NewSocket(cfg, streamsock.DefaultSLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(l.LocalAddr(), 5*time.Second))

	server, err = l.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestCommonFlagsApply(t *testing.T) {
	client, _ := newPair(t)
	c := parseCommon(t, "-timeout", "2s", "-linger", "3", "-nodelay", "-tos", "16")

	require.NoError(t, c.apply(client))
	assert.Equal(t, 2*time.Second, client.SoTimeout())
	assert.Equal(t, 3, client.SoLinger())
	assert.True(t, client.TCPNoDelay())
	assert.Equal(t, 16, client.TrafficClass())

	c = parseCommon(t, "-timeout", "-1s")
	require.ErrorIs(t, c.apply(client), streamsock.ErrInvalidArgument)
}

// Relay sends stdin, then ends the output, and copies the peer to stdout.
func TestRelay(t *testing.T) {
	client, server := newPair(t)
	require.NoError(t, server.SetSoTimeout(5*time.Second))

	go func() {
		server.Write([]byte("pong"))
		server.ShutdownOutput()
	}()

	var stdout bytes.Buffer
	require.NoError(t, relay(client, strings.NewReader("ping"), &stdout))
	assert.Equal(t, "pong", stdout.String())

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

// The close-after alarm closes the socket and unblocks the relay.
func TestCloseLater(t *testing.T) {
	client, _ := newPair(t)
	c := parseCommon(t, "-close-after", "50ms")
	stop := c.closeLater(client)
	defer stop()

	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, streamsock.ErrClosed)
}

// Connect relays through the listener started by the echo server.
func TestListenEcho(t *testing.T) {
	cfg := streamsock.NewConfig()
	cfg.Table = streamsock.NewDescriptorTable()
	l, err := streamsock.Listen(cfg, streamsock.LoopbackEndpoint(0), 0, streamsock.DefaultSLogger())
	require.NoError(t, err)

	cmd := &listenCmd{maxConns: 2}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cmd.serveEcho(ctx, l)
	}()

	client, err := streamsock.NewSocket(cfg, streamsock.DefaultSLogger())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(l.LocalAddr(), 5*time.Second))
	require.NoError(t, client.SetSoTimeout(5*time.Second))

	var stdout bytes.Buffer
	require.NoError(t, relay(client, strings.NewReader("hello"), &stdout))
	assert.Equal(t, "hello", stdout.String())

	cancel()
	require.NoError(t, l.Close())
	require.ErrorIs(t, <-done, streamsock.ErrClosed)
}
