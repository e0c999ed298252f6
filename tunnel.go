// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"golang.org/x/net/proxy"
)

// NewHTTPTunnelDialer returns a [*HTTPTunnelDialer] using the proxy at the
// given "host:port" address.
//
// The cfg argument provides the [Dialer] used to reach the proxy.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewHTTPTunnelDialer(cfg *Config, proxyAddr string, logger SLogger) *HTTPTunnelDialer {
	return &HTTPTunnelDialer{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		ProxyAddr:     proxyAddr,
		TimeNow:       cfg.TimeNow,
	}
}

// HTTPTunnelDialer is a [Dialer] that reaches the destination through an
// HTTP proxy using the CONNECT method.
//
// The negotiation is bounded by the context passed to DialContext, so it
// is subject to the [*Socket.Connect] timeout and aborted by closing the
// socket. A non-2xx reply fails with [ErrConnectionRefused].
//
// Use it as [Config.Dialer].
type HTTPTunnelDialer struct {
	// Dialer is the [Dialer] used to reach the proxy.
	//
	// Set by [NewHTTPTunnelDialer] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewHTTPTunnelDialer] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Header contains extra headers for the CONNECT request.
	//
	// Nil unless set by the caller.
	Header http.Header

	// Logger is the [SLogger] to use.
	//
	// Set by [NewHTTPTunnelDialer] to the user-provided logger.
	Logger SLogger

	// ProxyAddr is the proxy "host:port".
	//
	// Set by [NewHTTPTunnelDialer] to the user-provided value.
	ProxyAddr string

	// TimeNow is the function to get the current time.
	//
	// Set by [NewHTTPTunnelDialer] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Dialer = &HTTPTunnelDialer{}

// DialContext implements [Dialer].
func (d *HTTPTunnelDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", d.ProxyAddr)
	if err != nil {
		return nil, err
	}

	t0 := d.TimeNow()
	d.Logger.Info(
		"tunnelStart",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", network),
		slog.String("proxyAddr", d.ProxyAddr),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)

	tunneled, err := d.negotiate(ctx, conn, address)

	d.Logger.Info(
		"tunnelDone",
		slog.Any("err", err),
		slog.String("errClass", d.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", network),
		slog.String("proxyAddr", d.ProxyAddr),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", d.TimeNow()),
	)

	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunneled, nil
}

func (d *HTTPTunnelDialer) negotiate(ctx context.Context, conn net.Conn, address string) (net.Conn, error) {
	// Unblock the exchange when the context is done.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: d.Header.Clone(),
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	var (
		reader = bufio.NewReader(conn)
		resp   *http.Response
	)
	err := req.Write(conn)
	if err == nil {
		resp, err = http.ReadResponse(reader, req)
	}

	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: proxy replied %q", ErrConnectionRefused, resp.Status)
	}
	if reader.Buffered() > 0 {
		return &tunnelConn{Conn: conn, reader: reader}, nil
	}
	return conn, nil
}

// tunnelConn serves the bytes the proxy sent after its reply before
// reading from the connection again.
type tunnelConn struct {
	net.Conn
	reader *bufio.Reader
}

// Read implements [net.Conn].
func (c *tunnelConn) Read(buf []byte) (int, error) {
	return c.reader.Read(buf)
}

// Buffered returns the number of bytes read from the proxy but not yet consumed.
func (c *tunnelConn) Buffered() int {
	return c.reader.Buffered()
}

// NetConn returns the connection to the proxy.
func (c *tunnelConn) NetConn() net.Conn {
	return c.Conn
}

// NewSOCKS5Dialer returns a [Dialer] that reaches the destination through
// the SOCKS5 proxy at proxyAddr. The auth argument may be nil.
//
// The cfg argument provides the [Dialer] used to reach the proxy.
func NewSOCKS5Dialer(cfg *Config, proxyAddr string, auth *proxy.Auth) (Dialer, error) {
	d, err := proxy.SOCKS5("tcp", proxyAddr, auth, &proxyForwarder{cfg.Dialer})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	runtimex.Assert(ok)
	return cd, nil
}

// proxyForwarder adapts a [Dialer] to [proxy.Dialer] and [proxy.ContextDialer].
type proxyForwarder struct {
	Dialer
}

var _ proxy.ContextDialer = &proxyForwarder{}

// Dial implements [proxy.Dialer].
func (f *proxyForwarder) Dial(network, address string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, address)
}
