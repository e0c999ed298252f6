// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// Resolver abstracts the [*net.Resolver] behavior.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ Resolver = &net.Resolver{}

// NewDNSResolver returns a new [*DNSResolver] querying the given server.
//
// The cfg argument provides the [Dialer], the [ErrClassifier] and the clock.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSResolver(cfg *Config, server netip.AddrPort, logger SLogger) *DNSResolver {
	return &DNSResolver{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Protocol:      "udp",
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

// DNSResolver resolves names by sending A queries to a specific server,
// bypassing the system resolver. Queries use UDP unless Protocol is "tcp".
//
// All fields are safe to modify after construction but before first use.
type DNSResolver struct {
	// Dialer is the [Dialer] used to reach the server.
	//
	// Set by [NewDNSResolver] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSResolver] to the user-provided logger.
	Logger SLogger

	// Protocol is either "udp" or "tcp".
	//
	// Set by [NewDNSResolver] to "udp".
	Protocol string

	// Server is the DNS server address.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Server netip.AddrPort

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Resolver = &DNSResolver{}

var (
	errNoIPv4Records  = errors.New("dns: no A records")
	errBadDNSProtocol = errors.New("dns: protocol must be udp or tcp")
)

// LookupNetIP implements [Resolver]. Only IPv4 lookups are supported, so the
// network argument is ignored. Literal addresses are returned as is.
func (r *DNSResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	if r.Protocol != "udp" && r.Protocol != "tcp" {
		return nil, errBadDNSProtocol
	}
	conn, err := r.Dialer.DialContext(ctx, r.Protocol, r.Server.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := WatchContext(ctx, conn)
	defer stop()

	t0 := r.TimeNow()
	r.Logger.Info(
		"dnsLookupStart",
		slog.String("dnsQueryName", host),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", r.Protocol),
		slog.String("remoteAddr", r.Server.String()),
		slog.Time("t", t0),
	)

	addrs, err := r.exchange(ctx, conn, host)

	r.Logger.Info(
		"dnsLookupDone",
		slog.Any("dnsAddrs", addrs),
		slog.String("dnsQueryName", host),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", r.Protocol),
		slog.String("remoteAddr", r.Server.String()),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	return addrs, err
}

func (r *DNSResolver) exchange(ctx context.Context, conn net.Conn, host string) ([]netip.Addr, error) {
	var (
		query = dnscodec.NewQuery(host, dns.TypeA)
		raw   []byte
		resp  *dnscodec.Response
		err   error
	)
	if r.Protocol == "tcp" {
		txp := dnsoverstream.NewTransport(dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{}), r.Server)
		txp.ObserveRawQuery = r.queryObserver(conn, &raw)
		txp.ObserveRawResponse = r.responseObserver(conn, &raw)
		resp, err = txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(conn), query)
	} else {
		txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, r.Server)
		txp.ObserveRawQuery = r.queryObserver(conn, &raw)
		txp.ObserveRawResponse = r.responseObserver(conn, &raw)
		resp, err = txp.ExchangeWithConn(ctx, conn, query)
	}
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(records))
	for _, record := range records {
		if addr, err := netip.ParseAddr(record); err == nil {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) <= 0 {
		return nil, errNoIPv4Records
	}
	return addrs, nil
}

// queryObserver logs the raw query at debug level and saves it so that
// the response log can include it.
func (r *DNSResolver) queryObserver(conn net.Conn, saved *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		*saved = rawQuery
		r.Logger.Debug(
			"dnsQuery",
			slog.Any("dnsRawQuery", rawQuery),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", r.Protocol),
			slog.String("remoteAddr", r.Server.String()),
			slog.Time("t", r.TimeNow()),
		)
	}
}

func (r *DNSResolver) responseObserver(conn net.Conn, saved *[]byte) func([]byte) {
	return func(rawResp []byte) {
		r.Logger.Debug(
			"dnsResponse",
			slog.Any("dnsRawQuery", *saved),
			slog.Any("dnsRawResponse", rawResp),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", r.Protocol),
			slog.String("remoteAddr", r.Server.String()),
			slog.Time("t", r.TimeNow()),
		)
	}
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// The transport always receives the connection we dialed ourselves.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("streamsock: DNS transport must not dial; this is a programming error")
}
