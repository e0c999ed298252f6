// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/bassosimone/streamsock"
	"github.com/fatih/color"
	"github.com/google/subcommands"
)

// commonFlags holds the flags shared by all commands.
type commonFlags struct {
	closeAfter    time.Duration
	dnsServer     string
	dnsTCP        bool
	linger        int
	logLevel      string
	noDelay       bool
	timeout       time.Duration
	tos           int
	verboseErrors bool
}

func (c *commonFlags) register(f *flag.FlagSet) {
	f.DurationVar(&c.closeAfter, "close-after", 0, "close the socket after this long (0 means never)")
	f.StringVar(&c.dnsServer, "dns-server", "", "resolve names by querying the DNS server at ip:port")
	f.BoolVar(&c.dnsTCP, "dns-tcp", false, "with -dns-server, query over TCP instead of UDP")
	f.IntVar(&c.linger, "linger", -1, "linger-on-close seconds (-1 disables, 0 resets)")
	f.StringVar(&c.logLevel, "log", "quiet", "log level: quiet, info or debug")
	f.BoolVar(&c.noDelay, "nodelay", false, "disable Nagle's algorithm")
	f.DurationVar(&c.timeout, "timeout", 0, "read and accept timeout (0 means none)")
	f.IntVar(&c.tos, "tos", -1, "IPv4 TOS or IPv6 traffic class (-1 leaves the default)")
	f.BoolVar(&c.verboseErrors, "verbose-errors", false, "include addresses in error messages")
}

// setup returns the logger and configuration selected by the flags.
func (c *commonFlags) setup(stderr io.Writer) (streamsock.SLogger, *streamsock.Config, error) {
	logger, err := newLogger(stderr, c.logLevel)
	if err != nil {
		return nil, nil, err
	}
	cfg := streamsock.NewConfig()
	cfg.VerboseErrors = c.verboseErrors
	if c.dnsServer != "" {
		server, err := netip.ParseAddrPort(c.dnsServer)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid -dns-server: %w", err)
		}
		resolver := streamsock.NewDNSResolver(cfg, server, logger)
		if c.dnsTCP {
			resolver.Protocol = "tcp"
		}
		cfg.Resolver = resolver
	}
	return logger, cfg, nil
}

// apply sets the socket options selected by the flags.
func (c *commonFlags) apply(sock *streamsock.Socket) error {
	if err := sock.SetSoTimeout(c.timeout); err != nil {
		return err
	}
	if c.linger >= 0 {
		if err := sock.SetSoLinger(true, c.linger); err != nil {
			return err
		}
	}
	if err := sock.SetTCPNoDelay(c.noDelay); err != nil {
		return err
	}
	if c.tos >= 0 {
		return sock.SetTrafficClass(c.tos)
	}
	return nil
}

// closeLater schedules closing c as requested by -close-after. The
// returned function cancels the pending close.
func (c *commonFlags) closeLater(closer io.Closer) func() {
	if c.closeAfter <= 0 {
		return func() {}
	}
	alarm := streamsock.Schedule(c.closeAfter, func() {
		closer.Close()
	})
	return func() { alarm.Stop() }
}

// failure prints err and returns the failure exit status.
func failure(err error) subcommands.ExitStatus {
	color.New(color.FgRed).Fprintf(os.Stderr, "sockcat: %s\n", err.Error())
	return subcommands.ExitFailure
}

// relay copies stdin to the socket and the socket to stdout. It returns
// once the peer ends its output. Reaching the end of stdin shuts down the
// socket output, so the peer sees the end of stream.
func relay(sock *streamsock.Socket, stdin io.Reader, stdout io.Writer) error {
	go func() {
		io.Copy(sock.OutputStream(), stdin)
		sock.ShutdownOutput()
	}()
	_, err := io.Copy(stdout, sock.InputStream())
	return err
}
