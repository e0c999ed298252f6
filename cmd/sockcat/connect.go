// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/bassosimone/streamsock"
	"github.com/google/subcommands"
	"golang.org/x/net/proxy"
)

// connectCmd implements subcommands.Command for the "connect" command.
type connectCmd struct {
	common         commonFlags
	bind           string
	connectTimeout time.Duration
	httpProxy      string
	socks5         string
	socks5User     string
}

// Name implements subcommands.Command.Name.
func (*connectCmd) Name() string {
	return "connect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*connectCmd) Synopsis() string {
	return "connect to host:port and relay stdin and stdout"
}

// Usage implements subcommands.Command.Usage.
func (*connectCmd) Usage() string {
	return "connect [flags] host:port\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *connectCmd) SetFlags(f *flag.FlagSet) {
	c.common.register(f)
	f.StringVar(&c.bind, "bind", "", "local [host]:port to connect from")
	f.DurationVar(&c.connectTimeout, "connect-timeout", 10*time.Second, "connect timeout (0 waits for the OS)")
	f.StringVar(&c.httpProxy, "proxy", "", "tunnel through the HTTP proxy at host:port using CONNECT")
	f.StringVar(&c.socks5, "socks5", "", "tunnel through the SOCKS5 proxy at host:port")
	f.StringVar(&c.socks5User, "socks5-user", "", "SOCKS5 credentials as user:password")
}

// Execute implements subcommands.Command.Execute.
func (c *connectCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.run(ctx, f.Arg(0)); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}

func (c *connectCmd) run(ctx context.Context, address string) error {
	remote, err := streamsock.ParseEndpoint(address)
	if err != nil {
		return err
	}
	logger, cfg, err := c.common.setup(os.Stderr)
	if err != nil {
		return err
	}
	if cfg.Dialer, err = c.dialer(cfg, logger); err != nil {
		return err
	}

	sock, err := streamsock.NewSocket(cfg, logger)
	if err != nil {
		return err
	}
	defer sock.Close()
	stopWatch := streamsock.WatchContext(ctx, sock)
	defer stopWatch()

	if c.bind != "" {
		local, err := streamsock.ParseEndpoint(c.bind)
		if err != nil {
			return err
		}
		if err := sock.Bind(local); err != nil {
			return err
		}
	}
	if err := c.common.apply(sock); err != nil {
		return err
	}
	if err := sock.Connect(remote, c.connectTimeout); err != nil {
		return err
	}
	defer c.common.closeLater(sock)()

	err = relay(sock, os.Stdin, os.Stdout)
	if errors.Is(err, streamsock.ErrClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

// dialer returns the [streamsock.Dialer] selected by -proxy and -socks5.
func (c *connectCmd) dialer(cfg *streamsock.Config, logger streamsock.SLogger) (streamsock.Dialer, error) {
	switch {
	case c.httpProxy != "" && c.socks5 != "":
		return nil, errors.New("-proxy and -socks5 are mutually exclusive")
	case c.httpProxy != "":
		return streamsock.NewHTTPTunnelDialer(cfg, c.httpProxy, logger), nil
	case c.socks5 != "":
		var auth *proxy.Auth
		if c.socks5User != "" {
			user, password, found := strings.Cut(c.socks5User, ":")
			if !found {
				return nil, errors.New("invalid -socks5-user: expected user:password")
			}
			auth = &proxy.Auth{User: user, Password: password}
		}
		return streamsock.NewSOCKS5Dialer(cfg, c.socks5, auth)
	}
	return cfg.Dialer, nil
}
