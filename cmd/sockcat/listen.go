// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bassosimone/streamsock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// listenCmd implements subcommands.Command for the "listen" command.
type listenCmd struct {
	common   commonFlags
	backlog  int
	echo     bool
	maxConns int
}

// Name implements subcommands.Command.Name.
func (*listenCmd) Name() string {
	return "listen"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*listenCmd) Synopsis() string {
	return "accept a connection and relay stdin and stdout, or echo"
}

// Usage implements subcommands.Command.Usage.
func (*listenCmd) Usage() string {
	return "listen [flags] [host]:port\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *listenCmd) SetFlags(f *flag.FlagSet) {
	c.common.register(f)
	f.IntVar(&c.backlog, "backlog", streamsock.DefaultBacklog, "maximum number of queued connections")
	f.BoolVar(&c.echo, "echo", false, "echo data back to every client instead of relaying one")
	f.IntVar(&c.maxConns, "max-conns", 16, "with -echo, maximum number of clients served at once")
}

// Execute implements subcommands.Command.Execute.
func (c *listenCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.run(ctx, f.Arg(0)); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}

func (c *listenCmd) run(ctx context.Context, address string) error {
	local, err := streamsock.ParseEndpoint(address)
	if err != nil {
		return err
	}
	logger, cfg, err := c.common.setup(os.Stderr)
	if err != nil {
		return err
	}

	l, err := streamsock.Listen(cfg, local, c.backlog, logger)
	if err != nil {
		return err
	}
	defer l.Close()
	stopWatch := streamsock.WatchContext(ctx, l)
	defer stopWatch()
	if err := l.SetSoTimeout(c.common.timeout); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "listening on %s\n", l.LocalAddr())

	if c.echo {
		err = c.serveEcho(ctx, l)
	} else {
		err = c.serveOne(l)
	}
	if errors.Is(err, streamsock.ErrClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

// serveOne accepts a single client and relays stdin and stdout.
func (c *listenCmd) serveOne(l *streamsock.Listener) error {
	sock, err := l.Accept()
	if err != nil {
		return err
	}
	defer sock.Close()
	if err := c.common.apply(sock); err != nil {
		return err
	}
	defer c.common.closeLater(sock)()
	return relay(sock, os.Stdin, os.Stdout)
}

// serveEcho echoes data back to clients until the listener is closed.
// Errors on a single client are reported and do not stop the server.
func (c *listenCmd) serveEcho(ctx context.Context, l *streamsock.Listener) error {
	var g errgroup.Group
	g.SetLimit(max(c.maxConns, 1))
	defer g.Wait()
	for {
		sock, err := l.Accept()
		if errors.Is(err, streamsock.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := c.echoClient(ctx, sock); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s\n", sock.RemoteAddr(), err.Error())
			}
			return nil
		})
	}
}

func (c *listenCmd) echoClient(ctx context.Context, sock *streamsock.Socket) error {
	defer sock.Close()
	stop := streamsock.WatchContext(ctx, sock)
	defer stop()
	if err := c.common.apply(sock); err != nil {
		return err
	}
	defer c.common.closeLater(sock)()
	_, err := io.Copy(sock.OutputStream(), sock.InputStream())
	return err
}
