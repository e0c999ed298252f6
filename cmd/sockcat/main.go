// SPDX-License-Identifier: GPL-3.0-or-later

// Command sockcat is a small netcat built on top of streamsock.
//
// Usage:
//
//	sockcat connect [flags] host:port
//	sockcat listen [flags] [host]:port
//	sockcat resolve [flags] name
//
// Run "sockcat help <command>" for the flags of each command.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&connectCmd{}, "")
	subcommands.Register(&listenCmd{}, "")
	subcommands.Register(&resolveCmd{}, "")
	flag.Parse()

	// ^C closes the open sockets, which unblocks every pending call.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}
