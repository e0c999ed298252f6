// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bassosimone/streamsock"
	"github.com/google/subcommands"
)

// resolveCmd implements subcommands.Command for the "resolve" command.
type resolveCmd struct {
	common  commonFlags
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*resolveCmd) Name() string {
	return "resolve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*resolveCmd) Synopsis() string {
	return "print the IPv4 address a name resolves to"
}

// Usage implements subcommands.Command.Usage.
func (*resolveCmd) Usage() string {
	return "resolve [flags] name\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *resolveCmd) SetFlags(f *flag.FlagSet) {
	c.common.register(f)
	f.DurationVar(&c.timeout, "resolve-timeout", 5*time.Second, "lookup timeout")
}

// Execute implements subcommands.Command.Execute.
func (c *resolveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	_, cfg, err := c.common.setup(os.Stderr)
	if err != nil {
		return failure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ep, err := streamsock.Resolve(ctx, cfg.Resolver, f.Arg(0), 0)
	if err != nil {
		return failure(err)
	}
	fmt.Println(ep.Addr())
	return subcommands.ExitSuccess
}
