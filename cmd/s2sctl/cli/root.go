// Package cli wires the ffcli command tree for the s2sctl demo binary —
// the stand-in for the "external scheduler" the spec deliberately keeps out
// of the library's scope. It exists only to exercise drain.Worker.Drain
// from a command line the way a real scheduled job would.
package cli

import (
	"context"
	"flag"

	"github.com/peterbourgon/ff/v3/ffcli"
)

// New builds the root s2sctl command with the drain subcommand attached.
func New() *ffcli.Command {
	rootFlags := flag.NewFlagSet("s2sctl", flag.ExitOnError)

	return &ffcli.Command{
		Name:       "s2sctl",
		ShortUsage: "s2sctl <subcommand> [flags]",
		FlagSet:    rootFlags,
		Subcommands: []*ffcli.Command{
			newDrainCmd(),
		},
		Exec: func(_ context.Context, _ []string) error {
			return flag.ErrHelp
		},
	}
}
