// Command s2sctl is a small demo binary exercising the library from the
// command line, standing in for the external scheduler the library itself
// never implements.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kevdoran/nifi-android-s2s/cmd/s2sctl/cli"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := cli.New()
	if err := root.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("parse arguments")
	}
	if err := root.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("s2sctl")
	}
}
