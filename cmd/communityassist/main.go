// Command communityassist serves the community dashboard API and offers
// one-shot lookups against the same upstreams.
//
// Usage:
//
//	communityassist [global options] serve
//	communityassist [global options] lookup weather <zipcode>
//	communityassist [global options] lookup chat <prompt>
//	communityassist [global options] lookup news <pin code>
//
// Configuration is read from config.yaml, config.<env>.yaml, .env.local and .env
// in the directory given by --config-dir, then from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"
)

const defaultLookupTimeout = 60 * time.Second

// Version is injected at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := createApp(stdout, stderr)
	if err := cmd.Run(ctx, args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			if msg := exitErr.Error(); msg != "" {
				fmt.Fprintln(stderr, msg)
			}
			return exitErr.ExitCode()
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "communityassist",
		Usage:     "community dashboard API: weather, chat and local news",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Usage:   "directory holding config.yaml and .env files",
				Value:   ".",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "override log.level (debug, info, warn, error)",
			},
		},
		Commands: createCommands(),
		// exit codes are mapped by run
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}
