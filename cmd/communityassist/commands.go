package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gaborage/communityassist/app"
	"github.com/gaborage/communityassist/app/dashboard"
	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/server"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func createCommands() []*cli.Command {
	return []*cli.Command{
		createServeCommand(),
		createLookupCommand(),
	}
}

func createServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API until SIGINT or SIGTERM",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("failed to create application: %v", err), exitFailure)
			}
			if err := application.RegisterModule(dashboard.NewModule(nil, nil)); err != nil {
				return cli.Exit(fmt.Sprintf("failed to register dashboard module: %v", err), exitFailure)
			}
			if err := application.Run(); err != nil {
				return cli.Exit(fmt.Sprintf("application failed: %v", err), exitFailure)
			}
			return nil
		},
	}
}

func createLookupCommand() *cli.Command {
	return &cli.Command{
		Name:  "lookup",
		Usage: "call an upstream once and print the result as JSON",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "overall deadline for the lookup",
				Value:   defaultLookupTimeout,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "weather",
				Usage:     "observations for a 5-digit zipcode",
				ArgsUsage: "<zipcode>",
				Action: lookupAction(func(ctx context.Context, a *app.App, args []string) (any, error) {
					req := dashboard.WeatherRequest{Zipcode: strings.Join(args, "")}
					if err := server.NewValidator().Validate(req); err != nil {
						return nil, cli.Exit(err.Error(), exitUsage)
					}
					report, err := a.Weather().Lookup(ctx, req.Zipcode)
					if err != nil {
						return nil, err
					}
					return report.Observations, nil
				}),
			},
			{
				Name:      "chat",
				Usage:     "ask the assistant a question",
				ArgsUsage: "<prompt>",
				Action: lookupAction(func(ctx context.Context, a *app.App, args []string) (any, error) {
					prompt := strings.TrimSpace(strings.Join(args, " "))
					if prompt == "" {
						return nil, cli.Exit("Ask me something!!", exitUsage)
					}
					completion, err := a.Completion().Chat(ctx, prompt)
					if err != nil {
						return nil, err
					}
					return dashboard.ChatResponse{Response: completion.Content}, nil
				}),
			},
			{
				Name:      "news",
				Usage:     "recent news for a postal pin code",
				ArgsUsage: "<pin code>",
				Action: lookupAction(func(ctx context.Context, a *app.App, args []string) (any, error) {
					pinCode := strings.TrimSpace(strings.Join(args, ""))
					if pinCode == "" {
						return nil, cli.Exit("Pin code is required", exitUsage)
					}
					completion, err := a.Completion().News(ctx, pinCode)
					if err != nil {
						return nil, err
					}
					return dashboard.NewsResponse{News: completion.Content}, nil
				}),
			},
		},
	}
}

type lookupFunc func(ctx context.Context, a *app.App, args []string) (any, error)

// lookupAction builds the application without starting the server, runs fn
// under the lookup deadline and prints its result.
func lookupAction(fn lookupFunc) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log := logger.NewWithWriter(cmd.Root().ErrWriter, cfg.Log.Level, cfg.Log.Pretty, nil)
		a, err := app.NewWithOptions(cfg, &app.Options{Logger: log})
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to create application: %v", err), exitFailure)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.Shutdown(shutdownCtx)
		}()

		ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
		defer cancel()

		result, err := fn(ctx, a, cmd.Args().Slice())
		if err != nil {
			if _, ok := err.(cli.ExitCoder); ok {
				return err
			}
			return cli.Exit(fmt.Sprintf("%s lookup failed: %v", cmd.Name, err), exitFailure)
		}

		enc := json.NewEncoder(cmd.Root().Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{Dir: cmd.String("config-dir")})
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to load config: %v", err), exitFailure)
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}
