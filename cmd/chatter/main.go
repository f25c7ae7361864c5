package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	chatter "github.com/putto11262002/chatter-mobile/app"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
)

func getConfig(ctx *cli.Context) *chatter.Config {
	return ctx.Context.Value(contextKeyConfig).(*chatter.Config)
}

func prepareConfig(ctx *cli.Context) error {
	var loader chatter.ConfigLoader = &chatter.FileConfigLoader{File: ctx.String("config")}
	if ctx.Bool("env") {
		loader = &chatter.EnvConfigLoader{Files: ctx.StringSlice("env-file")}
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if user := ctx.String("user"); user != "" {
		cfg.Username = user
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%s", chatter.FormatValidationErrors(err))
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	app := &cli.App{
		Name:  "chatter",
		Usage: "Headless chat client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
			},
			&cli.BoolFlag{
				Name:  "env",
				Usage: "Load the configuration from the environment instead of a config file",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Environment files read with --env",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "Override the configured username",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			syncCommand,
			sendCommand,
			contactsCommand,
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
