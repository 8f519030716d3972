package cmd

import (
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "strom",
		Usage: "A streaming feed aggregation engine for relay-delivered content",
		Description: `Strom turns live relay subscriptions into stable, deduplicated,
		filtered and ordered feeds with load-more pagination.

		It subscribes to one or more relays, funnels deliveries through a
		mute and web-of-trust admission pipeline, keeps a local item cache
		in SQLite, and exposes the resulting feed over an HTTP API.

		Flags can generally be set via environment variables, e.g.:

		--config => STROM_CONFIG=config/strom.toml
		--cache => STROM_CACHE=strom.db
		`,
		Commands: []*cli.Command{
			serveCmd(),
			tailCmd(),
			migrateCmd(),
			rollbackCmd(),
			gcCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config/strom.toml",
		Usage:   "Path to the configuration file",
		EnvVars: []string{"STROM_CONFIG"},
	}
}

func cacheFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "cache",
		Value:   "strom.db",
		Usage:   "Path to the item cache database",
		EnvVars: []string{"STROM_CACHE"},
	}
}
