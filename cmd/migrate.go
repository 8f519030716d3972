package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"strom/cache"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run item cache schema migrations",
		Flags: []cli.Flag{
			cacheFlag(),
		},
		Action: func(ctx *cli.Context) error {
			fmt.Println("Running migrations...")
			if err := cache.Migrate(ctx.String("cache")); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Done!")
			return nil
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:  "rollback",
		Usage: "Roll back the most recent item cache migration",
		Flags: []cli.Flag{
			cacheFlag(),
		},
		Action: func(ctx *cli.Context) error {
			fmt.Println("Rolling back last migration...")
			if err := cache.Rollback(ctx.String("cache")); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Println("Done!")
			return nil
		},
	}
}
