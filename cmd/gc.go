package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"strom/cache"
)

func gcCmd() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Delete cached items older than the retention window",
		Flags: []cli.Flag{
			cacheFlag(),
			&cli.IntFlag{
				Name:    "retention-days",
				Value:   90,
				Usage:   "Items older than this many days are deleted",
				EnvVars: []string{"STROM_RETENTION_DAYS"},
			},
		},
		Action: func(ctx *cli.Context) error {
			store, err := cache.Open(ctx.String("cache"))
			if err != nil {
				return fmt.Errorf("failed to open item cache: %w", err)
			}
			defer store.Close()

			retention := time.Duration(ctx.Int("retention-days")) * 24 * time.Hour
			removed, err := store.Tidy(ctx.Context, retention)
			if err != nil {
				return err
			}

			fmt.Printf("Removed %d items\n", removed)
			return nil
		},
	}
}
