package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/cqroot/prompt"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"strom/config"
	"strom/models"
	"strom/relay"
)

func tailCmd() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream a feed query to the command line",
		Description: `Subscribes to the configured relays and logs every delivered item
as a JSON object on a single line. Use a tool like jq to process the output.

Without flags the feed selection is prompted interactively. All other log
messages go to stderr.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringSliceFlag{
				Name:    "relay",
				Aliases: []string{"r"},
				Usage:   "Relay URL to subscribe to (repeatable, overrides config)",
			},
			&cli.StringSliceFlag{
				Name:    "author",
				Aliases: []string{"a"},
				Usage:   "Restrict to the given author (repeatable)",
			},
			&cli.StringFlag{
				Name:    "tag",
				Aliases: []string{"t"},
				Usage:   "Restrict to the given hashtag",
			},
			&cli.IntSliceFlag{
				Name:    "kind",
				Aliases: []string{"k"},
				Usage:   "Restrict to the given content kind (repeatable)",
			},
		},
		Action: func(ctx *cli.Context) error {
			// Keep stdout clean for the JSON lines
			log.SetOutput(os.Stderr)

			relays := ctx.StringSlice("relay")
			if len(relays) == 0 {
				cfg, err := config.LoadConfig(ctx.String("config"))
				if err != nil {
					return fmt.Errorf("no relays given and no config: %w", err)
				}
				relays = cfg.Relays.Default
			}
			if len(relays) == 0 {
				return fmt.Errorf("no relays configured")
			}

			filter := models.Filter{
				Authors: ctx.StringSlice("author"),
				Kinds:   ctx.IntSlice("kind"),
				Policy:  models.NetworkOnly,
			}
			if tag := ctx.String("tag"); tag != "" {
				filter.Tags = models.TagMap{"t": {strings.TrimPrefix(tag, "#")}}
			}

			// Nothing selected: ask
			if len(filter.Authors) == 0 && filter.Tags == nil {
				choice, err := prompt.New().Ask("Feed:").Choose([]string{"network", "hashtag"})
				if err != nil {
					return err
				}
				if choice == "hashtag" {
					tag, err := prompt.New().Ask("Hashtag:").Input("art")
					if err != nil {
						return err
					}
					filter.Tags = models.TagMap{"t": {strings.TrimPrefix(tag, "#")}}
				}
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
			defer stop()

			pool := relay.NewPool(relays)
			batches, err := pool.Open(runCtx, filter)
			if err != nil {
				return err
			}

			for batch := range batches {
				for _, item := range batch.Items {
					printStdout(&item)
				}
			}
			return nil
		},
	}
}

func printStdout(item *models.ContentItem) {
	// Print as single JSON string on a single line
	data, err := json.Marshal(item)
	if err == nil {
		fmt.Println(string(data))
	}
}
