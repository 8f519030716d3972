package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"strom/cache"
	"strom/config"
	"strom/feed"
	"strom/models"
	"strom/relay"
	"strom/server"
	"strom/social"
	"strom/stream"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the aggregated feed over HTTP",
		Description: `Starts the HTTP server and the feed aggregation engine.

Opens relay subscriptions for the configured start mode, funnels deliveries
through the admission pipeline and republishes the visible feed after every
batch. The feed is available via the HTTP API and as server-sent snapshots.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"STROM_PORT"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			port := ctx.Int("port")
			if cfg.Port != 0 && !ctx.IsSet("port") {
				port = cfg.Port
			}

			if cfg.Cache.Path == "" {
				cfg.Cache.Path = "strom.db"
			}
			if err := cache.Migrate(cfg.Cache.Path); err != nil {
				return fmt.Errorf("failed to migrate item cache: %w", err)
			}
			store, err := cache.Open(cfg.Cache.Path)
			if err != nil {
				return fmt.Errorf("failed to open item cache: %w", err)
			}

			graph := social.NewGraph(cfg.Identity.Self)
			if len(cfg.Identity.Follows) > 0 {
				graph.SetFollows(cfg.Identity.Follows)
			}
			if len(cfg.Identity.WebOfTrust) > 0 {
				graph.SetWebOfTrust(cfg.Identity.WebOfTrust)
			}
			graph.Mute(cfg.Identity.Mutes)

			pool := relay.NewPool(cfg.Relays.Default)
			source := stream.NewSource(pool, store)

			agg := feed.New(source, graph, feed.Config{
				Self:               cfg.Identity.Self,
				Kinds:              cfg.Feed.Kinds,
				Policy:             parsePolicy(cfg.Feed.CachePolicy),
				PageSize:           cfg.Feed.PageSize,
				LoadingTimeout:     time.Duration(cfg.Feed.LoadingTimeoutSeconds) * time.Second,
				DiversifyLookahead: cfg.Feed.DiversifyLookahead,
			})

			bc := server.NewBroadcaster()
			agg.OnUpdate(bc.Broadcast)

			app := server.Server(&server.ServerConfig{
				Aggregator:  agg,
				Graph:       graph,
				Broadcaster: bc,
			})

			startMode := cfg.Feed.StartMode
			if startMode == "" {
				startMode = "network"
			}
			mode, err := feed.ParseMode(startMode)
			if err != nil {
				return fmt.Errorf("invalid start mode: %w", err)
			}

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt)
			var wg sync.WaitGroup
			wg.Add(1)

			go func() {
				<-c
				fmt.Println("Gracefully shutting down...")
				app.ShutdownWithTimeout(60 * time.Second)
				agg.Stop()
				bc.Shutdown()
				store.Close()
				wg.Done()
			}()

			agg.Start(mode, false)

			log.WithFields(log.Fields{
				"port": port,
				"mode": mode.String(),
			}).Info("Starting server")

			if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
				return err
			}

			wg.Wait()
			return nil
		},
	}
}

func parsePolicy(s string) models.CachePolicy {
	switch s {
	case "network-only":
		return models.NetworkOnly
	case "cache-only":
		return models.CacheOnly
	default:
		return models.CacheFirst
	}
}
