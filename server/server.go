package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"strom/feed"
	"strom/models"
	"strom/social"
)

type ServerConfig struct {
	// Aggregator is the single feed engine instance driven by this API.
	Aggregator *feed.Aggregator

	// Graph receives mute updates before they are applied to the feed.
	Graph *social.Graph

	// Broadcaster fans snapshots out to SSE clients.
	Broadcaster *Broadcaster
}

// Broadcaster fans published snapshots out to connected SSE clients.
type Broadcaster struct {
	sync.RWMutex
	clients map[string]chan models.Snapshot
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]chan models.Snapshot),
	}
}

// Broadcast delivers a snapshot to every client without blocking the
// publisher; slow clients miss intermediate snapshots.
func (b *Broadcaster) Broadcast(snap models.Snapshot) {
	b.RLock()
	defer b.RUnlock()
	for id, client := range b.clients {
		select {
		case client <- snap:
		default:
			log.Warnf("Client channel full, skipping snapshot for client: %v", id)
		}
	}
}

func (b *Broadcaster) AddClient(key string) chan models.Snapshot {
	b.Lock()
	defer b.Unlock()
	client := make(chan models.Snapshot, 10)
	b.clients[key] = client
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
	return client
}

func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()
	if client, ok := b.clients[key]; ok {
		close(client)
		delete(b.clients, key)
	}
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client)
		delete(b.clients, key)
	}
}

type modeRequest struct {
	Mode     string `json:"mode"`
	Preserve bool   `json:"preserve"`
}

type muteRequest struct {
	Authors []string `json:"authors"`
}

// Server returns a fiber.App exposing the feed engine.
func Server(config *ServerConfig) *fiber.App {
	agg := config.Aggregator
	bc := config.Broadcaster

	app := fiber.New()

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/api/feed", func(c *fiber.Ctx) error {
		return c.JSON(agg.Snapshot())
	})

	app.Post("/api/feed/start", func(c *fiber.Ctx) error {
		var req modeRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).SendString("Invalid request body")
		}
		mode, err := feed.ParseMode(req.Mode)
		if err != nil {
			return c.Status(400).SendString(err.Error())
		}
		agg.Start(mode, req.Preserve)
		return c.JSON(agg.Snapshot())
	})

	app.Post("/api/feed/mode", func(c *fiber.Ctx) error {
		var req modeRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).SendString("Invalid request body")
		}
		mode, err := feed.ParseMode(req.Mode)
		if err != nil {
			return c.Status(400).SendString(err.Error())
		}
		agg.SwitchMode(mode)
		return c.JSON(agg.Snapshot())
	})

	app.Post("/api/feed/more", func(c *fiber.Ctx) error {
		agg.LoadMore()
		return c.SendStatus(202)
	})

	app.Post("/api/feed/stop", func(c *fiber.Ctx) error {
		agg.Stop()
		return c.SendStatus(200)
	})

	app.Post("/api/feed/mutes", func(c *fiber.Ctx) error {
		var req muteRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).SendString("Invalid request body")
		}
		added := config.Graph.Mute(req.Authors)
		agg.UpdateForMuteList(added)
		return c.JSON(agg.Snapshot())
	})

	app.Delete("/api/feed/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(200).SendString("OK")
	})

	app.Get("/api/feed/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		key := uuid.New().String()
		client := bc.AddClient(key)
		keepAlive := time.NewTicker(5 * time.Second)
		defer keepAlive.Stop()

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer bc.RemoveClient(key)

			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-keepAlive.C:
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}

				case snap, ok := <-client:
					if !ok {
						return
					}
					data, err := json.Marshal(snap)
					if err != nil {
						log.Errorf("Error marshalling snapshot for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}
