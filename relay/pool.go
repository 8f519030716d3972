// Package relay implements the live content stream: websocket subscriptions
// against one or more relays, merged into a single ordered sequence of
// batches with cross-relay deduplication.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"strom/models"
)

const (
	// flushInterval bounds how long a received item waits before delivery.
	flushInterval = 250 * time.Millisecond
	// maxBatchSize flushes early under burst load.
	maxBatchSize = 128
)

// Pool opens subscriptions against a configured default relay set, or the
// filter's own relay selection when present.
type Pool struct {
	defaultRelays []string
}

func NewPool(defaultRelays []string) *Pool {
	return &Pool{defaultRelays: defaultRelays}
}

// Open starts one subscription per selected relay and returns a channel of
// merged batches. The channel closes when every relay subscription has
// terminated: for bounded filters that is completion, otherwise failure or
// cancellation. The end-of-initial-sync batch is emitted once all relays
// have reported end of stored events.
func (p *Pool) Open(ctx context.Context, filter models.Filter) (<-chan models.Batch, error) {
	relays := filter.Relays
	if len(relays) == 0 {
		relays = p.defaultRelays
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays selected")
	}

	out := make(chan models.Batch)
	go p.run(ctx, relays, filter, out)
	return out, nil
}

func (p *Pool) run(ctx context.Context, relays []string, filter models.Filter, out chan<- models.Batch) {
	defer close(out)

	subID := "strom-" + uuid.NewString()[:8]
	deliveries := make(chan delivery, 256)

	g, subCtx := errgroup.WithContext(ctx)
	for _, relayURL := range relays {
		relayURL := relayURL
		g.Go(func() error {
			subscribeRelay(subCtx, relayURL, subID, filter, deliveries)
			return nil
		})
	}
	go func() {
		g.Wait()
		close(deliveries)
	}()

	log.WithFields(log.Fields{
		"relays":  len(relays),
		"subId":   subID,
		"bounded": filter.Bounded(),
	}).Info("Opened relay subscriptions")

	seen := make(map[string]struct{})
	var pending []models.ContentItem
	eoseCount := 0
	syncDone := false

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func(endOfSync bool) bool {
		if len(pending) == 0 && !endOfSync {
			return true
		}
		batch := models.Batch{Items: pending, EndOfSync: endOfSync}
		pending = nil
		select {
		case out <- batch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				// All subscriptions terminated; deliver what is left.
				flush(false)
				return
			}
			if d.eose {
				eoseCount++
				if !syncDone && eoseCount >= len(relays) {
					syncDone = true
					log.WithFields(log.Fields{
						"subId": subID,
					}).Debug("All relays reported end of stored events")
					if !flush(true) {
						return
					}
				}
				continue
			}
			if _, dup := seen[d.item.ID]; dup {
				continue
			}
			seen[d.item.ID] = struct{}{}
			pending = append(pending, d.item)
			if len(pending) >= maxBatchSize {
				if !flush(false) {
					return
				}
			}

		case <-ticker.C:
			if !flush(false) {
				return
			}
		}
	}
}
