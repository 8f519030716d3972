// Package stream composes the live relay pool and the local item cache into
// one content stream, selected per query by the filter's cache policy.
package stream

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"strom/cache"
	"strom/models"
)

// resumeSlack rewinds the live subscription a little behind the cached edge
// so nothing is lost between the cached read and the live tail. Overlap is
// absorbed by downstream dedup.
const resumeSlack = 10 * time.Second

// Opener is the live side of the source.
type Opener interface {
	Open(ctx context.Context, filter models.Filter) (<-chan models.Batch, error)
}

// Source implements the aggregator's stream contract. A nil store degrades
// every policy to network-only.
type Source struct {
	live  Opener
	store *cache.Store
}

func NewSource(live Opener, store *cache.Store) *Source {
	return &Source{live: live, store: store}
}

func (s *Source) Open(ctx context.Context, filter models.Filter) (<-chan models.Batch, error) {
	policy := filter.Policy
	if s.store == nil && policy != models.NetworkOnly {
		policy = models.NetworkOnly
	}

	switch policy {
	case models.CacheOnly:
		out := make(chan models.Batch, 1)
		go func() {
			defer close(out)
			items, err := s.store.GetItems(ctx, filter)
			if err != nil {
				log.Errorf("Cache read failed: %v", err)
				return
			}
			select {
			case out <- models.Batch{Items: items, EndOfSync: true}:
			case <-ctx.Done():
			}
		}()
		return out, nil

	case models.NetworkOnly:
		ch, err := s.live.Open(ctx, filter)
		if err != nil {
			return nil, err
		}
		return s.tee(ctx, ch), nil

	default: // CacheFirst
		out := make(chan models.Batch)
		go func() {
			defer close(out)

			items, err := s.store.GetItems(ctx, filter)
			if err != nil {
				log.Errorf("Cache read failed: %v", err)
			} else if len(items) > 0 {
				select {
				case out <- models.Batch{Items: items}:
				case <-ctx.Done():
					return
				}
			}

			liveFilter := filter
			if !filter.Bounded() && len(items) > 0 {
				// Scoped to the filter: the global newest row may belong to
				// an unrelated feed and would leave a gap behind the cursor.
				if latest, err := s.store.LatestTimestamp(ctx, filter); err == nil && latest > 0 {
					since := latest - models.Timestamp(resumeSlack/time.Second)
					liveFilter.Since = &since
				}
			}

			ch, err := s.live.Open(ctx, liveFilter)
			if err != nil {
				log.Errorf("Failed to open live stream: %v", err)
				return
			}
			for batch := range ch {
				s.writeBack(batch.Items)
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}

// tee forwards batches while persisting their items off the hot path.
func (s *Source) tee(ctx context.Context, in <-chan models.Batch) <-chan models.Batch {
	if s.store == nil {
		return in
	}
	out := make(chan models.Batch)
	go func() {
		defer close(out)
		for batch := range in {
			s.writeBack(batch.Items)
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Source) writeBack(items []models.ContentItem) {
	if s.store == nil || len(items) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.PutItems(ctx, items); err != nil {
			log.Errorf("Cache write-back failed: %v", err)
		}
	}()
}
