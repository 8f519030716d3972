package feed

import (
	log "github.com/sirupsen/logrus"
)

// LoadMore requests content older than the current oldest visible item.
//
// The watermark cursor is the oldest visible timestamp minus one second, so
// the boundary item is not refetched verbatim; items sharing that exact
// boundary timestamp may be skipped, an accepted tradeoff. The bounded query
// runs under the same generation and filter as the active session and its
// results funnel through the same admission pipeline, so redelivered items
// dedup against the session's seen set and older items sort to the tail.
//
// Single-flight: a second call while one is in flight is a no-op until the
// bounded stream completes.
func (a *Aggregator) LoadMore() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || a.moreInflight {
		return
	}
	if len(a.visible) == 0 {
		return
	}

	oldest := a.visible[len(a.visible)-1].CreatedAt
	until := oldest - 1

	filter := a.baseFilter
	filter.Until = &until
	filter.Limit = a.cfg.PageSize

	log.WithFields(log.Fields{
		"generation": a.generation,
		"until":      int64(until),
		"limit":      filter.Limit,
	}).Info("Loading older items")

	a.moreInflight = true
	a.openStream(a.generation, a.sessionCtx, filter, true)
}
