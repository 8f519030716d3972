package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"strom/models"
)

var (
	itemsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strom_feed_items_admitted_total",
		Help: "The total number of items admitted to a visible feed",
	})

	itemsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strom_feed_items_skipped_total",
		Help: "The total number of items skipped by the admission pipeline",
	}, []string{"reason"})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strom_feed_sessions_total",
		Help: "The total number of feed sessions started",
	})

	staleBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strom_feed_stale_batches_total",
		Help: "The total number of batches dropped due to generation mismatch",
	})
)

// Aggregator turns a raw content stream into a deduplicated, filtered,
// ordered visible list with load-more pagination. It owns one active session
// at a time; starting a new session supersedes the previous one.
//
// All session state is guarded by one lock: external calls and stream
// continuations serialize through it, and every asynchronous continuation
// re-checks its captured generation against the current one before touching
// shared state. A mismatch means the work is stale and is dropped silently.
type Aggregator struct {
	stream Stream
	oracle MembershipOracle
	cfg    Config

	mu           sync.Mutex
	mode         Mode
	generation   uint64
	visible      []models.ContentItem
	seen         map[string]struct{}
	loading      bool
	active       bool
	baseFilter   models.Filter
	moreInflight bool
	sessionCtx   context.Context
	cancel       context.CancelFunc
	loadingTimer *time.Timer

	// onUpdate is invoked with a snapshot after every publish. It runs on
	// the aggregator's execution context and must not call back into the
	// aggregator.
	onUpdate func(models.Snapshot)
}

// New creates an aggregator over the given stream and membership oracle.
func New(stream Stream, oracle MembershipOracle, cfg Config) *Aggregator {
	return &Aggregator{
		stream: stream,
		oracle: oracle,
		cfg:    cfg.withDefaults(),
		seen:   make(map[string]struct{}),
	}
}

// OnUpdate registers the snapshot callback.
func (a *Aggregator) OnUpdate(fn func(models.Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = fn
}

// Start opens a new session for the given mode, superseding any previous
// session. Visible items are reset unless preserveExisting is set, which is
// only meaningful when switching between modes with overlapping content
// families. If a prerequisite (follow list) is not loaded yet the session
// stays in the loading state without a stream; the caller re-invokes Start
// when the prerequisite becomes ready.
func (a *Aggregator) Start(mode Mode, preserveExisting bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.supersedeLocked()
	sessionsStarted.Inc()

	a.mode = mode
	a.seen = make(map[string]struct{})
	if preserveExisting {
		for _, it := range a.visible {
			a.seen[it.ID] = struct{}{}
		}
	} else {
		a.visible = nil
	}
	a.loading = true

	filter, res := resolveMode(mode, a.oracle, a.cfg)
	switch res {
	case resolveDeferred:
		log.WithFields(log.Fields{
			"mode": mode.String(),
		}).Info("Deferring session start until prerequisite data is ready")
		a.publishLocked()
		return
	case resolveEmpty:
		log.WithFields(log.Fields{
			"mode": mode.String(),
		}).Info("Resolved author set is empty, session resolves empty")
		a.loading = false
		a.publishLocked()
		return
	}

	gen := a.generation
	a.baseFilter = filter
	a.active = true
	a.sessionCtx, a.cancel = context.WithCancel(context.Background())
	a.armTimeoutLocked(gen)

	log.WithFields(log.Fields{
		"mode":       mode.String(),
		"generation": gen,
		"authors":    len(filter.Authors),
	}).Info("Starting feed session")

	a.openStream(gen, a.sessionCtx, filter, false)
	a.publishLocked()
}

// SwitchMode stops the current session and starts one for the new mode.
// No-op when the mode is unchanged.
func (a *Aggregator) SwitchMode(mode Mode) {
	a.mu.Lock()
	current := a.mode
	a.mu.Unlock()

	if mode.Equal(current) {
		return
	}
	a.Start(mode, preserveOnSwitch(current, mode))
}

// Stop tears down the active session: invalidates the generation, cancels
// the stream and the loading timeout. Idempotent.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.supersedeLocked()
	if a.loading {
		a.loading = false
		a.publishLocked()
	}
}

// UpdateForMuteList removes visible items from the newly muted authors.
// The seen set is untouched: an un-mute does not resurrect items unless the
// stream redelivers them in a later session.
func (a *Aggregator) UpdateForMuteList(mutedAuthors []string) {
	if len(mutedAuthors) == 0 {
		return
	}
	muted := lo.SliceToMap(mutedAuthors, func(author string) (string, struct{}) {
		return author, struct{}{}
	})

	a.mu.Lock()
	defer a.mu.Unlock()

	before := len(a.visible)
	a.visible = lo.Reject(a.visible, func(it models.ContentItem, _ int) bool {
		_, ok := muted[it.Author]
		return ok
	})
	if len(a.visible) != before {
		log.WithFields(log.Fields{
			"removed": before - len(a.visible),
		}).Info("Removed items from newly muted authors")
		a.publishLocked()
	}
}

// Snapshot returns the current published view.
func (a *Aggregator) Snapshot() models.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// supersedeLocked invalidates the current generation and cancels its stream
// and loading timeout. Visible items are left for the next session to decide.
func (a *Aggregator) supersedeLocked() {
	a.generation++
	a.active = false
	a.moreInflight = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		a.sessionCtx = nil
	}
	a.stopTimeoutLocked()
}

func (a *Aggregator) armTimeoutLocked(gen uint64) {
	a.loadingTimer = time.AfterFunc(a.cfg.LoadingTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if gen != a.generation || !a.loading {
			return
		}
		// Absence of data is not an error; the list simply stays empty.
		log.WithFields(log.Fields{
			"generation": gen,
			"timeout":    a.cfg.LoadingTimeout,
		}).Info("Loading timeout fired without a first batch")
		a.loading = false
		a.publishLocked()
	})
}

func (a *Aggregator) stopTimeoutLocked() {
	if a.loadingTimer != nil {
		a.loadingTimer.Stop()
		a.loadingTimer = nil
	}
}

// openStream opens the stream off the owning context and hands the batch
// channel to a consume loop. At most one consume loop runs per generation
// per opened stream.
func (a *Aggregator) openStream(gen uint64, ctx context.Context, filter models.Filter, paging bool) {
	go func() {
		ch, err := a.stream.Open(ctx, filter)
		if err != nil {
			log.WithFields(log.Fields{
				"generation": gen,
				"error":      err,
			}).Error("Failed to open content stream")
			a.mu.Lock()
			if gen == a.generation && paging {
				a.moreInflight = false
			}
			a.mu.Unlock()
			// Initial-session failures leave loading to the timeout.
			return
		}
		a.consume(gen, ch, paging)
	}()
}

// consume processes batches in delivery order until the stream completes.
func (a *Aggregator) consume(gen uint64, ch <-chan models.Batch, paging bool) {
	for batch := range ch {
		a.mu.Lock()
		if gen != a.generation {
			a.mu.Unlock()
			staleBatches.Inc()
			return
		}

		// First delivery wins over the loading timeout.
		a.stopTimeoutLocked()

		for _, it := range batch.Items {
			a.admitLocked(it)
		}

		// Resolves monotonically even when the batch admitted nothing.
		a.loading = false
		a.publishLocked()
		a.mu.Unlock()
	}

	// Channel closed: bounded completion or stream failure. Terminal for
	// this generation; no retry here.
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return
	}
	if paging {
		a.moreInflight = false
	}
}

// admitLocked runs one item through the dedup, mute and web-of-trust stages
// and inserts it in timestamp order when it passes.
func (a *Aggregator) admitLocked(it models.ContentItem) {
	if _, dup := a.seen[it.ID]; dup {
		itemsSkipped.WithLabelValues("duplicate").Inc()
		return
	}
	a.seen[it.ID] = struct{}{}

	if a.oracle.IsMuted(it.Author) {
		itemsSkipped.WithLabelValues("muted").Inc()
		return
	}

	// Fail-open: while trust data is still loading, network-wide admission
	// does not starve the feed. Already admitted items are not revisited
	// when the data arrives.
	if a.mode.Kind == ModeNetworkWide &&
		a.oracle.WebOfTrustReady() &&
		!a.oracle.IsInWebOfTrust(it.Author) {
		itemsSkipped.WithLabelValues("untrusted").Inc()
		return
	}

	a.insertLocked(it)
	itemsAdmitted.Inc()
}

// insertLocked places the item by descending timestamp, ties broken by ID,
// keeping the visible list strictly ordered.
func (a *Aggregator) insertLocked(it models.ContentItem) {
	idx := sort.Search(len(a.visible), func(i int) bool {
		v := a.visible[i]
		if v.CreatedAt != it.CreatedAt {
			return v.CreatedAt < it.CreatedAt
		}
		return v.ID > it.ID
	})

	a.visible = append(a.visible, models.ContentItem{})
	copy(a.visible[idx+1:], a.visible[idx:])
	a.visible[idx] = it
}

func (a *Aggregator) snapshotLocked() models.Snapshot {
	items := make([]models.ContentItem, len(a.visible))
	copy(items, a.visible)
	if a.cfg.DiversifyLookahead > 0 {
		items = Diversify(items, a.cfg.DiversifyLookahead)
	}
	return models.Snapshot{
		Items:   items,
		Loading: a.loading,
		Mode:    a.mode.String(),
	}
}

func (a *Aggregator) publishLocked() {
	if a.onUpdate != nil {
		a.onUpdate(a.snapshotLocked())
	}
}
