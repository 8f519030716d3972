package feed_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strom/feed"
	"strom/models"
)

// fakeOracle is a mutable in-memory membership oracle for tests.
type fakeOracle struct {
	mu           sync.Mutex
	muted        map[string]bool
	trusted      map[string]bool
	wotReady     bool
	followsReady bool
	follows      []string
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		muted:   make(map[string]bool),
		trusted: make(map[string]bool),
	}
}

func (o *fakeOracle) IsMuted(author string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted[author]
}

func (o *fakeOracle) IsInWebOfTrust(author string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trusted[author]
}

func (o *fakeOracle) WebOfTrustReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wotReady
}

func (o *fakeOracle) FollowListReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.followsReady
}

func (o *fakeOracle) FollowList() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.follows...)
}

func (o *fakeOracle) setFollows(authors ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.followsReady = true
	o.follows = authors
}

func (o *fakeOracle) setTrusted(ready bool, authors ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.wotReady = ready
	o.trusted = make(map[string]bool)
	for _, author := range authors {
		o.trusted[author] = true
	}
}

func (o *fakeOracle) mute(authors ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, author := range authors {
		o.muted[author] = true
	}
}

// fakeStream records every opened filter and hands batches to the consumer
// through a buffered channel per open.
type fakeStream struct {
	mu      sync.Mutex
	filters []models.Filter
	chans   []chan models.Batch
}

func (s *fakeStream) Open(ctx context.Context, filter models.Filter) (<-chan models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan models.Batch, 16)
	s.filters = append(s.filters, filter)
	s.chans = append(s.chans, ch)
	return ch, nil
}

func (s *fakeStream) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

func (s *fakeStream) channel(i int) chan models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chans[i]
}

func (s *fakeStream) filter(i int) models.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[i]
}

func item(id, author string, ts int64) models.ContentItem {
	return models.ContentItem{ID: id, Author: author, CreatedAt: models.Timestamp(ts)}
}

func visibleIDs(snap models.Snapshot) []string {
	ids := make([]string, len(snap.Items))
	for i, it := range snap.Items {
		ids[i] = it.ID
	}
	return ids
}

func waitOpens(t *testing.T, s *fakeStream, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.openCount() >= n
	}, time.Second, 5*time.Millisecond)
}

func waitVisible(t *testing.T, a *feed.Aggregator, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(a.Snapshot().Items) == n
	}, time.Second, 5*time.Millisecond)
}

func TestDedupAcrossBatches(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)

	ch := stream.channel(0)
	ch <- models.Batch{Items: []models.ContentItem{
		item("a", "alice", 100),
		item("b", "bob", 90),
	}}
	ch <- models.Batch{Items: []models.ContentItem{
		item("a", "alice", 100), // redelivered
		item("c", "carol", 80),
	}}

	waitVisible(t, agg, 3)
	assert.Equal(t, []string{"a", "b", "c"}, visibleIDs(agg.Snapshot()))
}

func TestOrderDescendingWithTies(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)

	// Deliberately out of timestamp order, with a tie on 90
	stream.channel(0) <- models.Batch{Items: []models.ContentItem{
		item("m", "alice", 90),
		item("z", "bob", 120),
		item("k", "carol", 90),
		item("q", "dave", 150),
	}}

	waitVisible(t, agg, 4)
	snap := agg.Snapshot()
	for i := 1; i < len(snap.Items); i++ {
		assert.GreaterOrEqual(t, snap.Items[i-1].CreatedAt, snap.Items[i].CreatedAt)
	}
	// Tie broken by id
	assert.Equal(t, []string{"q", "z", "k", "m"}, visibleIDs(snap))
}

func TestMutedAuthorsNeverAdmitted(t *testing.T) {
	stream := &fakeStream{}
	oracle := newFakeOracle()
	oracle.mute("spammer")
	agg := feed.New(stream, oracle, feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)

	stream.channel(0) <- models.Batch{Items: []models.ContentItem{
		item("a", "alice", 100),
		item("s", "spammer", 110),
	}}

	waitVisible(t, agg, 1)
	assert.Equal(t, []string{"a"}, visibleIDs(agg.Snapshot()))
}

func TestUpdateForMuteListRemovesVisible(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)

	stream.channel(0) <- models.Batch{Items: []models.ContentItem{
		item("a", "alice", 100),
		item("b", "bob", 90),
		item("c", "alice", 80),
	}}
	waitVisible(t, agg, 3)

	agg.UpdateForMuteList([]string{"alice"})
	assert.Equal(t, []string{"b"}, visibleIDs(agg.Snapshot()))
}

func TestCancellationSafety(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)
	stale := stream.channel(0)

	// Supersede before the first session delivers anything
	agg.Start(feed.Mode{Kind: feed.ModeHashtag, Tag: "art"}, false)
	waitOpens(t, stream, 2)

	stale <- models.Batch{Items: []models.ContentItem{item("old", "alice", 100)}}
	stream.channel(1) <- models.Batch{Items: []models.ContentItem{item("new", "bob", 50)}}

	waitVisible(t, agg, 1)
	// Give the stale continuation a chance to misbehave
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"new"}, visibleIDs(agg.Snapshot()))
}

func TestLoadingResolvesOnFirstBatchEvenIfEmpty(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)
	assert.True(t, agg.Snapshot().Loading)

	stream.channel(0) <- models.Batch{Items: nil, EndOfSync: true}

	require.Eventually(t, func() bool {
		return !agg.Snapshot().Loading
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, agg.Snapshot().Items)
}

func TestLoadingTimeout(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{
		LoadingTimeout: 50 * time.Millisecond,
	})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)
	assert.True(t, agg.Snapshot().Loading)

	require.Eventually(t, func() bool {
		return !agg.Snapshot().Loading
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, agg.Snapshot().Items)
}

func TestEmptyFollowListResolvesWithoutStream(t *testing.T) {
	stream := &fakeStream{}
	oracle := newFakeOracle()
	oracle.setFollows() // loaded, but empty
	agg := feed.New(stream, oracle, feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeFollowing}, false)

	snap := agg.Snapshot()
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Items)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, stream.openCount())
}

func TestFollowingDefersUntilFollowListReady(t *testing.T) {
	stream := &fakeStream{}
	oracle := newFakeOracle()
	agg := feed.New(stream, oracle, feed.Config{Self: "me"})

	agg.Start(feed.Mode{Kind: feed.ModeFollowing}, false)

	// Deferred: still loading, no stream opened
	time.Sleep(20 * time.Millisecond)
	assert.True(t, agg.Snapshot().Loading)
	assert.Equal(t, 0, stream.openCount())

	// The caller re-invokes Start once the prerequisite is ready
	oracle.setFollows("alice", "bob")
	agg.Start(feed.Mode{Kind: feed.ModeFollowing}, false)
	waitOpens(t, stream, 1)

	assert.ElementsMatch(t, []string{"alice", "bob", "me"}, stream.filter(0).Authors)
}

func TestWebOfTrustFailOpen(t *testing.T) {
	stream := &fakeStream{}
	oracle := newFakeOracle()
	agg := feed.New(stream, oracle, feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)
	ch := stream.channel(0)

	// Trust data unavailable: untrusted authors are admitted
	ch <- models.Batch{Items: []models.ContentItem{
		item("a", "stranger1", 100),
		item("b", "stranger2", 90),
		item("c", "stranger3", 80),
	}}
	waitVisible(t, agg, 3)

	// Trust data arrives: earlier admissions stand, new untrusted items do not
	oracle.setTrusted(true, "friend")
	ch <- models.Batch{Items: []models.ContentItem{
		item("d", "stranger4", 70),
		item("e", "friend", 60),
	}}
	waitVisible(t, agg, 4)
	assert.Equal(t, []string{"a", "b", "c", "e"}, visibleIDs(agg.Snapshot()))
}

func TestWebOfTrustNotAppliedOutsideNetworkMode(t *testing.T) {
	stream := &fakeStream{}
	oracle := newFakeOracle()
	oracle.setTrusted(true, "friend")
	agg := feed.New(stream, oracle, feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeHashtag, Tag: "art"}, false)
	waitOpens(t, stream, 1)

	stream.channel(0) <- models.Batch{Items: []models.ContentItem{
		item("a", "stranger", 100),
	}}
	waitVisible(t, agg, 1)
}

func TestStopIsIdempotentAndTerminal(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)
	ch := stream.channel(0)

	ch <- models.Batch{Items: []models.ContentItem{item("a", "alice", 100)}}
	waitVisible(t, agg, 1)

	agg.Stop()
	agg.Stop()
	assert.False(t, agg.Snapshot().Loading)

	// Deliveries after stop are stale and must not mutate the list
	ch <- models.Batch{Items: []models.ContentItem{item("b", "bob", 90)}}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"a"}, visibleIDs(agg.Snapshot()))
}

func TestSwitchModePreservesOnlyFollowingToNetwork(t *testing.T) {
	stream := &fakeStream{}
	oracle := newFakeOracle()
	oracle.setFollows("alice")
	agg := feed.New(stream, oracle, feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeFollowing}, false)
	waitOpens(t, stream, 1)
	stream.channel(0) <- models.Batch{Items: []models.ContentItem{item("a", "alice", 100)}}
	waitVisible(t, agg, 1)

	// following -> network preserves the visible list
	agg.SwitchMode(feed.Mode{Kind: feed.ModeNetworkWide})
	waitOpens(t, stream, 2)
	assert.Equal(t, []string{"a"}, visibleIDs(agg.Snapshot()))

	// the preserved item dedups against redelivery in the new session
	stream.channel(1) <- models.Batch{Items: []models.ContentItem{
		item("a", "alice", 100),
		item("b", "bob", 90),
	}}
	waitVisible(t, agg, 2)

	// any other transition resets
	agg.SwitchMode(feed.Mode{Kind: feed.ModeHashtag, Tag: "art"})
	waitOpens(t, stream, 3)
	assert.Empty(t, agg.Snapshot().Items)
}

func TestSwitchModeSameModeIsNoop(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)

	agg.SwitchMode(feed.Mode{Kind: feed.ModeNetworkWide})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, stream.openCount())
}

func TestSnapshotCallbackSeesEveryPublish(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	var mu sync.Mutex
	var snaps []models.Snapshot
	agg.OnUpdate(func(snap models.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, snap)
	})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)
	stream.channel(0) <- models.Batch{Items: []models.ContentItem{item("a", "alice", 100)}}
	waitVisible(t, agg, 1)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, []string{"a"}, visibleIDs(last))
	assert.False(t, last.Loading)
}
