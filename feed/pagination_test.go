package feed_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strom/feed"
	"strom/models"
)

func startWithItems(t *testing.T, items ...models.ContentItem) (*feed.Aggregator, *fakeStream) {
	t.Helper()
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{PageSize: 10})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)
	stream.channel(0) <- models.Batch{Items: items}
	waitVisible(t, agg, len(items))
	return agg, stream
}

func TestLoadMoreUsesWatermarkCursor(t *testing.T) {
	agg, stream := startWithItems(t,
		item("a", "alice", 100),
		item("b", "bob", 80),
	)

	agg.LoadMore()
	waitOpens(t, stream, 2)

	filter := stream.filter(1)
	require.NotNil(t, filter.Until)
	// Oldest visible timestamp is 80; the cursor excludes the boundary
	assert.Equal(t, models.Timestamp(79), *filter.Until)
	assert.Equal(t, 10, filter.Limit)
}

func TestLoadMoreSingleFlight(t *testing.T) {
	agg, stream := startWithItems(t, item("a", "alice", 100))

	agg.LoadMore()
	agg.LoadMore() // second call while first is in flight
	waitOpens(t, stream, 2)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, stream.openCount())

	// Completion of the bounded stream clears the guard
	close(stream.channel(1))
	require.Eventually(t, func() bool {
		agg.LoadMore()
		return stream.openCount() == 3
	}, time.Second, 10*time.Millisecond)
}

func TestLoadMoreNoopWhenEmpty(t *testing.T) {
	stream := &fakeStream{}
	agg := feed.New(stream, newFakeOracle(), feed.Config{})

	agg.Start(feed.Mode{Kind: feed.ModeNetworkWide}, false)
	waitOpens(t, stream, 1)

	agg.LoadMore()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, stream.openCount())
}

func TestLoadMoreAppendsOlderAndDedups(t *testing.T) {
	agg, stream := startWithItems(t,
		item("a", "alice", 100),
		item("b", "bob", 80),
	)

	agg.LoadMore()
	waitOpens(t, stream, 2)

	// The page redelivers a known id and brings one genuinely older item
	stream.channel(1) <- models.Batch{Items: []models.ContentItem{
		item("b", "bob", 80),
		item("old", "carol", 40),
	}}

	waitVisible(t, agg, 3)
	assert.Equal(t, []string{"a", "b", "old"}, visibleIDs(agg.Snapshot()))
}

func TestLoadMoreSharesSessionGeneration(t *testing.T) {
	agg, stream := startWithItems(t, item("a", "alice", 100))

	agg.LoadMore()
	waitOpens(t, stream, 2)
	pageCh := stream.channel(1)

	// Superseding the session invalidates the in-flight page
	agg.Start(feed.Mode{Kind: feed.ModeHashtag, Tag: "art"}, false)
	waitOpens(t, stream, 3)

	pageCh <- models.Batch{Items: []models.ContentItem{item("late", "bob", 50)}}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, agg.Snapshot().Items)
}
