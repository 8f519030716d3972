package feed

import (
	"context"
	"time"

	"strom/models"
)

// Stream is the content stream collaborator. Open returns a channel of
// batches for the given filter. The channel is closed when the stream
// completes (bounded queries) or fails; live queries keep delivering after
// the end-of-sync batch until the context is cancelled. Open must not block
// on dialing; connection setup happens behind the returned channel.
type Stream interface {
	Open(ctx context.Context, filter models.Filter) (<-chan models.Batch, error)
}

// MembershipOracle answers mute and web-of-trust questions about authors.
// Both data sets may be unavailable at startup and become available
// asynchronously; the Ready methods report availability.
type MembershipOracle interface {
	IsMuted(author string) bool
	IsInWebOfTrust(author string) bool
	WebOfTrustReady() bool
	FollowListReady() bool
	FollowList() []string
}

// Config tunes one aggregator instance.
type Config struct {
	// Self is the viewer's own author id, included in the following mode
	// author set when non-empty.
	Self string

	// Kinds restricts every mode-derived query to these content kinds.
	Kinds []int

	// Policy is the cache policy applied to mode-derived queries.
	Policy models.CachePolicy

	// LoadingTimeout bounds how long a session stays in the loading state
	// without a first batch. Defaults to 10s.
	LoadingTimeout time.Duration

	// PageSize is the limit applied to mode queries and pagination queries.
	// Defaults to 50.
	PageSize int

	// DiversifyLookahead enables same-author burst avoidance on the
	// published view when > 0. The stored list keeps strict timestamp
	// order regardless.
	DiversifyLookahead int
}

func (c Config) withDefaults() Config {
	if c.LoadingTimeout <= 0 {
		c.LoadingTimeout = 10 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	return c
}
