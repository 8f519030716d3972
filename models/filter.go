package models

// CachePolicy selects how a query combines the local item cache with live
// relay subscriptions.
type CachePolicy int

const (
	// CacheFirst serves one batch from the local cache before opening the
	// live subscription.
	CacheFirst CachePolicy = iota
	// NetworkOnly skips the cache read entirely.
	NetworkOnly
	// CacheOnly never opens a socket. Used by bounded pagination against a
	// warm cache and in tests.
	CacheOnly
)

// TagMap maps a tag name (e.g. "t" for hashtags) to accepted values.
type TagMap map[string][]string

// Filter describes one content query: author set, kind set, tag filters,
// time bounds, relay selection and cache policy.
type Filter struct {
	IDs     []string   `json:"ids,omitempty"`
	Authors []string   `json:"authors,omitempty"`
	Kinds   []int      `json:"kinds,omitempty"`
	Tags    TagMap     `json:"-"`
	Since   *Timestamp `json:"since,omitempty"`
	Until   *Timestamp `json:"until,omitempty"`
	Limit   int        `json:"limit,omitempty"`

	// Relays limits the query to the given sources. Empty means the
	// configured default set.
	Relays []string `json:"-"`

	Policy CachePolicy `json:"-"`
}

// Bounded reports whether the query has an upper time bound and therefore is
// expected to terminate instead of tailing live deliveries.
func (f Filter) Bounded() bool {
	return f.Until != nil
}
