// Package social holds the viewer's social graph: follows, mutes and
// web-of-trust membership. The graph is a read-mostly collaborator for the
// feed aggregator; follow and trust data typically arrive asynchronously
// after startup and flip their availability flags when loaded.
package social

import (
	"sync"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Graph is an in-memory membership oracle. Safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	self      string
	follows   map[string]struct{}
	muted     map[string]struct{}
	trusted   map[string]struct{}
	followsOK bool
	trustOK   bool
}

func NewGraph(self string) *Graph {
	return &Graph{
		self:    self,
		follows: make(map[string]struct{}),
		muted:   make(map[string]struct{}),
		trusted: make(map[string]struct{}),
	}
}

// Self returns the viewer's own author id.
func (g *Graph) Self() string {
	return g.self
}

// SetFollows replaces the follow list and marks it available.
func (g *Graph) SetFollows(authors []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.follows = toSet(authors)
	g.followsOK = true
	log.WithFields(log.Fields{
		"count": len(g.follows),
	}).Info("Follow list loaded")
}

// SetWebOfTrust replaces the web-of-trust membership set and marks it
// available.
func (g *Graph) SetWebOfTrust(authors []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trusted = toSet(authors)
	g.trustOK = true
	log.WithFields(log.Fields{
		"count": len(g.trusted),
	}).Info("Web of trust loaded")
}

// Mute adds authors to the mute set and returns the ones that were not
// muted before, for the aggregator's mute-list update.
func (g *Graph) Mute(authors []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	added := lo.Filter(authors, func(author string, _ int) bool {
		_, ok := g.muted[author]
		return !ok
	})
	for _, author := range added {
		g.muted[author] = struct{}{}
	}
	return added
}

// Unmute removes authors from the mute set. Already delivered items are not
// resurrected; the stream has to redeliver them.
func (g *Graph) Unmute(authors []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, author := range authors {
		delete(g.muted, author)
	}
}

func (g *Graph) IsMuted(author string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.muted[author]
	return ok
}

func (g *Graph) IsInWebOfTrust(author string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if author == g.self {
		return true
	}
	_, ok := g.trusted[author]
	return ok
}

func (g *Graph) WebOfTrustReady() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.trustOK
}

func (g *Graph) FollowListReady() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.followsOK
}

func (g *Graph) FollowList() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return lo.Keys(g.follows)
}

func toSet(authors []string) map[string]struct{} {
	set := make(map[string]struct{}, len(authors))
	for _, author := range authors {
		if author != "" {
			set[author] = struct{}{}
		}
	}
	return set
}
