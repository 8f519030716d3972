package feed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"strom/models"
)

// ModeKind enumerates the supported feed modes.
type ModeKind int

const (
	ModeFollowing ModeKind = iota
	ModeSingleRelay
	ModeCuratedPack
	ModeNetworkWide
	ModeHashtag
)

var modeNames = map[ModeKind]string{
	ModeFollowing:   "following",
	ModeSingleRelay: "relay",
	ModeCuratedPack: "pack",
	ModeNetworkWide: "network",
	ModeHashtag:     "hashtag",
}

// Mode selects a feed and its mode-specific inputs.
type Mode struct {
	Kind ModeKind

	// Relay is the exclusive source for ModeSingleRelay.
	Relay string

	// Authors is the explicit author set for ModeCuratedPack.
	Authors []string

	// Tag is the hashtag for ModeHashtag, without the leading '#'.
	Tag string
}

func (m Mode) String() string {
	name := modeNames[m.Kind]
	switch m.Kind {
	case ModeSingleRelay:
		return name + ":" + m.Relay
	case ModeHashtag:
		return name + ":" + m.Tag
	default:
		return name
	}
}

// Equal reports whether two modes select the same feed.
func (m Mode) Equal(other Mode) bool {
	return m.Kind == other.Kind &&
		m.Relay == other.Relay &&
		m.Tag == other.Tag &&
		slices.Equal(m.Authors, other.Authors)
}

// ParseMode parses a mode name with an optional argument, e.g. "following",
// "relay:wss://relay.example.com", "hashtag:art" or "pack:pk1,pk2".
func ParseMode(s string) (Mode, error) {
	name, arg, _ := strings.Cut(s, ":")
	switch name {
	case "following":
		return Mode{Kind: ModeFollowing}, nil
	case "network":
		return Mode{Kind: ModeNetworkWide}, nil
	case "relay":
		if arg == "" {
			return Mode{}, fmt.Errorf("relay mode requires a relay URL")
		}
		return Mode{Kind: ModeSingleRelay, Relay: arg}, nil
	case "hashtag":
		if arg == "" {
			return Mode{}, fmt.Errorf("hashtag mode requires a tag")
		}
		return Mode{Kind: ModeHashtag, Tag: strings.TrimPrefix(arg, "#")}, nil
	case "pack":
		authors := lo.Compact(strings.Split(arg, ","))
		return Mode{Kind: ModeCuratedPack, Authors: authors}, nil
	default:
		return Mode{}, fmt.Errorf("unknown mode %q", name)
	}
}

// resolution classifies the outcome of mode resolution.
type resolution int

const (
	// resolveOpen means the filter is ready and a stream should open.
	resolveOpen resolution = iota
	// resolveDeferred means a prerequisite (follow list) is not loaded yet.
	// The caller re-invokes Start once it is; the session stays loading.
	resolveDeferred
	// resolveEmpty means the resolved author set is empty; the session
	// resolves to an empty list without opening a stream.
	resolveEmpty
)

// resolveMode maps a mode to a concrete query filter.
func resolveMode(mode Mode, oracle MembershipOracle, cfg Config) (models.Filter, resolution) {
	base := models.Filter{
		Kinds:  cfg.Kinds,
		Limit:  cfg.PageSize,
		Policy: cfg.Policy,
	}

	switch mode.Kind {
	case ModeFollowing:
		if !oracle.FollowListReady() {
			return models.Filter{}, resolveDeferred
		}
		authors := oracle.FollowList()
		if cfg.Self != "" {
			authors = append(authors, cfg.Self)
		}
		authors = lo.Uniq(authors)
		if len(authors) == 0 {
			return models.Filter{}, resolveEmpty
		}
		base.Authors = authors
		return base, resolveOpen

	case ModeSingleRelay:
		base.Relays = []string{mode.Relay}
		return base, resolveOpen

	case ModeCuratedPack:
		authors := lo.Uniq(mode.Authors)
		if len(authors) == 0 {
			return models.Filter{}, resolveEmpty
		}
		base.Authors = authors
		return base, resolveOpen

	case ModeHashtag:
		base.Tags = models.TagMap{"t": {strings.ToLower(mode.Tag)}}
		return base, resolveOpen

	default: // ModeNetworkWide: broad query, WoT filtering at admission
		return base, resolveOpen
	}
}

// preserveOnSwitch reports whether visible items survive a mode switch.
// Only the following → network-wide transition preserves, to avoid a flash
// to empty while broadening scope over the same content family.
func preserveOnSwitch(from, to Mode) bool {
	return from.Kind == ModeFollowing && to.Kind == ModeNetworkWide
}
