package domain

import (
	"path"
	"strings"
	"time"
)

// TimelineSource is the feed source sentinel selecting the personal timeline.
const TimelineSource = "timeline"

// PageSize is the number of items requested per feed page.
const PageSize = 50

// TimeWindow bounds how far back a feed is assembled.
type TimeWindow string

const (
	Window24h TimeWindow = "24h"
	Window7d  TimeWindow = "7d"
	Window30d TimeWindow = "30d"
)

// ParseTimeWindow maps a stored or user-supplied value to a TimeWindow.
// Unknown values fall back to 24h.
func ParseTimeWindow(s string) TimeWindow {
	switch w := TimeWindow(s); w {
	case Window24h, Window7d, Window30d:
		return w
	default:
		return Window24h
	}
}

// Duration returns the length of the window.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case Window7d:
		return 7 * 24 * time.Hour
	case Window30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// MaxPages is the upper bound on pages fetched for the window.
func (w TimeWindow) MaxPages() int {
	switch w {
	case Window7d:
		return 6
	case Window30d:
		return 10
	default:
		return 2
	}
}

// FeedQuery fully determines an assembled feed. It is comparable and its
// equality is the cache key.
type FeedQuery struct {
	Source      string     `json:"source"`
	Window      TimeWindow `json:"window"`
	ShowReposts bool       `json:"showReposts"`
	Weighted    bool       `json:"weighted"`
}

// FeedKind classifies a feed source.
type FeedKind string

const (
	KindTimeline FeedKind = "timeline"
	KindFeed     FeedKind = "feed"
	KindList     FeedKind = "list"
)

// KindForURI classifies a feed source by its shape.
func KindForURI(uri string) FeedKind {
	switch {
	case uri == TimelineSource:
		return KindTimeline
	case strings.Contains(uri, "/app.bsky.graph.list/"):
		return KindList
	default:
		return KindFeed
	}
}

// FeedCatalogEntry is a feed the user can select.
type FeedCatalogEntry struct {
	URI         string   `json:"uri"`
	DisplayName string   `json:"displayName"`
	Kind        FeedKind `json:"kind"`
	Pinned      bool     `json:"pinned"`
}

// TimelineEntry is the catalog entry for the personal timeline.
func TimelineEntry() FeedCatalogEntry {
	return FeedCatalogEntry{URI: TimelineSource, DisplayName: "Following", Kind: KindTimeline, Pinned: true}
}

// RecordKey returns the last path segment of an AT-URI.
func RecordKey(uri string) string {
	return path.Base(uri)
}
