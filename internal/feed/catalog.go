package feed

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/domain"
)

// feedGeneratorBatch is the most URIs getFeedGenerators accepts per call.
const feedGeneratorBatch = 25

// Catalog lists the feeds the account has saved, resolved to display names.
// A successful result is kept until Reset.
type Catalog struct {
	caller Caller
	logger *slog.Logger

	mu      sync.Mutex
	entries []domain.FeedCatalogEntry
}

// NewCatalog creates a Catalog.
func NewCatalog(caller Caller, logger *slog.Logger) *Catalog {
	return &Catalog{caller: caller, logger: logger}
}

// Load returns the catalog. The timeline is always the first entry; a
// failure to read preferences yields only the timeline and is not kept.
func (c *Catalog) Load(ctx context.Context, session *domain.Session) []domain.FeedCatalogEntry {
	c.mu.Lock()
	cached := c.entries
	c.mu.Unlock()
	if cached != nil {
		return slices.Clone(cached)
	}

	timelineOnly := []domain.FeedCatalogEntry{domain.TimelineEntry()}
	if !session.Valid() {
		return timelineOnly
	}

	resp, err := c.caller.Call(ctx, bluesky.PreferencesRequest(), session)
	if err != nil {
		c.logger.Warn("load saved feeds failed", "error", err)
		return timelineOnly
	}
	if !resp.OK() {
		c.logger.Warn("load saved feeds rejected", "status", resp.StatusCode)
		return timelineOnly
	}
	saved, _, err := bluesky.DecodeSavedFeeds(resp)
	if err != nil {
		c.logger.Warn("decode saved feeds failed", "error", err)
		return timelineOnly
	}

	entries := c.resolve(ctx, session, saved)

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return slices.Clone(entries)
}

// Reset drops the kept catalog.
func (c *Catalog) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}

func (c *Catalog) resolve(ctx context.Context, session *domain.Session, saved []bluesky.SavedFeed) []domain.FeedCatalogEntry {
	seen := map[string]struct{}{domain.TimelineSource: {}}
	var (
		rest     []domain.FeedCatalogEntry
		feedURIs []string
	)
	for _, sf := range saved {
		if sf.Kind == domain.KindTimeline {
			continue
		}
		if _, dup := seen[sf.URI]; dup || sf.URI == "" {
			continue
		}
		seen[sf.URI] = struct{}{}
		rest = append(rest, domain.FeedCatalogEntry{URI: sf.URI, Kind: sf.Kind, Pinned: sf.Pinned})
		if sf.Kind == domain.KindFeed {
			feedURIs = append(feedURIs, sf.URI)
		}
	}

	names := c.feedNames(ctx, session, feedURIs)
	for i := range rest {
		e := &rest[i]
		if e.Kind == domain.KindList {
			e.DisplayName = c.listName(ctx, session, e.URI)
		} else {
			e.DisplayName = names[e.URI]
		}
		if e.DisplayName == "" {
			e.DisplayName = domain.RecordKey(e.URI)
		}
	}

	slices.SortStableFunc(rest, func(a, b domain.FeedCatalogEntry) int {
		switch {
		case a.Pinned == b.Pinned:
			return 0
		case a.Pinned:
			return -1
		default:
			return 1
		}
	})
	return append([]domain.FeedCatalogEntry{domain.TimelineEntry()}, rest...)
}

func (c *Catalog) feedNames(ctx context.Context, session *domain.Session, uris []string) map[string]string {
	names := make(map[string]string, len(uris))
	for batch := range slices.Chunk(uris, feedGeneratorBatch) {
		resp, err := c.caller.Call(ctx, bluesky.FeedGeneratorsRequest(batch), session)
		if err != nil || !resp.OK() {
			c.logger.Debug("resolve feed names failed", "feeds", len(batch), "error", err)
			continue
		}
		resolved, err := bluesky.DecodeFeedGeneratorNames(resp)
		if err != nil {
			c.logger.Debug("decode feed names failed", "error", err)
			continue
		}
		for uri, name := range resolved {
			names[uri] = name
		}
	}
	return names
}

func (c *Catalog) listName(ctx context.Context, session *domain.Session, uri string) string {
	resp, err := c.caller.Call(ctx, bluesky.ListRequest(uri), session)
	if err != nil || !resp.OK() {
		c.logger.Debug("resolve list name failed", "list", uri, "error", err)
		return ""
	}
	name, err := bluesky.DecodeListName(resp)
	if err != nil {
		return ""
	}
	return name
}
