// Package feed is the sync engine: it assembles ranked, time-windowed feeds,
// caches them, exposes them as observable state and applies optimistic
// like mutations.
package feed

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/metrics"
)

// Caller executes an authenticated XRPC call. transport.Transport implements it.
type Caller interface {
	Call(ctx context.Context, req bluesky.Request, session *domain.Session) (*bluesky.Response, error)
}

// Assembler pages through a feed source and builds the final ordered list.
type Assembler struct {
	caller Caller
	logger *slog.Logger
	now    func() time.Time
}

// NewAssembler creates an Assembler.
func NewAssembler(caller Caller, logger *slog.Logger) *Assembler {
	return &Assembler{
		caller: caller,
		logger: logger,
		now:    time.Now,
	}
}

// Assemble fetches up to q.Window.MaxPages() pages sequentially, filters and
// windows each page, and ranks the result. A failed page ends paging; what
// was collected so far is returned.
func (a *Assembler) Assemble(ctx context.Context, q domain.FeedQuery, session *domain.Session) []domain.Post {
	kind := domain.KindForURI(q.Source)
	cutoff := a.now().Add(-q.Window.Duration())
	maxPages := q.Window.MaxPages()

	var (
		collected []domain.Post
		seen      = make(map[string]struct{})
		cursor    string
		pages     int
	)

	for pages < maxPages {
		resp, err := a.caller.Call(ctx, pageRequest(kind, q.Source, cursor), session)
		if err != nil {
			a.logger.Warn("feed page failed, keeping partial result", "source", q.Source, "page", pages, "error", err)
			break
		}
		if !resp.OK() {
			a.logger.Warn("feed page rejected, keeping partial result", "source", q.Source, "page", pages, "status", resp.StatusCode)
			break
		}
		page, err := bluesky.DecodeFeedPage(resp)
		if err != nil {
			a.logger.Warn("feed page undecodable, keeping partial result", "source", q.Source, "page", pages, "error", err)
			break
		}
		pages++
		metrics.FeedPagesFetched.WithLabelValues(string(kind)).Inc()

		if len(page.Posts) == 0 {
			break
		}

		reachedCutoff := false
		for _, p := range page.Posts {
			if p.CreatedAt.IsZero() {
				a.logger.Debug("dropping undated feed item", "uri", p.URI)
				continue
			}
			if p.CreatedAt.Before(cutoff) {
				reachedCutoff = true
			}
			if !keep(kind, q, &p, cutoff) {
				continue
			}
			if _, dup := seen[p.URI]; dup {
				continue
			}
			seen[p.URI] = struct{}{}
			collected = append(collected, p)
		}

		if reachedCutoff || page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	a.logger.Debug("feed assembled", "source", q.Source, "window", q.Window, "pages", pages, "posts", len(collected))
	rank(collected, q.Weighted)
	return collected
}

func pageRequest(kind domain.FeedKind, source, cursor string) bluesky.Request {
	switch kind {
	case domain.KindTimeline:
		return bluesky.TimelineRequest(cursor, domain.PageSize)
	case domain.KindList:
		return bluesky.ListFeedRequest(source, cursor, domain.PageSize)
	default:
		return bluesky.FeedRequest(source, cursor, domain.PageSize)
	}
}

// keep applies the per-source content filter and the time window.
func keep(kind domain.FeedKind, q domain.FeedQuery, p *domain.Post, cutoff time.Time) bool {
	if p.IsRepost() && !q.ShowReposts {
		return false
	}
	// The personal timeline also carries posts from accounts the viewer does
	// not follow; curated feeds and lists are taken as-is.
	if kind == domain.KindTimeline && !p.IsRepost() && p.Author.Following == "" {
		return false
	}
	return !p.CreatedAt.Before(cutoff)
}

// rank sorts posts in place, highest first. Ties keep provider order.
func rank(posts []domain.Post, weighted bool) {
	score := func(p *domain.Post) int {
		if weighted {
			return p.EngagementScore()
		}
		return p.LikeCount
	}
	slices.SortStableFunc(posts, func(a, b domain.Post) int {
		return score(&b) - score(&a)
	})
}
