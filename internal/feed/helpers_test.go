package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/bluesky/blueskytest"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/memstore"
)

const (
	getTimeline      = "app.bsky.feed.getTimeline"
	getFeed          = "app.bsky.feed.getFeed"
	getListFeed      = "app.bsky.feed.getListFeed"
	getPreferences   = "app.bsky.actor.getPreferences"
	getFeedGenerator = "app.bsky.feed.getFeedGenerators"
	getList          = "app.bsky.graph.getList"
	createRecord     = "com.atproto.repo.createRecord"
	deleteRecord     = "com.atproto.repo.deleteRecord"
)

var now = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

var me = &domain.Session{DID: "did:plc:me", Handle: "me.test", AccessJwt: "access", RefreshJwt: "refresh"}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// directCaller sends with the session's access token and never refreshes.
type directCaller struct {
	client *bluesky.Client
}

func (c directCaller) Call(ctx context.Context, req bluesky.Request, s *domain.Session) (*bluesky.Response, error) {
	return c.client.Send(ctx, req, s.AccessJwt)
}

type staticSessions struct {
	session *domain.Session
}

func (s *staticSessions) Current() *domain.Session { return s.session }

func newTestService(t *testing.T) (*Service, *blueskytest.Server, *memstore.Store) {
	t.Helper()
	pds := blueskytest.NewServer(t)
	kv := memstore.New()
	svc := NewService(directCaller{pds.Client()}, &staticSessions{session: me}, kv, discard(), WithClock(clock))
	return svc, pds, kv
}

func item(n int, age time.Duration, likes int) blueskytest.Item {
	return blueskytest.Item{
		URI:       fmt.Sprintf("at://did:plc:bob/app.bsky.feed.post/%d", n),
		CID:       fmt.Sprintf("cid%d", n),
		AuthorDID: "did:plc:bob",
		Handle:    "bob.test",
		Followed:  true,
		Text:      fmt.Sprintf("post %d", n),
		CreatedAt: now.Add(-age),
		Likes:     likes,
	}
}

func seedPosts(s *State, posts ...domain.Post) {
	s.publish(domain.FeedQuery{Source: domain.TimelineSource, Window: domain.Window24h}, posts)
}
