package feed

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/skyfeed/internal/bluesky/blueskytest"
	"github.com/blackmichael/skyfeed/internal/domain"
)

func TestLoadAssemblesAndCaches(t *testing.T) {
	svc, pds, _ := newTestService(t)
	pds.Respond(getTimeline, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 1), item(2, time.Minute, 7)))

	snap := svc.Load(context.Background())
	require.Len(t, snap.Posts, 2)
	assert.Equal(t, 7, snap.Posts[0].LikeCount)
	assert.Equal(t, DefaultQuery, snap.Query)
	assert.False(t, snap.Loading)

	svc.Load(context.Background())
	assert.Equal(t, 1, pds.Calls(getTimeline), "second load is served from the cache")
}

func TestLoadQueryChangeMissesCache(t *testing.T) {
	svc, pds, _ := newTestService(t)
	ctx := context.Background()
	pds.Respond(getTimeline, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 1)))

	svc.Load(ctx)
	require.NoError(t, svc.Preferences().SetWindow(ctx, domain.Window7d))
	snap := svc.Load(ctx)

	assert.Equal(t, 2, pds.Calls(getTimeline))
	assert.Equal(t, domain.Window7d, snap.Query.Window)
}

func TestLoadPublishesLoading(t *testing.T) {
	svc, pds, _ := newTestService(t)
	pds.Respond(getTimeline, http.StatusOK, blueskytest.Page(""))

	var loading []bool
	svc.State().Subscribe(func(s Snapshot) { loading = append(loading, s.Loading) })
	svc.Load(context.Background())

	assert.Equal(t, []bool{true, false}, loading)
}

func TestLoadWithoutSession(t *testing.T) {
	svc, pds, _ := newTestService(t)
	svc.sessions = &staticSessions{}
	pds.Respond(getTimeline, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 1)))

	snap := svc.Load(context.Background())
	assert.Empty(t, snap.Posts)
	assert.Zero(t, pds.Calls(getTimeline))
}

func TestLoadDiscardsStaleAssembly(t *testing.T) {
	svc, pds, _ := newTestService(t)
	ctx := context.Background()

	pds.Handle(getTimeline, func(w http.ResponseWriter, r *http.Request) {
		// A disconnect lands while the first page is in flight.
		svc.InvalidateSource(ctx)
		blueskytest.WriteJSON(w, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 1)))
	})

	snap := svc.Load(ctx)
	assert.Empty(t, snap.Posts)
	_, cached := svc.cache.Lookup(ctx, DefaultQuery)
	assert.False(t, cached, "a stale result is not cached either")
}

func TestInvalidateSource(t *testing.T) {
	svc, pds, _ := newTestService(t)
	ctx := context.Background()
	source := "at://did:plc:gen/app.bsky.feed.generator/cats"
	pds.Respond(getFeed, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 1)))
	pds.Respond(getPreferences, http.StatusOK, savedV2())

	require.NoError(t, svc.Preferences().SetSource(ctx, source))
	svc.Load(ctx)
	svc.Feeds(ctx)
	require.NotEmpty(t, svc.State().Snapshot().Posts)

	svc.InvalidateSource(ctx)

	assert.Equal(t, domain.TimelineSource, svc.Preferences().Query(ctx).Source)
	assert.Empty(t, svc.State().Snapshot().Posts)
	_, cached := svc.cache.Lookup(ctx, domain.FeedQuery{Source: source, Window: domain.Window24h, ShowReposts: true})
	assert.False(t, cached)

	svc.Feeds(ctx)
	assert.Equal(t, 2, pds.Calls(getPreferences), "catalog is reloaded")
}

func TestToggleLikeThroughService(t *testing.T) {
	svc, pds, _ := newTestService(t)
	ctx := context.Background()
	pds.Respond(getTimeline, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 5)))
	pds.Respond(createRecord, http.StatusOK, map[string]string{"uri": "at://did:plc:me/app.bsky.feed.like/3abc"})

	svc.Load(ctx)
	svc.ToggleLike(ctx, item(1, 0, 0).URI)

	p, ok := svc.State().Find(item(1, 0, 0).URI)
	require.True(t, ok)
	assert.Equal(t, 6, p.LikeCount)
	assert.Equal(t, "at://did:plc:me/app.bsky.feed.like/3abc", p.LikeRef())
}

func TestRemoteLikeExpiresCache(t *testing.T) {
	svc, pds, _ := newTestService(t)
	ctx := context.Background()
	pds.Respond(getTimeline, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 5)))
	svc.Load(ctx)

	likeURI := "at://did:plc:me/app.bsky.feed.like/3rem"
	svc.RemoteLikeCreated(ctx, item(1, 0, 0).URI, likeURI)

	p, _ := svc.State().Find(item(1, 0, 0).URI)
	assert.Equal(t, 6, p.LikeCount)
	_, cached := svc.cache.Lookup(ctx, DefaultQuery)
	assert.False(t, cached)

	svc.RemoteLikeDeleted(ctx, likeURI)
	p, _ = svc.State().Find(item(1, 0, 0).URI)
	assert.Equal(t, 5, p.LikeCount)
}

func TestToggleAfterReloadUnlikes(t *testing.T) {
	svc, pds, _ := newTestService(t)
	ctx := context.Background()
	likeURI := "at://did:plc:me/app.bsky.feed.like/3abc"

	var (
		mu    sync.Mutex
		liked bool
	)
	pds.Handle(getTimeline, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		it := item(1, time.Minute, 5)
		if liked {
			it.Likes, it.Like = 6, likeURI
		}
		blueskytest.WriteJSON(w, http.StatusOK, blueskytest.Page("", it))
	})
	pds.Handle(createRecord, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		liked = true
		mu.Unlock()
		blueskytest.WriteJSON(w, http.StatusOK, map[string]string{"uri": likeURI})
	})
	pds.Handle(deleteRecord, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		liked = false
		mu.Unlock()
		blueskytest.WriteJSON(w, http.StatusOK, map[string]string{})
	})

	uri := item(1, 0, 0).URI
	svc.Load(ctx)
	svc.ToggleLike(ctx, uri)

	snap := svc.Load(ctx)
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, likeURI, snap.Posts[0].LikeRef(), "reload reflects the confirmed like")
	assert.Equal(t, 2, pds.Calls(getTimeline), "the write expired the cached posts")

	svc.ToggleLike(ctx, uri)
	assert.Equal(t, 1, pds.Calls(createRecord))
	require.Len(t, pds.Requests(deleteRecord), 1)
	p, _ := svc.State().Find(uri)
	assert.False(t, p.Liked())
	assert.Equal(t, 5, p.LikeCount)
}

func TestBeginToggleLikeAppliesBeforeWrite(t *testing.T) {
	svc, pds, _ := newTestService(t)
	ctx := context.Background()
	pds.Respond(getTimeline, http.StatusOK, blueskytest.Page("", item(1, time.Minute, 5)))
	pds.Respond(createRecord, http.StatusOK, map[string]string{"uri": "at://did:plc:me/app.bsky.feed.like/3abc"})
	svc.Load(ctx)
	uri := item(1, 0, 0).URI

	commit, ok := svc.BeginToggleLike(uri)
	require.True(t, ok)
	p, _ := svc.State().Find(uri)
	assert.Equal(t, domain.LikePending, p.LikeRef())
	assert.Equal(t, 6, p.LikeCount)
	assert.Zero(t, pds.Calls(createRecord))

	commit(ctx)
	p, _ = svc.State().Find(uri)
	assert.Equal(t, "at://did:plc:me/app.bsky.feed.like/3abc", p.LikeRef())

	_, ok = svc.BeginToggleLike("at://did:plc:bob/app.bsky.feed.post/missing")
	assert.False(t, ok)
}
