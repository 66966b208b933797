package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/skyfeed/internal/auth"
	"github.com/blackmichael/skyfeed/internal/bluesky/blueskytest"
	"github.com/blackmichael/skyfeed/internal/config"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/feed"
	"github.com/blackmichael/skyfeed/internal/memstore"
	"github.com/blackmichael/skyfeed/internal/transport"
)

const postURI = "at://did:plc:bob/app.bsky.feed.post/1"

type testEnv struct {
	pds     *blueskytest.Server
	handler http.Handler
	store   *auth.Store
	engine  *feed.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pds := blueskytest.NewServer(t)
	client := pds.Client()
	kv := memstore.New()

	store := auth.NewStore(client, kv, logger)
	engine := feed.NewService(transport.New(client, store, logger), store, kv, logger)
	store.OnChange(func(s *domain.Session) {
		if s == nil {
			engine.InvalidateSource(context.Background())
		}
	})

	pds.Respond("com.atproto.server.createSession", http.StatusOK, map[string]string{
		"did": "did:plc:me", "handle": "me.test", "accessJwt": "a1", "refreshJwt": "r1",
	})
	pds.Respond("app.bsky.feed.getTimeline", http.StatusOK, blueskytest.Page("", blueskytest.Item{
		URI:       postURI,
		CID:       "cid1",
		AuthorDID: "did:plc:bob",
		Handle:    "bob.test",
		Followed:  true,
		CreatedAt: time.Now().Add(-time.Minute),
		Likes:     5,
	}))

	srv := NewServer(&config.Config{Port: 3000}, store, engine, logger)
	return &testEnv{pds: pds, handler: srv.Handler(), store: store, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/session", `{"identifier":"@me.test","password":"app-pass"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestConnectAndSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/session", "")
	assert.JSONEq(t, `{"connected":false}`, rec.Body.String())

	env.connect(t)

	rec = env.do(t, http.MethodGet, "/api/session", "")
	assert.JSONEq(t, `{"connected":true,"did":"did:plc:me","handle":"me.test"}`, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(env.pds.Requests("com.atproto.server.createSession")[0].Body, &body))
	assert.Equal(t, "me.test", body["identifier"], "leading @ is stripped")
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    int
		message string
	}{
		{"invalid credential", http.StatusUnauthorized, http.StatusUnauthorized, "Invalid handle or app password"},
		{"rate limited", http.StatusTooManyRequests, http.StatusTooManyRequests, "Too many attempts. Please try again later."},
		{"provider failure", http.StatusInternalServerError, http.StatusBadGateway, "Authentication failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.pds.Respond("com.atproto.server.createSession", tc.status, map[string]string{"error": "X"})

			rec := env.do(t, http.MethodPost, "/api/session", `{"identifier":"me.test","password":"bad"}`)
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, tc.message, decode[map[string]string](t, rec)["message"])
		})
	}
}

func TestConnectValidation(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/session", `nope`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/session", `{"identifier":"me.test"}`).Code)
}

func TestLoadFeedRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/feed/load", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.pds.Calls("app.bsky.feed.getTimeline"))
}

func TestLoadFeed(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := env.do(t, http.MethodPost, "/api/feed/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[feed.Snapshot](t, rec)
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, postURI, snap.Posts[0].URI)

	rec = env.do(t, http.MethodGet, "/api/feed", "")
	assert.Len(t, decode[feed.Snapshot](t, rec).Posts, 1)
}

func TestPreferences(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/preferences", `{"window":"7d","weighted":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[domain.FeedQuery](t, rec)
	assert.Equal(t, domain.FeedQuery{Source: domain.TimelineSource, Window: domain.Window7d, ShowReposts: true, Weighted: true}, q)

	rec = env.do(t, http.MethodGet, "/api/preferences", "")
	assert.Equal(t, q, decode[domain.FeedQuery](t, rec))

	rec = env.do(t, http.MethodPut, "/api/preferences", `{"window":"1y"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFeeds(t *testing.T) {
	env := newTestEnv(t)
	env.pds.Respond("app.bsky.actor.getPreferences", http.StatusOK, map[string]any{"preferences": []any{}})
	env.connect(t)

	rec := env.do(t, http.MethodGet, "/api/feeds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Feeds []domain.FeedCatalogEntry `json:"feeds"`
	}](t, rec)
	assert.Equal(t, []domain.FeedCatalogEntry{domain.TimelineEntry()}, body.Feeds)
}

func TestToggleLike(t *testing.T) {
	env := newTestEnv(t)
	env.pds.Respond("com.atproto.repo.createRecord", http.StatusOK, map[string]string{
		"uri": "at://did:plc:me/app.bsky.feed.like/3abc",
	})
	env.connect(t)
	env.do(t, http.MethodPost, "/api/feed/load", "")

	rec := env.do(t, http.MethodPost, "/api/likes", `{"uri":"`+postURI+`"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		p, _ := env.engine.State().Find(postURI)
		return p.LikeRef() == "at://did:plc:me/app.bsky.feed.like/3abc"
	}, time.Second, 10*time.Millisecond)

	p, _ := env.engine.State().Find(postURI)
	assert.Equal(t, 6, p.LikeCount)
}

func TestToggleLikeVisibleOnAccept(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.pds.Handle("com.atproto.repo.createRecord", func(w http.ResponseWriter, _ *http.Request) {
		<-release
		blueskytest.WriteJSON(w, http.StatusOK, map[string]string{"uri": "at://did:plc:me/app.bsky.feed.like/3abc"})
	})
	env.connect(t)
	env.do(t, http.MethodPost, "/api/feed/load", "")

	rec := env.do(t, http.MethodPost, "/api/likes", `{"uri":"`+postURI+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	snap := decode[feed.Snapshot](t, env.do(t, http.MethodGet, "/api/feed", ""))
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, 6, snap.Posts[0].LikeCount)
	assert.Equal(t, domain.LikePending, snap.Posts[0].LikeRef())

	close(release)
	assert.Eventually(t, func() bool {
		p, _ := env.engine.State().Find(postURI)
		return p.LikeRef() == "at://did:plc:me/app.bsky.feed.like/3abc"
	}, time.Second, 10*time.Millisecond)
}

func TestToggleLikeUnknownPost(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := env.do(t, http.MethodPost, "/api/likes", `{"uri":"at://nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/likes", `{}`).Code)
}

func TestDisconnectInvalidatesSource(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.do(t, http.MethodPut, "/api/preferences", `{"source":"at://did:plc:gen/app.bsky.feed.generator/cats"}`)

	rec := env.do(t, http.MethodDelete, "/api/session", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Nil(t, env.store.Current())
	q := decode[domain.FeedQuery](t, env.do(t, http.MethodGet, "/api/preferences", ""))
	assert.Equal(t, domain.TimelineSource, q.Source)
}
