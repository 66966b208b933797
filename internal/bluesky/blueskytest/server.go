// Package blueskytest provides an in-process fake PDS for tests.
package blueskytest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blackmichael/skyfeed/internal/bluesky"
)

// Recorded is one request the fake PDS received.
type Recorded struct {
	NSID  string
	Auth  string
	Query url.Values
	Body  []byte
}

// Token returns the bearer token of the request, if any.
func (r Recorded) Token() string {
	return strings.TrimPrefix(r.Auth, "Bearer ")
}

// Server is a fake PDS that routes /xrpc/<nsid> to registered handlers.
// Unregistered NSIDs answer 501.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []Recorded
}

// NewServer starts a fake PDS that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{handlers: make(map[string]http.HandlerFunc)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle registers h for nsid, replacing any previous handler.
func (s *Server) Handle(nsid string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[nsid] = h
}

// Respond registers a handler that always writes status and body.
func (s *Server) Respond(nsid string, status int, body any) {
	s.Handle(nsid, func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, status, body)
	})
}

// Client returns a bluesky.Client pointed at the fake.
func (s *Server) Client() *bluesky.Client {
	return bluesky.NewClient(s.URL, bluesky.WithHTTPClient(s.Server.Client()))
}

// Requests returns the recorded requests for nsid in arrival order.
func (s *Server) Requests(nsid string) []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Recorded
	for _, r := range s.requests {
		if r.NSID == nsid {
			out = append(out, r)
		}
	}
	return out
}

// Calls returns how many requests for nsid were received.
func (s *Server) Calls(nsid string) int {
	return len(s.Requests(nsid))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	nsid := strings.TrimPrefix(r.URL.Path, "/xrpc/")
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, Recorded{
		NSID:  nsid,
		Auth:  r.Header.Get("Authorization"),
		Query: r.URL.Query(),
		Body:  body,
	})
	h, ok := s.handlers[nsid]
	s.mu.Unlock()

	if !ok {
		WriteJSON(w, http.StatusNotImplemented, map[string]string{"error": "MethodNotImplemented"})
		return
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	h(w, r)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Item describes one feed item served by the fake.
type Item struct {
	URI        string
	CID        string
	AuthorDID  string
	Handle     string
	Followed   bool
	Text       string
	CreatedAt  time.Time
	Likes      int
	Reposts    int
	Replies    int
	RepostedBy string
	Like       string
}

// JSON renders the item as an app.bsky.feed.defs#feedViewPost.
func (i Item) JSON() map[string]any {
	author := map[string]any{
		"did":    i.AuthorDID,
		"handle": i.Handle,
	}
	if i.Followed {
		author["viewer"] = map[string]any{"following": "at://did:plc:me/app.bsky.graph.follow/" + i.Handle}
	}
	post := map[string]any{
		"uri":    i.URI,
		"cid":    i.CID,
		"author": author,
		"record": map[string]any{
			"$type":     "app.bsky.feed.post",
			"text":      i.Text,
			"createdAt": i.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		"likeCount":   i.Likes,
		"repostCount": i.Reposts,
		"replyCount":  i.Replies,
		"indexedAt":   i.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if i.Like != "" {
		post["viewer"] = map[string]any{"like": i.Like}
	}
	out := map[string]any{"post": post}
	if i.RepostedBy != "" {
		out["reason"] = map[string]any{
			"$type":     "app.bsky.feed.defs#reasonRepost",
			"by":        map[string]any{"did": "did:plc:" + i.RepostedBy, "handle": i.RepostedBy},
			"indexedAt": i.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}

// Page renders a feed response body. An empty cursor omits the field.
func Page(cursor string, items ...Item) map[string]any {
	feed := make([]map[string]any, len(items))
	for i, it := range items {
		feed[i] = it.JSON()
	}
	body := map[string]any{"feed": feed}
	if cursor != "" {
		body["cursor"] = cursor
	}
	return body
}
