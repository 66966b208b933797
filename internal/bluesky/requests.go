package bluesky

import (
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Collection NSIDs used by the engine.
const (
	LikeCollection = "app.bsky.feed.like"
	PostCollection = "app.bsky.feed.post"
)

// CreateSessionRequest exchanges an identifier and app password for a session.
func CreateSessionRequest(identifier, password string) Request {
	return Request{
		Method: http.MethodPost,
		NSID:   "com.atproto.server.createSession",
		Body: map[string]string{
			"identifier": identifier,
			"password":   password,
		},
	}
}

// RefreshSessionRequest must be sent with the refresh token as bearer.
func RefreshSessionRequest() Request {
	return Request{Method: http.MethodPost, NSID: "com.atproto.server.refreshSession"}
}

// ProfileRequest fetches a profile. The engine uses it as a validity probe.
func ProfileRequest(actor string) Request {
	return Request{
		NSID:  "app.bsky.actor.getProfile",
		Query: url.Values{"actor": {actor}},
	}
}

// TimelineRequest fetches one page of the personal timeline.
func TimelineRequest(cursor string, limit int) Request {
	return Request{NSID: "app.bsky.feed.getTimeline", Query: pageQuery(nil, cursor, limit)}
}

// FeedRequest fetches one page of a feed generator.
func FeedRequest(feedURI, cursor string, limit int) Request {
	return Request{
		NSID:  "app.bsky.feed.getFeed",
		Query: pageQuery(url.Values{"feed": {feedURI}}, cursor, limit),
	}
}

// ListFeedRequest fetches one page of posts from list members.
func ListFeedRequest(listURI, cursor string, limit int) Request {
	return Request{
		NSID:  "app.bsky.feed.getListFeed",
		Query: pageQuery(url.Values{"list": {listURI}}, cursor, limit),
	}
}

// PreferencesRequest fetches the account's private preferences.
func PreferencesRequest() Request {
	return Request{NSID: "app.bsky.actor.getPreferences"}
}

// FeedGeneratorsRequest resolves feed generator views for the given URIs.
func FeedGeneratorsRequest(feedURIs []string) Request {
	return Request{
		NSID:  "app.bsky.feed.getFeedGenerators",
		Query: url.Values{"feeds": feedURIs},
	}
}

// ListRequest resolves a list view. limit=1 keeps the member page small.
func ListRequest(listURI string) Request {
	return Request{
		NSID:  "app.bsky.graph.getList",
		Query: url.Values{"list": {listURI}, "limit": {"1"}},
	}
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type likeRecord struct {
	Type      string    `json:"$type"`
	Subject   strongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// CreateLikeRequest creates a like record for the subject post in repo.
func CreateLikeRequest(repo, subjectURI, subjectCID string, createdAt time.Time) Request {
	return Request{
		Method: http.MethodPost,
		NSID:   "com.atproto.repo.createRecord",
		Body: createRecordRequest{
			Repo:       repo,
			Collection: LikeCollection,
			Record: likeRecord{
				Type:      LikeCollection,
				Subject:   strongRef{URI: subjectURI, CID: subjectCID},
				CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
			},
		},
	}
}

// DeleteLikeRequest deletes the like record with the given record key.
func DeleteLikeRequest(repo, rkey string) Request {
	return Request{
		Method: http.MethodPost,
		NSID:   "com.atproto.repo.deleteRecord",
		Body: deleteRecordRequest{
			Repo:       repo,
			Collection: LikeCollection,
			RKey:       rkey,
		},
	}
}

func pageQuery(q url.Values, cursor string, limit int) url.Values {
	if q == nil {
		q = url.Values{}
	}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q
}
