package bluesky

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blackmichael/skyfeed/internal/domain"
)

// The wire types below mirror only the lexicon fields the engine consumes.
// Missing optional fields are defaulted here so that business logic never
// deals with partial payloads.

type sessionResponse struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

type profileViewBasic struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Viewer      *struct {
		Following string `json:"following"`
	} `json:"viewer"`
}

type postRecord struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

type embedView struct {
	Type   string `json:"$type"`
	Images []struct {
		Thumb    string `json:"thumb"`
		Fullsize string `json:"fullsize"`
		Alt      string `json:"alt"`
	} `json:"images"`
	External *struct {
		URI         string `json:"uri"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Thumb       string `json:"thumb"`
	} `json:"external"`
	Record *struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	} `json:"record"`
}

type postView struct {
	URI         string           `json:"uri"`
	CID         string           `json:"cid"`
	Author      profileViewBasic `json:"author"`
	Record      *postRecord      `json:"record"`
	Embed       *embedView       `json:"embed"`
	LikeCount   int              `json:"likeCount"`
	RepostCount int              `json:"repostCount"`
	ReplyCount  int              `json:"replyCount"`
	IndexedAt   string           `json:"indexedAt"`
	Viewer      *struct {
		Like string `json:"like"`
	} `json:"viewer"`
}

type feedReason struct {
	Type      string           `json:"$type"`
	By        profileViewBasic `json:"by"`
	IndexedAt string           `json:"indexedAt"`
}

type feedViewPost struct {
	Post   *postView   `json:"post"`
	Reason *feedReason `json:"reason"`
}

type feedResponse struct {
	Feed   []feedViewPost `json:"feed"`
	Cursor string         `json:"cursor"`
}

// Tokens is the identity and token pair returned by session endpoints.
type Tokens struct {
	DID        string
	Handle     string
	AccessJwt  string
	RefreshJwt string
}

// DecodeTokens parses a createSession or refreshSession response.
func DecodeTokens(resp *Response) (Tokens, error) {
	var body sessionResponse
	if err := resp.Decode(&body); err != nil {
		return Tokens{}, err
	}
	if body.AccessJwt == "" || body.RefreshJwt == "" {
		return Tokens{}, fmt.Errorf("session response missing tokens")
	}
	return Tokens(body), nil
}

// FeedPage is one decoded page of feed items.
type FeedPage struct {
	Posts  []domain.Post
	Cursor string
}

// DecodeFeedPage parses a getTimeline, getFeed or getListFeed response.
// Items without a post view are skipped.
func DecodeFeedPage(resp *Response) (FeedPage, error) {
	var body feedResponse
	if err := resp.Decode(&body); err != nil {
		return FeedPage{}, err
	}

	page := FeedPage{
		Posts:  make([]domain.Post, 0, len(body.Feed)),
		Cursor: body.Cursor,
	}
	for _, item := range body.Feed {
		if item.Post == nil || item.Post.URI == "" {
			continue
		}
		page.Posts = append(page.Posts, toPost(item))
	}
	return page, nil
}

func toPost(item feedViewPost) domain.Post {
	pv := item.Post
	post := domain.Post{
		URI:         pv.URI,
		CID:         pv.CID,
		Author:      toAuthor(pv.Author),
		LikeCount:   pv.LikeCount,
		RepostCount: pv.RepostCount,
		ReplyCount:  pv.ReplyCount,
		Embed:       toEmbed(pv.Embed),
	}

	createdAt := pv.IndexedAt
	if pv.Record != nil {
		post.Text = pv.Record.Text
		if pv.Record.CreatedAt != "" {
			createdAt = pv.Record.CreatedAt
		}
	}
	post.CreatedAt = parseTime(createdAt)
	if post.CreatedAt.IsZero() {
		post.CreatedAt = parseTime(pv.IndexedAt)
	}

	if pv.Viewer != nil && pv.Viewer.Like != "" {
		post.Viewer = &domain.ViewerState{Like: pv.Viewer.Like}
	}

	if r := item.Reason; r != nil && strings.HasSuffix(r.Type, "#reasonRepost") {
		post.Reason = &domain.RepostReason{
			By:        toAuthor(r.By),
			IndexedAt: parseTime(r.IndexedAt),
		}
	}
	return post
}

func toAuthor(p profileViewBasic) domain.Author {
	a := domain.Author{
		DID:         p.DID,
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
	}
	if a.DisplayName == "" {
		a.DisplayName = p.Handle
	}
	if p.Viewer != nil {
		a.Following = p.Viewer.Following
	}
	return a
}

func toEmbed(e *embedView) *domain.Embed {
	if e == nil {
		return nil
	}
	out := &domain.Embed{Type: strings.TrimPrefix(e.Type, "app.bsky.embed.")}
	for _, img := range e.Images {
		out.Images = append(out.Images, domain.Image{Thumb: img.Thumb, Fullsize: img.Fullsize, Alt: img.Alt})
	}
	if e.External != nil {
		out.External = &domain.External{
			URI:         e.External.URI,
			Title:       e.External.Title,
			Description: e.External.Description,
			Thumb:       e.External.Thumb,
		}
	}
	if e.Record != nil && e.Record.URI != "" {
		out.Record = &domain.EmbedRecord{URI: e.Record.URI, CID: e.Record.CID}
	}
	return out
}

// parseTime accepts RFC 3339 timestamps with or without fractional seconds.
// Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// DecodeCreatedRecord returns the URI and CID of a createRecord response.
func DecodeCreatedRecord(resp *Response) (uri, cid string, err error) {
	var body strongRef
	if err := resp.Decode(&body); err != nil {
		return "", "", err
	}
	if body.URI == "" {
		return "", "", fmt.Errorf("create record response missing uri")
	}
	return body.URI, body.CID, nil
}

// Saved feed preference types.
const (
	savedFeedsPrefV1 = "app.bsky.actor.defs#savedFeedsPref"
	savedFeedsPrefV2 = "app.bsky.actor.defs#savedFeedsPrefV2"
)

// SavedFeed is one saved feed from the account preferences.
type SavedFeed struct {
	Kind   domain.FeedKind
	URI    string
	Pinned bool
}

// DecodeSavedFeeds extracts the saved feeds from a getPreferences response.
// The v2 block wins; the v1 block is used when v2 is absent. found is false
// when neither block exists.
func DecodeSavedFeeds(resp *Response) (feeds []SavedFeed, found bool, err error) {
	var body struct {
		Preferences []json.RawMessage `json:"preferences"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, false, err
	}

	var v1 *json.RawMessage
	for i, raw := range body.Preferences {
		var head struct {
			Type string `json:"$type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		switch head.Type {
		case savedFeedsPrefV2:
			feeds, err := decodeSavedV2(raw)
			return feeds, err == nil, err
		case savedFeedsPrefV1:
			v1 = &body.Preferences[i]
		}
	}
	if v1 == nil {
		return nil, false, nil
	}
	feeds, err = decodeSavedV1(*v1)
	return feeds, err == nil, err
}

func decodeSavedV2(raw json.RawMessage) ([]SavedFeed, error) {
	var pref struct {
		Items []struct {
			Type   string `json:"type"`
			Value  string `json:"value"`
			Pinned bool   `json:"pinned"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &pref); err != nil {
		return nil, fmt.Errorf("unmarshal saved feeds v2: %w", err)
	}

	feeds := make([]SavedFeed, 0, len(pref.Items))
	for _, item := range pref.Items {
		switch item.Type {
		case "timeline":
			feeds = append(feeds, SavedFeed{Kind: domain.KindTimeline, URI: domain.TimelineSource, Pinned: item.Pinned})
		case "feed":
			feeds = append(feeds, SavedFeed{Kind: domain.KindFeed, URI: item.Value, Pinned: item.Pinned})
		case "list":
			feeds = append(feeds, SavedFeed{Kind: domain.KindList, URI: item.Value, Pinned: item.Pinned})
		}
	}
	return feeds, nil
}

func decodeSavedV1(raw json.RawMessage) ([]SavedFeed, error) {
	var pref struct {
		Pinned []string `json:"pinned"`
		Saved  []string `json:"saved"`
	}
	if err := json.Unmarshal(raw, &pref); err != nil {
		return nil, fmt.Errorf("unmarshal saved feeds v1: %w", err)
	}

	pinned := make(map[string]bool, len(pref.Pinned))
	for _, uri := range pref.Pinned {
		pinned[uri] = true
	}

	feeds := make([]SavedFeed, 0, len(pref.Saved))
	for _, uri := range pref.Saved {
		kind := domain.KindFeed
		if strings.Contains(uri, "app.bsky.graph.list") {
			kind = domain.KindList
		}
		feeds = append(feeds, SavedFeed{Kind: kind, URI: uri, Pinned: pinned[uri]})
	}
	return feeds, nil
}

// DecodeFeedGeneratorNames maps feed generator URIs to display names.
func DecodeFeedGeneratorNames(resp *Response) (map[string]string, error) {
	var body struct {
		Feeds []struct {
			URI         string `json:"uri"`
			DisplayName string `json:"displayName"`
		} `json:"feeds"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	names := make(map[string]string, len(body.Feeds))
	for _, f := range body.Feeds {
		if f.DisplayName != "" {
			names[f.URI] = f.DisplayName
		}
	}
	return names, nil
}

// DecodeListName returns the name of a getList response.
func DecodeListName(resp *Response) (string, error) {
	var body struct {
		List struct {
			Name string `json:"name"`
		} `json:"list"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", err
	}
	return body.List.Name, nil
}
