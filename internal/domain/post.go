package domain

import "time"

// LikePending is the viewer like reference held by a post while a like
// record is being created and the provider has not returned its URI yet.
const LikePending = "pending"

// Author is the profile summary attached to a post.
type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`

	// Following is the URI of the viewer's follow record for this author.
	// Empty when the viewer does not follow them.
	Following string `json:"following,omitempty"`
}

// Image is a single image reference inside an embed.
type Image struct {
	Thumb    string `json:"thumb"`
	Fullsize string `json:"fullsize"`
	Alt      string `json:"alt,omitempty"`
}

// External is a link card embed.
type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Thumb       string `json:"thumb,omitempty"`
}

// EmbedRecord references a quoted record.
type EmbedRecord struct {
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
}

// Embed holds the media references of a post. Only references are kept,
// never the media itself.
type Embed struct {
	Type     string       `json:"type"`
	Images   []Image      `json:"images,omitempty"`
	External *External    `json:"external,omitempty"`
	Record   *EmbedRecord `json:"record,omitempty"`
}

// RepostReason records who surfaced a post into the feed by reposting it.
type RepostReason struct {
	By        Author    `json:"by"`
	IndexedAt time.Time `json:"indexedAt"`
}

// ViewerState is the current account's relationship to a post.
type ViewerState struct {
	// Like is the AT-URI of the viewer's like record, LikePending while a
	// like is in flight, or empty.
	Like string `json:"like,omitempty"`
}

// Post is a snapshot of a post as returned by the provider. Only
// Viewer.Like and LikeCount are ever changed locally.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string `json:"uri"`

	// CID is the content identifier of the record.
	CID string `json:"cid"`

	Author      Author        `json:"author"`
	Text        string        `json:"text"`
	CreatedAt   time.Time     `json:"createdAt"`
	LikeCount   int           `json:"likeCount"`
	RepostCount int           `json:"repostCount"`
	ReplyCount  int           `json:"replyCount"`
	Embed       *Embed        `json:"embed,omitempty"`
	Reason      *RepostReason `json:"reason,omitempty"`
	Viewer      *ViewerState  `json:"viewer,omitempty"`
}

// IsRepost reports whether the post entered the feed through a repost.
func (p *Post) IsRepost() bool {
	return p.Reason != nil
}

// LikeRef returns the viewer's like reference, or an empty string.
func (p *Post) LikeRef() string {
	if p.Viewer == nil {
		return ""
	}
	return p.Viewer.Like
}

// Liked reports whether the viewer has liked the post, including a like
// that is still pending.
func (p *Post) Liked() bool {
	return p.LikeRef() != ""
}

// EngagementScore is likes + 2×reposts + replies.
func (p *Post) EngagementScore() int {
	return p.LikeCount + 2*p.RepostCount + p.ReplyCount
}

// Clone returns a deep copy so that local mutations never alias a snapshot.
func (p Post) Clone() Post {
	if p.Viewer != nil {
		v := *p.Viewer
		p.Viewer = &v
	}
	if p.Reason != nil {
		r := *p.Reason
		p.Reason = &r
	}
	if p.Embed != nil {
		e := *p.Embed
		e.Images = append([]Image(nil), p.Embed.Images...)
		if e.External != nil {
			x := *e.External
			e.External = &x
		}
		if e.Record != nil {
			r := *e.Record
			e.Record = &r
		}
		p.Embed = &e
	}
	return p
}
