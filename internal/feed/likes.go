package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/metrics"
)

// SessionSource yields the live session. auth.Store implements it.
type SessionSource interface {
	Current() *domain.Session
}

// Likes applies optimistic like and unlike mutations to the feed state.
type Likes struct {
	state    *State
	caller   Caller
	sessions SessionSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewLikes creates a Likes bound to state.
func NewLikes(state *State, caller Caller, sessions SessionSource, logger *slog.Logger) *Likes {
	return &Likes{
		state:    state,
		caller:   caller,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// Toggle flips the viewer's like on the post with the given URI. The local
// change is published before the remote write is issued. On any failure the
// post is restored to what it was when Toggle started. Toggle does nothing
// when there is no session or the post is not in state.
func (l *Likes) Toggle(ctx context.Context, uri string) {
	if commit, ok := l.Begin(uri); ok {
		commit(ctx)
	}
}

// Begin applies the optimistic half of Toggle and returns the remote write
// that settles it. ok is false when there is no session or the post is not in
// state; nothing is changed then.
func (l *Likes) Begin(uri string) (commit func(context.Context), ok bool) {
	session := l.sessions.Current()
	if !session.Valid() {
		return nil, false
	}

	var wasLiked bool
	before, ok := l.state.mutate(uri, func(p *domain.Post) {
		wasLiked = p.Liked()
		if wasLiked {
			p.LikeCount--
			p.Viewer.Like = ""
			return
		}
		p.LikeCount++
		if p.Viewer == nil {
			p.Viewer = &domain.ViewerState{}
		}
		p.Viewer.Like = domain.LikePending
	})
	if !ok {
		l.logger.Debug("toggle like on post not in feed", "uri", uri)
		return nil, false
	}

	if wasLiked {
		return func(ctx context.Context) { l.unlike(ctx, session, before) }, true
	}
	return func(ctx context.Context) { l.like(ctx, session, before) }, true
}

func (l *Likes) like(ctx context.Context, session *domain.Session, before domain.Post) {
	likeURI, err := l.createLike(ctx, session, before)
	if err != nil {
		l.logger.Warn("like failed, reverting", "uri", before.URI, "error", err)
		l.state.replace(before)
		metrics.LikeMutations.WithLabelValues("like", "reverted").Inc()
		return
	}

	// An unlike issued while the create was in flight owns the entry now. The
	// record just created is removed so the remote matches it.
	var superseded bool
	l.state.update(before.URI, func(p *domain.Post) bool {
		switch p.LikeRef() {
		case domain.LikePending:
			p.Viewer.Like = likeURI
			return true
		case likeURI:
			// Echoed back by the firehose after the unlike.
			superseded = true
			p.Viewer.Like = ""
			p.LikeCount--
			return true
		default:
			superseded = true
			return false
		}
	})
	if !superseded {
		metrics.LikeMutations.WithLabelValues("like", "ok").Inc()
		return
	}

	metrics.LikeMutations.WithLabelValues("like", "superseded").Inc()
	if err := l.deleteLike(ctx, session, likeURI); err != nil {
		l.logger.Warn("delete superseded like failed", "uri", before.URI, "like", likeURI, "error", err)
	}
}

func (l *Likes) unlike(ctx context.Context, session *domain.Session, before domain.Post) {
	ref := before.LikeRef()
	if ref == domain.LikePending {
		// No record exists yet. The in-flight create deletes what it makes.
		metrics.LikeMutations.WithLabelValues("unlike", "ok").Inc()
		return
	}

	if err := l.deleteLike(ctx, session, ref); err != nil {
		l.logger.Warn("unlike failed, reverting", "uri", before.URI, "error", err)
		l.state.replace(before)
		metrics.LikeMutations.WithLabelValues("unlike", "reverted").Inc()
		return
	}
	metrics.LikeMutations.WithLabelValues("unlike", "ok").Inc()
}

func (l *Likes) createLike(ctx context.Context, session *domain.Session, post domain.Post) (string, error) {
	resp, err := l.caller.Call(ctx, bluesky.CreateLikeRequest(session.DID, post.URI, post.CID, l.now()), session)
	if err != nil {
		return "", fmt.Errorf("create like record: %w", err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("create like record: status %d: %s", resp.StatusCode, resp.Message())
	}
	likeURI, _, err := bluesky.DecodeCreatedRecord(resp)
	if err != nil {
		return "", fmt.Errorf("decode created like: %w", err)
	}
	return likeURI, nil
}

func (l *Likes) deleteLike(ctx context.Context, session *domain.Session, likeURI string) error {
	resp, err := l.caller.Call(ctx, bluesky.DeleteLikeRequest(session.DID, domain.RecordKey(likeURI)), session)
	if err != nil {
		return fmt.Errorf("delete like record: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("delete like record: status %d: %s", resp.StatusCode, resp.Message())
	}
	return nil
}

// ReconcileCreated records a like made elsewhere on subjectURI. It reports
// whether the state changed. Posts already liked or pending are left alone.
func (l *Likes) ReconcileCreated(subjectURI, likeURI string) bool {
	_, changed := l.state.update(subjectURI, func(p *domain.Post) bool {
		if p.Liked() {
			return false
		}
		if p.Viewer == nil {
			p.Viewer = &domain.ViewerState{}
		}
		p.Viewer.Like = likeURI
		p.LikeCount++
		return true
	})
	return changed
}

// ReconcileDeleted clears the like whose record URI is likeURI. It reports
// whether the state changed.
func (l *Likes) ReconcileDeleted(likeURI string) bool {
	if likeURI == "" || likeURI == domain.LikePending {
		return false
	}
	for _, p := range l.state.Snapshot().Posts {
		if p.LikeRef() != likeURI {
			continue
		}
		_, changed := l.state.update(p.URI, func(p *domain.Post) bool {
			if p.LikeRef() != likeURI {
				return false
			}
			p.Viewer.Like = ""
			p.LikeCount--
			return true
		})
		return changed
	}
	return false
}
