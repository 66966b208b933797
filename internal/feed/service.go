package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/skyfeed/internal/domain"
)

type options struct {
	cacheTTL time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*options)

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) { o.cacheTTL = d }
}

// WithClock replaces time.Now for windowing, cache ages and like timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Service ties the engine together: preferences select a query, the cache or
// the assembler produce posts, and the result is published to State.
type Service struct {
	state     *State
	assembler *Assembler
	cache     *Cache
	prefs     *Preferences
	catalog   *Catalog
	likes     *Likes
	sessions  SessionSource
	logger    *slog.Logger

	mu         sync.Mutex
	generation uuid.UUID
}

// NewService wires a Service. caller issues authenticated requests, sessions
// yields the live session and kv backs the cache and preferences.
func NewService(caller Caller, sessions SessionSource, kv domain.KeyValueStore, logger *slog.Logger, opts ...Option) *Service {
	o := options{cacheTTL: DefaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	state := NewState()
	assembler := NewAssembler(caller, logger)
	assembler.now = o.now
	cache := NewCache(kv, o.cacheTTL, logger)
	cache.now = o.now
	likes := NewLikes(state, caller, sessions, logger)
	likes.now = o.now

	return &Service{
		state:     state,
		assembler: assembler,
		cache:     cache,
		prefs:     NewPreferences(kv, logger),
		catalog:   NewCatalog(caller, logger),
		likes:     likes,
		sessions:  sessions,
		logger:    logger,
	}
}

// State exposes the observable feed state.
func (s *Service) State() *State {
	return s.state
}

// Preferences exposes the persisted query parameters.
func (s *Service) Preferences() *Preferences {
	return s.prefs
}

// Load produces the feed for the persisted query and publishes it. A fresh
// cache entry is used when present; otherwise the feed is assembled and
// cached. The result of a Load overtaken by a later Load or InvalidateSource
// is discarded. Without a session Load does nothing.
func (s *Service) Load(ctx context.Context) Snapshot {
	session := s.sessions.Current()
	if !session.Valid() {
		return s.state.Snapshot()
	}

	q := s.prefs.Query(ctx)
	gen := s.begin()

	if posts, ok := s.cache.Lookup(ctx, q); ok {
		if s.latest(gen) {
			s.state.publish(q, posts)
		}
		return s.state.Snapshot()
	}

	s.state.setLoading(true)
	posts := s.assembler.Assemble(ctx, q, session)
	if !s.latest(gen) {
		s.logger.Debug("discarding stale feed assembly", "source", q.Source, "window", q.Window)
		return s.state.Snapshot()
	}

	if err := s.cache.Store(ctx, q, posts); err != nil {
		s.logger.Warn("store feed cache failed", "error", err)
	}
	s.state.publish(q, posts)
	return s.state.Snapshot()
}

// InvalidateSource forgets everything tied to the current account: the feed
// source goes back to the timeline and the cache, catalog and feed state are
// dropped. In-flight loads are discarded when they complete.
func (s *Service) InvalidateSource(ctx context.Context) {
	s.begin()
	if err := s.prefs.SetSource(ctx, domain.TimelineSource); err != nil {
		s.logger.Warn("reset feed source failed", "error", err)
	}
	s.cache.Expire(ctx)
	s.catalog.Reset()
	s.state.reset()
}

// ToggleLike flips the like on the post with the given URI.
func (s *Service) ToggleLike(ctx context.Context, uri string) {
	if commit, ok := s.BeginToggleLike(uri); ok {
		commit(ctx)
	}
}

// BeginToggleLike publishes the optimistic like change and returns the remote
// write. The write expires the cache slot when it finishes so the next Load
// refetches viewer state instead of replaying the pre-toggle posts. ok is
// false when there is no session or the post is not in state.
func (s *Service) BeginToggleLike(uri string) (commit func(context.Context), ok bool) {
	write, ok := s.likes.Begin(uri)
	if !ok {
		return nil, false
	}
	return func(ctx context.Context) {
		write(ctx)
		s.cache.Expire(ctx)
	}, true
}

// Feeds returns the catalog of selectable feeds.
func (s *Service) Feeds(ctx context.Context) []domain.FeedCatalogEntry {
	return s.catalog.Load(ctx, s.sessions.Current())
}

// RemoteLikeCreated applies a like made from another client. The cache slot
// is expired so the next Load refetches counts.
func (s *Service) RemoteLikeCreated(ctx context.Context, subjectURI, likeURI string) {
	if s.likes.ReconcileCreated(subjectURI, likeURI) {
		s.logger.Debug("applied remote like", "uri", subjectURI)
	}
	s.cache.Expire(ctx)
}

// RemoteLikeDeleted applies an unlike made from another client.
func (s *Service) RemoteLikeDeleted(ctx context.Context, likeURI string) {
	if s.likes.ReconcileDeleted(likeURI) {
		s.logger.Debug("applied remote unlike", "like", likeURI)
	}
	s.cache.Expire(ctx)
}

func (s *Service) begin() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation = uuid.New()
	return s.generation
}

func (s *Service) latest(gen uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}
