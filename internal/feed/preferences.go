package feed

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/blackmichael/skyfeed/internal/domain"
)

// Each query parameter is persisted under its own key so a restart resumes
// the last configuration.
const (
	sourceKey      = "bluesky.feed"
	windowKey      = "bluesky.window"
	showRepostsKey = "bluesky.showReposts"
	weightedKey    = "bluesky.weighted"
)

// DefaultQuery is the configuration used before anything is persisted.
var DefaultQuery = domain.FeedQuery{
	Source:      domain.TimelineSource,
	Window:      domain.Window24h,
	ShowReposts: true,
	Weighted:    false,
}

// Preferences persists the feed query parameters.
type Preferences struct {
	kv     domain.KeyValueStore
	logger *slog.Logger
}

// NewPreferences creates Preferences backed by kv.
func NewPreferences(kv domain.KeyValueStore, logger *slog.Logger) *Preferences {
	return &Preferences{kv: kv, logger: logger}
}

// Query reads the persisted parameters. Missing or unreadable values take
// their DefaultQuery value.
func (p *Preferences) Query(ctx context.Context) domain.FeedQuery {
	q := DefaultQuery
	if v, ok := p.get(ctx, sourceKey); ok && v != "" {
		q.Source = v
	}
	if v, ok := p.get(ctx, windowKey); ok {
		q.Window = domain.ParseTimeWindow(v)
	}
	if v, ok := p.get(ctx, showRepostsKey); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			q.ShowReposts = b
		}
	}
	if v, ok := p.get(ctx, weightedKey); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			q.Weighted = b
		}
	}
	return q
}

// SetSource persists the feed source. An empty source selects the timeline.
func (p *Preferences) SetSource(ctx context.Context, source string) error {
	if source == "" {
		source = domain.TimelineSource
	}
	return p.kv.Set(ctx, sourceKey, []byte(source))
}

// SetWindow persists the time window.
func (p *Preferences) SetWindow(ctx context.Context, w domain.TimeWindow) error {
	return p.kv.Set(ctx, windowKey, []byte(domain.ParseTimeWindow(string(w))))
}

// SetShowReposts persists the show-reposts flag.
func (p *Preferences) SetShowReposts(ctx context.Context, show bool) error {
	return p.kv.Set(ctx, showRepostsKey, []byte(strconv.FormatBool(show)))
}

// SetWeighted persists the weighted-ranking flag.
func (p *Preferences) SetWeighted(ctx context.Context, weighted bool) error {
	return p.kv.Set(ctx, weightedKey, []byte(strconv.FormatBool(weighted)))
}

// Save persists every parameter of q.
func (p *Preferences) Save(ctx context.Context, q domain.FeedQuery) error {
	if err := p.SetSource(ctx, q.Source); err != nil {
		return err
	}
	if err := p.SetWindow(ctx, q.Window); err != nil {
		return err
	}
	if err := p.SetShowReposts(ctx, q.ShowReposts); err != nil {
		return err
	}
	return p.SetWeighted(ctx, q.Weighted)
}

func (p *Preferences) get(ctx context.Context, key string) (string, bool) {
	raw, found, err := p.kv.Get(ctx, key)
	if err != nil {
		p.logger.Warn("read preference failed", "key", key, "error", err)
		return "", false
	}
	return string(raw), found
}
