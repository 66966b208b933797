// Package firehose watches Jetstream for likes the account makes from other
// clients and feeds them back into the engine.
package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/metrics"
)

const (
	// DefaultURL is the public Jetstream endpoint.
	DefaultURL = "wss://jetstream1.us-east.bsky.network/subscribe"

	cursorKey          = "bluesky.firehoseCursor"
	cursorSaveInterval = 5 * time.Second
)

var errNoSession = errors.New("no session to watch")

// LikeHandler receives likes observed on the firehose. feed.Service
// implements it.
type LikeHandler interface {
	RemoteLikeCreated(ctx context.Context, subjectURI, likeURI string)
	RemoteLikeDeleted(ctx context.Context, likeURI string)
}

// SessionSource yields the account to watch.
type SessionSource interface {
	Current() *domain.Session
}

// Subscriber connects to the Jetstream firehose and processes like events
// for the current account.
type Subscriber struct {
	url      string
	sessions SessionSource
	handler  LikeHandler
	kv       domain.KeyValueStore
	logger   *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubscriber creates a new firehose subscriber. An empty firehoseURL uses
// DefaultURL.
func NewSubscriber(
	firehoseURL string,
	sessions SessionSource,
	handler LikeHandler,
	kv domain.KeyValueStore,
	logger *slog.Logger,
) *Subscriber {
	if firehoseURL == "" {
		firehoseURL = DefaultURL
	}
	return &Subscriber{
		url:            firehoseURL,
		sessions:       sessions,
		handler:        handler,
		kv:             kv,
		logger:         logger,
		initialBackoff: time.Second,
		maxBackoff:     2 * time.Minute,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. Disconnects and missing sessions are retried with exponential
// backoff.
func (s *Subscriber) Start(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initialBackoff
	exp.MaxInterval = s.maxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()

	for {
		connected, err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			exp.Reset()
		}

		wait := exp.NextBackOff()
		if errors.Is(err, errNoSession) {
			s.logger.Debug("firehose idle until a session exists", "retry_in", wait)
		} else {
			s.logger.Error("firehose connection error, reconnecting", "error", err, "retry_in", wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) buildURL(did string, cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	q.Set("wantedCollections", likeCollection)
	q.Set("wantedDids", did)
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// subscribe runs one connection. connected reports whether the dial
// succeeded.
func (s *Subscriber) subscribe(ctx context.Context) (connected bool, err error) {
	session := s.sessions.Current()
	if !session.Valid() {
		return false, errNoSession
	}
	did := session.DID

	wsURL := s.buildURL(did, s.loadCursor(ctx))
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not observe ctx.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to firehose", "did", did)

	var latestCursor int64
	lastCursorSave := time.Now()
	defer func() {
		if latestCursor > 0 {
			s.saveCursor(context.WithoutCancel(ctx), latestCursor)
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}

		if cursor := s.handleMessage(ctx, did, message); cursor > 0 {
			latestCursor = cursor
		}

		if latestCursor > 0 && time.Since(lastCursorSave) >= cursorSaveInterval {
			s.saveCursor(ctx, latestCursor)
			lastCursorSave = time.Now()
		}
	}
}

// handleMessage applies one Jetstream message and returns its cursor, or 0
// when the message could not be parsed.
func (s *Subscriber) handleMessage(ctx context.Context, did string, message []byte) int64 {
	event, err := parseEvent(message)
	if err != nil {
		s.logger.Error("failed to parse event", "error", err)
		return 0
	}
	if event.Kind != "commit" || event.Commit == nil {
		return event.TimeUS
	}

	commit := event.Commit
	if commit.Collection != likeCollection || event.DID != did {
		return event.TimeUS
	}

	likeURI := event.likeURI()
	switch commit.Operation {
	case "create":
		if commit.Record == nil || commit.Record.Subject.URI == "" {
			return event.TimeUS
		}
		s.logger.Debug("like observed", "like", likeURI, "subject", commit.Record.Subject.URI)
		s.handler.RemoteLikeCreated(ctx, commit.Record.Subject.URI, likeURI)
	case "delete":
		s.logger.Debug("unlike observed", "like", likeURI)
		s.handler.RemoteLikeDeleted(ctx, likeURI)
	default:
		return event.TimeUS
	}
	metrics.FirehoseEvents.WithLabelValues(commit.Operation).Inc()
	return event.TimeUS
}

func (s *Subscriber) loadCursor(ctx context.Context) int64 {
	raw, found, err := s.kv.Get(ctx, cursorKey)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
		return 0
	}
	if !found {
		return 0
	}
	cursor, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}

func (s *Subscriber) saveCursor(ctx context.Context, cursor int64) {
	if err := s.kv.Set(ctx, cursorKey, []byte(strconv.FormatInt(cursor, 10))); err != nil {
		s.logger.Error("failed to save cursor", "error", err)
	}
}
