// Package auth owns the account session: creating it, persisting it,
// refreshing its tokens and checking that it is still accepted.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/metrics"
)

const sessionKey = "bluesky.session"

// Store is the credential store. At most one session is live at a time.
type Store struct {
	client *bluesky.Client
	kv     domain.KeyValueStore
	logger *slog.Logger

	// refreshMu serializes refreshes so a rotated refresh token is never
	// presented twice.
	refreshMu sync.Mutex

	mu        sync.Mutex
	current   *domain.Session
	observers []func(*domain.Session)
}

// NewStore creates a Store persisting to kv.
func NewStore(client *bluesky.Client, kv domain.KeyValueStore, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		kv:     kv,
		logger: logger,
	}
}

// OnChange registers fn to be called with the new session after a connect,
// or with nil after the session is cleared. Connecting a different account
// over a live one delivers nil before the new session.
func (s *Store) OnChange(fn func(*domain.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Current returns a copy of the live session, or nil.
func (s *Store) Current() *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// Authenticate creates a session from an identifier and app password and
// persists it. Failures are *AuthError; nothing is persisted on failure.
func (s *Store) Authenticate(ctx context.Context, identifier, secret string) (*domain.Session, error) {
	resp, err := s.client.Send(ctx, bluesky.CreateSessionRequest(identifier, secret), "")
	if err != nil {
		s.logger.Warn("create session failed", "identifier", identifier, "error", err)
		return nil, &AuthError{Kind: Unknown}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Kind: InvalidCredential, Message: resp.Message()}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &AuthError{Kind: RateLimited, Message: resp.Message()}
	case !resp.OK():
		s.logger.Warn("create session rejected", "identifier", identifier, "status", resp.StatusCode)
		return nil, &AuthError{Kind: Unknown, Message: resp.Message()}
	}

	tokens, err := bluesky.DecodeTokens(resp)
	if err != nil {
		return nil, &AuthError{Kind: Unknown, Message: err.Error()}
	}

	session := &domain.Session{
		DID:        tokens.DID,
		Handle:     tokens.Handle,
		AccessJwt:  tokens.AccessJwt,
		RefreshJwt: tokens.RefreshJwt,
		PDSURL:     s.client.PDS(),
	}
	prev := s.Current()
	if prev == nil {
		prev, _ = s.LoadPersisted(ctx)
	}
	if err := s.save(ctx, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	s.logger.Info("session created", "did", session.DID, "handle", session.Handle)
	if prev != nil && prev.DID != session.DID {
		// Observers drop everything tied to the previous account first.
		s.logger.Info("account switched", "from", prev.DID, "to", session.DID)
		s.notify(nil)
	}
	s.notify(session)
	cp := *session
	return &cp, nil
}

// LoadPersisted reads the persisted session. Absent, unreadable or corrupt
// state yields false, never an error.
func (s *Store) LoadPersisted(ctx context.Context) (*domain.Session, bool) {
	raw, found, err := s.kv.Get(ctx, sessionKey)
	if err != nil {
		s.logger.Warn("read persisted session failed", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil || !session.Valid() {
		s.logger.Warn("discarding corrupt persisted session", "error", err)
		return nil, false
	}
	return &session, true
}

// Refresh exchanges the refresh token for a new token pair. When the provider
// rejects the token the persisted session is cleared and ErrSessionExpired is
// returned. A network failure is returned wrapped and leaves state alone.
func (s *Store) Refresh(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	if !session.Valid() {
		return nil, ErrNoSession
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have rotated the tokens while we waited.
	if cur := s.Current(); cur != nil && cur.DID == session.DID && cur.RefreshJwt != session.RefreshJwt {
		metrics.SessionRefreshes.WithLabelValues("shared").Inc()
		return cur, nil
	}

	resp, err := s.client.Send(ctx, bluesky.RefreshSessionRequest().On(session.PDSURL), session.RefreshJwt)
	if err != nil {
		metrics.SessionRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if !resp.OK() {
		metrics.SessionRefreshes.WithLabelValues("rejected").Inc()
		s.logger.Info("refresh rejected, clearing session", "did", session.DID, "status", resp.StatusCode)
		s.Clear(ctx)
		return nil, ErrSessionExpired
	}

	tokens, err := bluesky.DecodeTokens(resp)
	if err != nil {
		metrics.SessionRefreshes.WithLabelValues("rejected").Inc()
		s.Clear(ctx)
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	updated := *session
	updated.AccessJwt = tokens.AccessJwt
	updated.RefreshJwt = tokens.RefreshJwt
	if err := s.save(ctx, &updated); err != nil {
		s.logger.Warn("persist refreshed session failed", "did", updated.DID, "error", err)
		s.setCurrent(&updated)
	}

	metrics.SessionRefreshes.WithLabelValues("ok").Inc()
	s.logger.Debug("session refreshed", "did", updated.DID)
	cp := updated
	return &cp, nil
}

// EnsureValid returns the persisted session after probing it with an
// authenticated profile fetch. An auth-type probe failure triggers a refresh.
// Any other probe failure returns ErrNoSession without touching state.
func (s *Store) EnsureValid(ctx context.Context) (*domain.Session, error) {
	session, ok := s.LoadPersisted(ctx)
	if !ok {
		return nil, ErrNoSession
	}

	resp, err := s.client.Send(ctx, bluesky.ProfileRequest(session.DID).On(session.PDSURL), session.AccessJwt)
	if err != nil {
		return nil, fmt.Errorf("%w: probe: %v", ErrNoSession, err)
	}

	switch {
	case resp.OK():
		s.setCurrent(session)
		return session, nil
	case resp.AuthExpired():
		refreshed, err := s.Refresh(ctx, session)
		if err != nil {
			return nil, err
		}
		s.setCurrent(refreshed)
		return refreshed, nil
	default:
		return nil, fmt.Errorf("%w: probe status %d", ErrNoSession, resp.StatusCode)
	}
}

// Clear removes the persisted session unconditionally.
func (s *Store) Clear(ctx context.Context) {
	if err := s.kv.Delete(ctx, sessionKey); err != nil {
		s.logger.Warn("delete persisted session failed", "error", err)
	}

	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	s.mu.Unlock()

	if had {
		s.logger.Info("session cleared")
	}
	s.notify(nil)
}

func (s *Store) save(ctx context.Context, session *domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey, raw); err != nil {
		return err
	}
	s.setCurrent(session)
	return nil
}

func (s *Store) setCurrent(session *domain.Session) {
	cp := *session
	s.mu.Lock()
	s.current = &cp
	s.mu.Unlock()
}

func (s *Store) notify(session *domain.Session) {
	s.mu.Lock()
	observers := append([]func(*domain.Session){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		if session == nil {
			fn(nil)
			continue
		}
		cp := *session
		fn(&cp)
	}
}
