package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/skyfeed/internal/bluesky/blueskytest"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/memstore"
)

const (
	createSession  = "com.atproto.server.createSession"
	refreshSession = "com.atproto.server.refreshSession"
	getProfile     = "app.bsky.actor.getProfile"
)

func newTestStore(t *testing.T) (*Store, *blueskytest.Server, *memstore.Store) {
	t.Helper()
	pds := blueskytest.NewServer(t)
	kv := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(pds.Client(), kv, logger), pds, kv
}

func seedSession(t *testing.T, kv *memstore.Store, s domain.Session) {
	t.Helper()
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), sessionKey, raw))
}

var alice = domain.Session{
	DID:        "did:plc:alice",
	Handle:     "alice.test",
	AccessJwt:  "access-1",
	RefreshJwt: "refresh-1",
}

func TestAuthenticatePersistsSession(t *testing.T) {
	store, pds, _ := newTestStore(t)
	pds.Respond(createSession, http.StatusOK, map[string]string{
		"did": "did:plc:alice", "handle": "alice.test", "accessJwt": "a1", "refreshJwt": "r1",
	})

	var observed *domain.Session
	store.OnChange(func(s *domain.Session) { observed = s })

	session, err := store.Authenticate(context.Background(), "alice.test", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", session.DID)
	assert.Equal(t, pds.URL, session.PDSURL)

	persisted, ok := store.LoadPersisted(context.Background())
	require.True(t, ok)
	assert.Equal(t, *session, *persisted)
	assert.Equal(t, session, store.Current())
	require.NotNil(t, observed)
	assert.Equal(t, "a1", observed.AccessJwt)
}

func TestAuthenticateInvalidCredential(t *testing.T) {
	store, pds, kv := newTestStore(t)
	pds.Respond(createSession, http.StatusUnauthorized, map[string]string{
		"error": "AuthenticationRequired", "message": "Invalid identifier or password",
	})

	_, err := store.Authenticate(context.Background(), "alice.test", "wrongpass")
	require.Error(t, err)
	assert.True(t, IsAuthError(err, InvalidCredential))
	assert.Equal(t, "Invalid handle or app password", err.Error())

	_, found, _ := kv.Get(context.Background(), sessionKey)
	assert.False(t, found, "no session persisted")
	assert.Nil(t, store.Current())
}

func TestAuthenticateRateLimited(t *testing.T) {
	store, pds, _ := newTestStore(t)
	pds.Respond(createSession, http.StatusTooManyRequests, map[string]string{"error": "RateLimitExceeded"})

	_, err := store.Authenticate(context.Background(), "alice.test", "pw")
	assert.True(t, IsAuthError(err, RateLimited))
}

func TestAuthenticateUnknownCarriesProviderMessage(t *testing.T) {
	store, pds, _ := newTestStore(t)
	pds.Respond(createSession, http.StatusBadRequest, map[string]string{"error": "AccountTakedown", "message": "Account has been suspended"})

	_, err := store.Authenticate(context.Background(), "alice.test", "pw")
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, Unknown, ae.Kind)
	assert.Equal(t, "Account has been suspended", err.Error())
}

func TestLoadPersistedCorrupt(t *testing.T) {
	store, _, kv := newTestStore(t)
	require.NoError(t, kv.Set(context.Background(), sessionKey, []byte("{not json")))

	_, ok := store.LoadPersisted(context.Background())
	assert.False(t, ok)
}

func TestRefreshUpdatesTokens(t *testing.T) {
	store, pds, kv := newTestStore(t)
	seedSession(t, kv, alice)
	pds.Handle(refreshSession, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer refresh-1", r.Header.Get("Authorization"))
		blueskytest.WriteJSON(w, http.StatusOK, map[string]string{
			"did": alice.DID, "handle": alice.Handle, "accessJwt": "access-2", "refreshJwt": "refresh-2",
		})
	})

	refreshed, err := store.Refresh(context.Background(), &alice)
	require.NoError(t, err)
	assert.Equal(t, "access-2", refreshed.AccessJwt)
	assert.Equal(t, "refresh-2", refreshed.RefreshJwt)
	assert.Equal(t, alice.Handle, refreshed.Handle)

	persisted, ok := store.LoadPersisted(context.Background())
	require.True(t, ok)
	assert.Equal(t, "refresh-2", persisted.RefreshJwt)
}

func TestRefreshRejectedClearsState(t *testing.T) {
	store, pds, kv := newTestStore(t)
	seedSession(t, kv, alice)
	pds.Respond(refreshSession, http.StatusBadRequest, map[string]string{"error": "ExpiredToken"})

	cleared := false
	store.OnChange(func(s *domain.Session) { cleared = s == nil })

	_, err := store.Refresh(context.Background(), &alice)
	require.ErrorIs(t, err, ErrSessionExpired)

	_, ok := store.LoadPersisted(context.Background())
	assert.False(t, ok)
	assert.True(t, cleared)
}

func TestRefreshSharesRotatedTokens(t *testing.T) {
	store, pds, kv := newTestStore(t)
	seedSession(t, kv, alice)
	pds.Respond(refreshSession, http.StatusOK, map[string]string{
		"did": alice.DID, "handle": alice.Handle, "accessJwt": "access-2", "refreshJwt": "refresh-2",
	})

	_, err := store.Refresh(context.Background(), &alice)
	require.NoError(t, err)

	// A second caller still holding the old token pair gets the rotated one
	// without presenting the spent refresh token again.
	again, err := store.Refresh(context.Background(), &alice)
	require.NoError(t, err)
	assert.Equal(t, "access-2", again.AccessJwt)
	assert.Equal(t, 1, pds.Calls(refreshSession))
}

func TestEnsureValidProbeOK(t *testing.T) {
	store, pds, kv := newTestStore(t)
	seedSession(t, kv, alice)
	pds.Handle(getProfile, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, alice.DID, r.URL.Query().Get("actor"))
		blueskytest.WriteJSON(w, http.StatusOK, map[string]string{"did": alice.DID})
	})

	session, err := store.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alice, *session)
	assert.Equal(t, alice, *store.Current())
	assert.Equal(t, 0, pds.Calls(refreshSession))
}

func TestEnsureValidRefreshesOnAuthFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusBadRequest} {
		store, pds, kv := newTestStore(t)
		seedSession(t, kv, alice)
		pds.Respond(getProfile, status, map[string]string{"error": "ExpiredToken"})
		pds.Respond(refreshSession, http.StatusOK, map[string]string{
			"did": alice.DID, "handle": alice.Handle, "accessJwt": "access-2", "refreshJwt": "refresh-2",
		})

		session, err := store.EnsureValid(context.Background())
		require.NoError(t, err, "status %d", status)
		assert.Equal(t, "access-2", session.AccessJwt)
		assert.Equal(t, 1, pds.Calls(refreshSession))
	}
}

func TestEnsureValidTransientFailureKeepsState(t *testing.T) {
	store, pds, kv := newTestStore(t)
	seedSession(t, kv, alice)
	pds.Respond(getProfile, http.StatusServiceUnavailable, map[string]string{"error": "Unavailable"})

	_, err := store.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	_, ok := store.LoadPersisted(context.Background())
	assert.True(t, ok, "transient failure must not clear the session")
	assert.Equal(t, 0, pds.Calls(refreshSession))
}

func TestEnsureValidWithoutSession(t *testing.T) {
	store, pds, _ := newTestStore(t)

	_, err := store.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 0, pds.Calls(getProfile))
}

func TestClear(t *testing.T) {
	store, _, kv := newTestStore(t)
	seedSession(t, kv, alice)
	store.setCurrent(&alice)

	store.Clear(context.Background())
	_, ok := store.LoadPersisted(context.Background())
	assert.False(t, ok)
	assert.Nil(t, store.Current())
}

func TestEnsureValidUsesSessionPDS(t *testing.T) {
	store, configured, kv := newTestStore(t)
	home := blueskytest.NewServer(t)
	home.Respond(getProfile, http.StatusUnauthorized, map[string]string{"error": "ExpiredToken"})
	home.Respond(refreshSession, http.StatusOK, map[string]string{
		"did": alice.DID, "handle": alice.Handle, "accessJwt": "access-2", "refreshJwt": "refresh-2",
	})

	restored := alice
	restored.PDSURL = home.URL
	seedSession(t, kv, restored)

	session, err := store.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", session.AccessJwt)
	assert.Equal(t, home.URL, session.PDSURL)
	assert.Equal(t, 1, home.Calls(getProfile))
	assert.Equal(t, 1, home.Calls(refreshSession))
	assert.Zero(t, configured.Calls(getProfile))
	assert.Zero(t, configured.Calls(refreshSession))
}

func TestAuthenticateOtherAccountClearsFirst(t *testing.T) {
	store, pds, kv := newTestStore(t)
	seedSession(t, kv, alice)
	pds.Respond(createSession, http.StatusOK, map[string]string{
		"did": "did:plc:bob", "handle": "bob.test", "accessJwt": "b1", "refreshJwt": "rb1",
	})

	var observed []string
	store.OnChange(func(s *domain.Session) {
		if s == nil {
			observed = append(observed, "cleared")
			return
		}
		observed = append(observed, s.DID)
	})

	_, err := store.Authenticate(context.Background(), "bob.test", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, []string{"cleared", "did:plc:bob"}, observed)
}

func TestAuthenticateSameAccountKeepsState(t *testing.T) {
	store, pds, kv := newTestStore(t)
	seedSession(t, kv, alice)
	store.setCurrent(&alice)
	pds.Respond(createSession, http.StatusOK, map[string]string{
		"did": alice.DID, "handle": alice.Handle, "accessJwt": "a2", "refreshJwt": "r2",
	})

	var observed []*domain.Session
	store.OnChange(func(s *domain.Session) { observed = append(observed, s) })

	_, err := store.Authenticate(context.Background(), "alice.test", "app-pass")
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.Equal(t, "a2", observed[0].AccessJwt)
}
