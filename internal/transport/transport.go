// Package transport executes authenticated XRPC calls with a single
// refresh-and-retry on token expiry.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/metrics"
)

// ErrNoResult means the call could not be authorized: there is no session,
// the refresh failed, or the retried request was still rejected. Callers
// treat it as "disconnected", not as a hard failure.
var ErrNoResult = errors.New("no result")

// Sender issues a raw XRPC request with a bearer token.
type Sender interface {
	Send(ctx context.Context, req bluesky.Request, token string) (*bluesky.Response, error)
}

// Refresher exchanges a session's refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, session *domain.Session) (*domain.Session, error)
}

// Transport is the authenticated transport shared by reads and writes.
type Transport struct {
	sender    Sender
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Transport.
func New(sender Sender, refresher Refresher, logger *slog.Logger) *Transport {
	return &Transport{
		sender:    sender,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// Call issues req with session's access token against the session's PDS. On auth expiry it refreshes
// exactly once and reissues req once with the new token. An access token whose
// exp claim has already passed is refreshed before the first send, which uses
// up the single refresh. Network errors and non-auth failures are returned
// as-is and never retried.
func (t *Transport) Call(ctx context.Context, req bluesky.Request, session *domain.Session) (*bluesky.Response, error) {
	if !session.Valid() {
		return nil, ErrNoResult
	}
	req = req.On(session.PDSURL)

	refreshed := false
	if exp, ok := bluesky.TokenExpiry(session.AccessJwt); ok && !t.now().Before(exp) {
		t.logger.Debug("access token past exp, refreshing first", "nsid", req.NSID, "did", session.DID)
		next, err := t.refresher.Refresh(ctx, session)
		if err != nil {
			t.logger.Info("refresh failed, call abandoned", "nsid", req.NSID, "error", err)
			return nil, ErrNoResult
		}
		session, refreshed = next, true
	}

	resp, err := t.send(ctx, req, session.AccessJwt)
	if err != nil {
		return nil, err
	}
	if !resp.AuthExpired() {
		return resp, nil
	}
	if refreshed {
		t.logger.Warn("request rejected after refresh", "nsid", req.NSID, "status", resp.StatusCode)
		return nil, ErrNoResult
	}

	t.logger.Debug("access token expired, refreshing", "nsid", req.NSID, "did", session.DID)
	next, err := t.refresher.Refresh(ctx, session)
	if err != nil {
		t.logger.Info("refresh failed, call abandoned", "nsid", req.NSID, "error", err)
		return nil, ErrNoResult
	}

	resp, err = t.send(ctx, req, next.AccessJwt)
	if err != nil {
		return nil, err
	}
	if resp.AuthExpired() {
		t.logger.Warn("request rejected after refresh", "nsid", req.NSID, "status", resp.StatusCode)
		return nil, ErrNoResult
	}
	return resp, nil
}

func (t *Transport) send(ctx context.Context, req bluesky.Request, token string) (*bluesky.Response, error) {
	resp, err := t.sender.Send(ctx, req, token)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	metrics.XRPCRequests.WithLabelValues(req.NSID, metrics.Code(status)).Inc()
	return resp, err
}
