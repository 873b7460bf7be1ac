package ownership

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Volpestyle/career-agent-sub001/internal/db"
	"github.com/Volpestyle/career-agent-sub001/internal/identity"
	"github.com/Volpestyle/career-agent-sub001/internal/provider"
)

// ErrUnauthorized is returned when the caller does not own the session.
var ErrUnauthorized = errors.New("ownership: unauthorized")

// SessionLoader fetches provider metadata, returning nil when unavailable.
type SessionLoader interface {
	LoadSession(ctx context.Context, sessionID string) *provider.Session
}

// OwnerStore returns the persisted owner of a session, or db.ErrNotFound.
type OwnerStore interface {
	GetSessionOwner(ctx context.Context, sessionID string) (string, error)
}

// Grant is what a successful authorization hands to the backfill.
type Grant struct {
	// Session is the provider metadata read during the check, or nil.
	Session *provider.Session
}

// Gate decides whether an identity may read a session. Provider metadata
// and the persisted owner are consulted independently: a mismatch against
// either denies, and at least one of them must name the caller.
type Gate struct {
	sessions SessionLoader
	owners   OwnerStore
	logger   *slog.Logger
}

func New(sessions SessionLoader, owners OwnerStore, logger *slog.Logger) *Gate {
	return &Gate{sessions: sessions, owners: owners, logger: logger}
}

func (g *Gate) Authorize(ctx context.Context, ident identity.Identity, sessionID string) (Grant, error) {
	if ident.ID == "" || sessionID == "" {
		return Grant{}, ErrUnauthorized
	}

	affirmed := false

	sess := g.sessions.LoadSession(ctx, sessionID)
	if sess != nil && sess.OwnerID != "" {
		if sess.OwnerID != ident.ID {
			g.logger.Info("ownership: provider owner mismatch", "session", sessionID, "caller", ident.ID)
			return Grant{}, ErrUnauthorized
		}
		affirmed = true
	}

	owner, err := g.owners.GetSessionOwner(ctx, sessionID)
	switch {
	case err == nil:
		if owner != ident.ID {
			g.logger.Info("ownership: persisted owner mismatch", "session", sessionID, "caller", ident.ID)
			return Grant{}, ErrUnauthorized
		}
		affirmed = true
	case errors.Is(err, db.ErrNotFound):
	default:
		g.logger.Warn("ownership: owner lookup failed", "session", sessionID, "err", err)
	}

	if !affirmed {
		g.logger.Info("ownership: no owner record", "session", sessionID, "caller", ident.ID)
		return Grant{}, ErrUnauthorized
	}
	return Grant{Session: sess}, nil
}
