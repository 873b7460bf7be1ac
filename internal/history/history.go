package history

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Volpestyle/career-agent-sub001/internal/events"
	"github.com/Volpestyle/career-agent-sub001/internal/identity"
	"github.com/Volpestyle/career-agent-sub001/internal/provider"
)

// Store is the read side of the persistent store.
type Store interface {
	GetActionLogs(ctx context.Context, sessionID string) ([]events.ActionLog, error)
	GetJobResults(ctx context.Context, ownerID, sessionID string) (*events.JobBatch, error)
}

// Snapshot is everything known about a session at the moment it was read.
type Snapshot struct {
	Session   *provider.Session
	Jobs      []events.JobResult
	TotalJobs int
	Logs      []events.ActionLog
}

// Loader reads prior session state. Every read degrades to empty data on
// failure; callers never see an error.
type Loader struct {
	provider provider.Provider
	store    Store
	logger   *slog.Logger
}

// NewLoader returns a Loader. p may be nil when no provider is configured,
// in which case session metadata is always unavailable.
func NewLoader(p provider.Provider, store Store, logger *slog.Logger) *Loader {
	return &Loader{provider: p, store: store, logger: logger}
}

// LoadSession returns provider metadata for sessionID, or nil when the
// provider does not know the session or cannot be reached.
func (l *Loader) LoadSession(ctx context.Context, sessionID string) *provider.Session {
	if l.provider == nil {
		return nil
	}
	s, err := l.provider.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, provider.ErrNotFound) {
			l.logger.Warn("history: provider unavailable", "session", sessionID, "err", err)
		}
		return nil
	}
	return s
}

// LoadJobs returns the caller's stored job snapshot. Anonymous callers keep
// their job history client-side and always get nothing.
func (l *Loader) LoadJobs(ctx context.Context, ident identity.Identity, sessionID string) ([]events.JobResult, int) {
	if !ident.IsAuthenticated {
		return []events.JobResult{}, 0
	}
	batch, err := l.store.GetJobResults(ctx, ident.ID, sessionID)
	if err != nil {
		l.logger.Warn("history: load jobs failed", "session", sessionID, "err", err)
		return []events.JobResult{}, 0
	}
	if batch == nil {
		return []events.JobResult{}, 0
	}
	jobs := batch.Jobs
	if jobs == nil {
		jobs = []events.JobResult{}
	}
	return jobs, batch.TotalFound
}

// LoadActionLogs returns the full log history, oldest first.
func (l *Loader) LoadActionLogs(ctx context.Context, sessionID string) []events.ActionLog {
	logs, err := l.store.GetActionLogs(ctx, sessionID)
	if err != nil {
		l.logger.Warn("history: load action logs failed", "session", sessionID, "err", err)
		return []events.ActionLog{}
	}
	if logs == nil {
		return []events.ActionLog{}
	}
	return logs
}

// Snapshot reads jobs and logs concurrently. session is the provider
// metadata already fetched during authorization and is passed through as is.
func (l *Loader) Snapshot(ctx context.Context, ident identity.Identity, sessionID string, session *provider.Session) Snapshot {
	snap := Snapshot{Session: session}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Jobs, snap.TotalJobs = l.LoadJobs(gctx, ident, sessionID)
		return nil
	})
	g.Go(func() error {
		snap.Logs = l.LoadActionLogs(gctx, sessionID)
		return nil
	})
	g.Wait()
	return snap
}
