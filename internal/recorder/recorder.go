// Package recorder is the write path for automation workers: it persists
// what a worker reports and then publishes it to live subscribers.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Volpestyle/career-agent-sub001/internal/events"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("recorder: invalid input")

type Store interface {
	ClaimSearch(ctx context.Context, sessionID, ownerID, query string) error
	InsertActionLog(ctx context.Context, l events.ActionLog) (bool, error)
	SaveJobResults(ctx context.Context, ownerID, sessionID string, jobs []events.JobResult, totalFound int) error
}

type Publisher interface {
	PublishLog(sessionID string, log events.ActionLog)
	PublishJobs(sessionID string, jobs []events.JobResult)
	PublishTotalJobs(sessionID string, total int)
}

type Notifier interface {
	Notify(l events.ActionLog)
}

// Recorder persists before it publishes. A subscriber that read history
// and then sees a live event can therefore rely on every earlier event
// already being in the store.
type Recorder struct {
	store    Store
	pub      Publisher
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Recorder. notifier may be nil.
func New(store Store, pub Publisher, notifier Notifier, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, pub: pub, notifier: notifier, logger: logger, now: time.Now}
}

// ClaimSession records ownerID as the owner of sessionID.
func (r *Recorder) ClaimSession(ctx context.Context, sessionID, ownerID, query string) error {
	if sessionID == "" || ownerID == "" {
		return fmt.Errorf("%w: session and owner are required", ErrInvalid)
	}
	return r.store.ClaimSearch(ctx, sessionID, ownerID, query)
}

// RecordLog fills in a missing id, timestamp and status, validates l, stores
// it and publishes it. A log whose id is already stored is not published
// again. The stored form is returned.
func (r *Recorder) RecordLog(ctx context.Context, l events.ActionLog) (events.ActionLog, error) {
	if l.SessionID == "" {
		return l, fmt.Errorf("%w: sessionId is required", ErrInvalid)
	}
	if strings.TrimSpace(l.Action) == "" {
		return l, fmt.Errorf("%w: action is required", ErrInvalid)
	}
	t, err := events.ParseLogType(string(l.Type))
	if err != nil {
		return l, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	st, err := events.ParseLogStatus(string(l.Status))
	if err != nil {
		return l, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	l.Type, l.Status = t, st
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = r.now()
	}
	l.Timestamp = l.Timestamp.UTC().Truncate(time.Millisecond)

	inserted, err := r.store.InsertActionLog(ctx, l)
	if err != nil {
		return l, fmt.Errorf("store action log: %w", err)
	}
	if !inserted {
		r.logger.Debug("recorder: duplicate log ignored", "session", l.SessionID, "id", l.ID)
		return l, nil
	}
	r.pub.PublishLog(l.SessionID, l)

	if r.notifier != nil && (l.Type == events.LogError || l.Status == events.StatusError) {
		go r.notifier.Notify(l)
	}
	return l, nil
}

// RecordJobs replaces the stored job snapshot of a claimed session and
// publishes the snapshot followed by the running total.
func (r *Recorder) RecordJobs(ctx context.Context, ownerID, sessionID string, jobs []events.JobResult, totalFound int) error {
	if sessionID == "" || ownerID == "" {
		return fmt.Errorf("%w: session and owner are required", ErrInvalid)
	}
	if totalFound < len(jobs) {
		totalFound = len(jobs)
	}
	if jobs == nil {
		jobs = []events.JobResult{}
	}
	if err := r.store.SaveJobResults(ctx, ownerID, sessionID, jobs, totalFound); err != nil {
		return fmt.Errorf("store job results: %w", err)
	}
	r.pub.PublishJobs(sessionID, jobs)
	r.pub.PublishTotalJobs(sessionID, totalFound)
	return nil
}
