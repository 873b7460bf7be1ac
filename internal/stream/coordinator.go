// Package stream serves one client connection end to end: authorize,
// backfill persisted history, then forward live broker events until the
// client goes away.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Volpestyle/career-agent-sub001/internal/broker"
	"github.com/Volpestyle/career-agent-sub001/internal/events"
	"github.com/Volpestyle/career-agent-sub001/internal/history"
	"github.com/Volpestyle/career-agent-sub001/internal/identity"
	"github.com/Volpestyle/career-agent-sub001/internal/metrics"
	"github.com/Volpestyle/career-agent-sub001/internal/ownership"
	"github.com/Volpestyle/career-agent-sub001/internal/provider"
)

var (
	ErrUnauthorized      = errors.New("stream: unauthorized")
	ErrTransport         = errors.New("stream: transport failure")
	ErrClientTooSlow     = errors.New("stream: client too slow")
	ErrProtocolViolation = errors.New("stream: delivery after close")
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxPendingFrames  = 1024
)

// unauthorizedMessage is the only thing a denied caller learns.
const unauthorizedMessage = "Unauthorized"

type State int

const (
	StateAuthorizing State = iota
	StateBackfilling
	StateLive
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Authorizer interface {
	Authorize(ctx context.Context, ident identity.Identity, sessionID string) (ownership.Grant, error)
}

type Backfiller interface {
	Snapshot(ctx context.Context, ident identity.Identity, sessionID string, session *provider.Session) history.Snapshot
}

type Subscriber interface {
	Subscribe(sessionID string, h broker.Handlers) (unsubscribe func())
}

type Config struct {
	HeartbeatInterval time.Duration
	MaxPendingFrames  int
}

type Coordinator struct {
	resolver identity.Resolver
	gate     Authorizer
	history  Backfiller
	broker   Subscriber
	cfg      Config
	logger   *slog.Logger
	m        *metrics.Metrics
}

func NewCoordinator(resolver identity.Resolver, gate Authorizer, loader Backfiller, b Subscriber, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxPendingFrames <= 0 {
		cfg.MaxPendingFrames = DefaultMaxPendingFrames
	}
	return &Coordinator{
		resolver: resolver,
		gate:     gate,
		history:  loader,
		broker:   b,
		cfg:      cfg,
		logger:   logger,
		m:        m,
	}
}

// connection is the state of one Serve call. Everything except the queue
// and the violation counter is touched only by the Serve goroutine.
type connection struct {
	c           *Coordinator
	sink        Sink
	state       State
	queue       *pendingQueue
	unsubscribe func()
	ticker      *time.Ticker
	once        sync.Once
	logger      *slog.Logger
}

// Serve runs the connection until ctx is cancelled or a fatal error occurs,
// and always tears it down before returning. It returns nil when the
// client went away, ErrUnauthorized on denial, and an error wrapping
// ErrTransport when writing to the client failed.
func (c *Coordinator) Serve(ctx context.Context, r *http.Request, sessionID string, sink Sink) error {
	conn := &connection{
		c:     c,
		sink:  sink,
		state: StateAuthorizing,
		queue: newPendingQueue(c.cfg.MaxPendingFrames),
		logger: c.logger.With(
			"conn", uuid.NewString(),
			"session", sessionID,
		),
	}
	c.m.StreamOpened()
	conn.logger.Debug("stream: opened")

	ident, err := c.resolver.Resolve(r)
	if err != nil {
		return conn.deny(err)
	}
	grant, err := c.gate.Authorize(ctx, ident, sessionID)
	if err != nil {
		return conn.deny(err)
	}

	conn.state = StateBackfilling
	// Subscribe before reading history so nothing published during the read
	// is lost. Live frames wait in the queue until the backfill is written;
	// logs already in the history batch are dropped on drain.
	conn.unsubscribe = c.broker.Subscribe(sessionID, broker.Handlers{
		OnLog: func(l events.ActionLog) {
			conn.enqueue(frame{name: events.NameLog, payload: l, logID: l.ID})
		},
		OnJobs: func(jobs []events.JobResult) {
			conn.enqueue(frame{name: events.NameJobsUpdate, payload: jobs})
		},
		OnTotalJobs: func(total int) {
			conn.enqueue(frame{name: events.NameTotalJobsUpdate, payload: total})
		},
	})

	snap := c.history.Snapshot(ctx, ident, sessionID, grant.Session)
	if ctx.Err() != nil {
		return conn.close("client_closed")
	}

	backfill := []frame{
		{name: events.NameSession, payload: snap.Session},
		{name: events.NameJobs, payload: snap.Jobs},
		{name: events.NameTotalJobs, payload: snap.TotalJobs},
		{name: events.NameLogsHistory, payload: snap.Logs},
	}
	for _, f := range backfill {
		if err := conn.write(f); err != nil {
			return conn.fail(err)
		}
	}

	seen := make(map[string]struct{}, len(snap.Logs))
	for _, l := range snap.Logs {
		seen[l.ID] = struct{}{}
	}

	conn.state = StateLive
	conn.ticker = time.NewTicker(c.cfg.HeartbeatInterval)
	conn.logger.Debug("stream: live", "history", len(snap.Logs), "jobs", len(snap.Jobs))

	for {
		select {
		case <-ctx.Done():
			return conn.close("client_closed")

		case <-conn.queue.notify:
			frames, overflowed := conn.queue.drain()
			if overflowed {
				return conn.fail(ErrClientTooSlow)
			}
			for _, f := range frames {
				if f.logID != "" {
					if _, dup := seen[f.logID]; dup {
						continue
					}
				}
				if err := conn.write(f); err != nil {
					return conn.fail(err)
				}
			}

		case <-conn.ticker.C:
			if err := conn.sink.WriteHeartbeat(); err != nil {
				return conn.fail(err)
			}
			c.m.FrameWritten("heartbeat")
		}
	}
}

func (conn *connection) write(f frame) error {
	if err := conn.sink.WriteEvent(f.name, f.payload); err != nil {
		return err
	}
	conn.c.m.FrameWritten(f.name)
	return nil
}

func (conn *connection) enqueue(f frame) {
	switch conn.queue.push(f) {
	case pushOverflow:
		conn.logger.Warn("stream: pending queue full", "limit", conn.c.cfg.MaxPendingFrames)
	case pushClosed:
		conn.c.m.ProtocolViolation()
		conn.logger.Error("stream: protocol violation", "err", ErrProtocolViolation, "event", f.name)
	}
}

// deny writes the single in-band error frame and closes.
func (conn *connection) deny(cause error) error {
	conn.logger.Info("stream: unauthorized", "err", cause)
	if err := conn.write(frame{
		name:    events.NameError,
		payload: events.ErrorPayload{Message: unauthorizedMessage},
	}); err != nil {
		conn.logger.Debug("stream: error frame not delivered", "err", err)
	}
	conn.state = StateClosed
	conn.teardown("unauthorized")
	return ErrUnauthorized
}

func (conn *connection) close(reason string) error {
	conn.state = StateClosed
	conn.teardown(reason)
	return nil
}

func (conn *connection) fail(err error) error {
	prev := conn.state
	conn.state = StateFailed
	reason := "transport_error"
	if errors.Is(err, ErrClientTooSlow) {
		reason = "client_too_slow"
	}
	conn.logger.Warn("stream: connection failed", "state", prev, "err", err)
	conn.teardown(reason)
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// teardown releases everything the connection holds, exactly once. After
// unsubscribe returns no broker handler of this connection can run.
func (conn *connection) teardown(reason string) {
	conn.once.Do(func() {
		if conn.ticker != nil {
			conn.ticker.Stop()
		}
		if conn.unsubscribe != nil {
			conn.unsubscribe()
		}
		conn.queue.close()
		if err := conn.sink.Close(); err != nil {
			conn.logger.Debug("stream: sink close", "err", err)
		}
		conn.c.m.StreamClosed(reason)
		conn.logger.Debug("stream: closed", "reason", reason, "state", conn.state)
	})
}
