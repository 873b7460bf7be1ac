package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxAge   = 30 * 24 * time.Hour
	DefaultInterval = time.Hour
)

// Store is the subset of the database the pruner needs.
type Store interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (logs, searches int64, err error)
	MarkPruned(at time.Time) error
	LastPruned() time.Time
}

// Pruner periodically deletes action logs and job searches older than
// maxAge.
type Pruner struct {
	store    Store
	maxAge   time.Duration
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
	logger   *slog.Logger
}

func New(store Store, maxAge, interval time.Duration, logger *slog.Logger) *Pruner {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Pruner{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		stop:     make(chan struct{}),
		now:      time.Now,
		logger:   logger,
	}
}

// NewWithClock creates a Pruner with an injectable clock. Used in tests.
func NewWithClock(store Store, maxAge time.Duration, logger *slog.Logger, now func() time.Time) *Pruner {
	p := New(store, maxAge, 0, logger)
	p.now = now
	return p
}

// Start runs the loop. A prune that is overdue across restarts, or has
// never run, happens immediately.
func (p *Pruner) Start() {
	last := p.store.LastPruned()
	overdue := last.IsZero() || p.now().Sub(last) >= p.interval
	p.logger.Info("retention: starting", "lastPruned", last, "overdue", overdue)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if overdue {
			p.prune()
		}
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.prune()
			}
		}
	}()
}

func (p *Pruner) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// RunOnce runs a single prune cycle synchronously.
func (p *Pruner) RunOnce() {
	p.prune()
}

func (p *Pruner) prune() {
	now := p.now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logs, searches, err := p.store.PruneBefore(ctx, now.Add(-p.maxAge))
	if err != nil {
		p.logger.Warn("retention: prune failed", "err", err)
		return
	}
	if logs > 0 || searches > 0 {
		p.logger.Info("retention: pruned", "logs", logs, "searches", searches)
	}
	if err := p.store.MarkPruned(now); err != nil {
		p.logger.Warn("retention: mark pruned failed", "err", err)
	}
}
