// Package broker is an in-process publish/subscribe registry keyed by
// session id. It knows nothing about transports or persistence: an event
// published while a topic has no subscriber is dropped.
package broker

import (
	"hash/maphash"
	"log/slog"
	"sync"

	"github.com/Volpestyle/career-agent-sub001/internal/events"
	"github.com/Volpestyle/career-agent-sub001/internal/metrics"
)

const (
	shardCount = 32

	// DefaultMaxSubscribersPerTopic is the subscriber count past which
	// Subscribe starts logging warnings.
	DefaultMaxSubscribersPerTopic = 100
)

type kind string

const (
	kindLog       kind = "log"
	kindJobs      kind = "jobs"
	kindTotalJobs kind = "totalJobs"
)

// Handlers are the typed callbacks of one subscription. Nil handlers are not
// registered. A handler runs on the publisher's goroutine, must not block,
// and must not call the unsubscribe func of its own subscription.
type Handlers struct {
	OnLog       func(events.ActionLog)
	OnJobs      func([]events.JobResult)
	OnTotalJobs func(int)
}

type Config struct {
	MaxSubscribersPerTopic int
}

type Broker struct {
	seed   maphash.Seed
	shards [shardCount]shard
	limit  int
	logger *slog.Logger
	m      *metrics.Metrics
}

// shard owns the topics of every session whose id hashes to it. Structural
// changes take the write lock; publishing only takes the read lock long
// enough to copy the subscriber list.
type shard struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
}

type subscription struct {
	mu       sync.Mutex
	closed   bool
	handlers Handlers
}

func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Broker {
	limit := cfg.MaxSubscribersPerTopic
	if limit <= 0 {
		limit = DefaultMaxSubscribersPerTopic
	}
	b := &Broker{
		seed:   maphash.MakeSeed(),
		limit:  limit,
		logger: logger,
		m:      m,
	}
	for i := range b.shards {
		b.shards[i].topics = make(map[string][]*subscription)
	}
	return b
}

func topicKey(sessionID string, k kind) string {
	return sessionID + ":" + string(k)
}

func (b *Broker) shardFor(sessionID string) *shard {
	return &b.shards[maphash.String(b.seed, sessionID)%shardCount]
}

// Subscribe registers h for sessionID and returns the func that removes it.
// The returned func is idempotent. Once it returns, no handler of h runs
// again, including deliveries that were in flight when it was called.
func (b *Broker) Subscribe(sessionID string, h Handlers) (unsubscribe func()) {
	sub := &subscription{handlers: h}
	kinds := h.kinds()

	sh := b.shardFor(sessionID)
	sh.mu.Lock()
	for _, k := range kinds {
		key := topicKey(sessionID, k)
		subs := sh.topics[key]
		if len(subs) >= b.limit {
			b.m.CapacityExceeded()
			b.logger.Warn("broker: subscriber limit exceeded",
				"topic", key,
				"subscribers", len(subs)+1,
				"limit", b.limit,
			)
		}
		sh.topics[key] = append(subs, sub)
	}
	sh.mu.Unlock()
	b.m.SubscriptionAdded()

	var once sync.Once
	return func() {
		once.Do(func() {
			// Waits for an in-flight delivery to this subscription.
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()

			sh.mu.Lock()
			for _, k := range kinds {
				key := topicKey(sessionID, k)
				if rest := without(sh.topics[key], sub); len(rest) > 0 {
					sh.topics[key] = rest
				} else {
					delete(sh.topics, key)
				}
			}
			sh.mu.Unlock()
			b.m.SubscriptionRemoved()
		})
	}
}

func (h Handlers) kinds() []kind {
	var ks []kind
	if h.OnLog != nil {
		ks = append(ks, kindLog)
	}
	if h.OnJobs != nil {
		ks = append(ks, kindJobs)
	}
	if h.OnTotalJobs != nil {
		ks = append(ks, kindTotalJobs)
	}
	return ks
}

// without returns subs minus target, preserving order. It never mutates the
// backing array of subs, which publishers may be iterating over.
func without(subs []*subscription, target *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (b *Broker) subscribers(sessionID string, k kind) []*subscription {
	sh := b.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.topics[topicKey(sessionID, k)]
}

// SubscriberCount returns how many subscriptions hold at least one handler
// for sessionID.
func (b *Broker) SubscriberCount(sessionID string) int {
	sh := b.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	seen := make(map[*subscription]struct{})
	for _, k := range []kind{kindLog, kindJobs, kindTotalJobs} {
		for _, s := range sh.topics[topicKey(sessionID, k)] {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

func (b *Broker) publish(sessionID string, k kind, deliver func(Handlers)) {
	b.m.Published(string(k))
	subs := b.subscribers(sessionID, k)
	if len(subs) == 0 {
		b.m.Unrouted(string(k))
		return
	}
	for _, s := range subs {
		if s.deliver(deliver) {
			b.m.Delivered(string(k))
		}
	}
}

func (s *subscription) deliver(fn func(Handlers)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn(s.handlers)
	return true
}

// PublishLog fans log out to the subscribers of sessionID.
func (b *Broker) PublishLog(sessionID string, log events.ActionLog) {
	b.publish(sessionID, kindLog, func(h Handlers) { h.OnLog(log) })
}

// PublishJobs fans a full job snapshot out to the subscribers of sessionID.
func (b *Broker) PublishJobs(sessionID string, jobs []events.JobResult) {
	b.publish(sessionID, kindJobs, func(h Handlers) { h.OnJobs(jobs) })
}

// PublishTotalJobs fans a running total out to the subscribers of sessionID.
func (b *Broker) PublishTotalJobs(sessionID string, total int) {
	b.publish(sessionID, kindTotalJobs, func(h Handlers) { h.OnTotalJobs(total) })
}
