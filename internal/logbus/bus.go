package logbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/balu-dk/go-pipelets/internal/metrics"
)

// Source tags the component that produced a log entry.
type Source string

const (
	SourceProtocolServer  Source = "protocol-server"
	SourceSimulatedDevice Source = "simulated-device"
	SourcePipeline        Source = "pipeline"
)

// Sources lists every valid source tag.
var Sources = []Source{SourceProtocolServer, SourceSimulatedDevice, SourcePipeline}

// ErrClosed is returned by Next once a subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// ParseSource validates a source tag.
func ParseSource(s string) (Source, error) {
	for _, src := range Sources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown log source %q", s)
}

// Entry is one append-only log record. IDs increase monotonically for the
// lifetime of the bus and are used by clients for replay and dedup.
type Entry struct {
	ID        uint64    `json:"id"`
	Source    Source    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter selects entries by source. An empty filter matches everything.
type Filter struct {
	Sources []Source
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if len(f.Sources) == 0 {
		return true
	}
	for _, s := range f.Sources {
		if s == e.Source {
			return true
		}
	}
	return false
}

// Publisher accepts new log entries.
type Publisher interface {
	Publish(source Source, message string) Entry
}

// Options configures a Bus.
type Options struct {
	// HistorySize bounds the replay ring.
	HistorySize int
	// QueueSize bounds every subscriber queue.
	QueueSize int
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Bus is an in-process fan-out hub for log entries. Publishing never blocks
// on subscribers: a full subscriber queue drops its own oldest entry.
type Bus struct {
	opts Options

	mu      sync.Mutex
	nextID  uint64
	history *ring[Entry]
	subs    map[*Subscription]struct{}
	dropped uint64
	closed  bool
}

// New creates a bus
func New(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		opts:    opts,
		history: newRing[Entry](opts.HistorySize),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish creates an entry, appends it to the history ring and delivers it
// to every matching subscriber.
func (b *Bus) Publish(source Source, message string) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	entry := Entry{
		ID:        b.nextID,
		Source:    source,
		Message:   message,
		CreatedAt: b.opts.Now().UTC(),
	}
	b.history.push(entry)
	b.opts.Metrics.LogPublished(string(source))

	for sub := range b.subs {
		if !sub.filter.Match(entry) {
			continue
		}
		if sub.deliver(entry) {
			b.dropped++
			b.opts.Metrics.LogDropped(1)
		}
	}
	return entry
}

// SubscribeOption tunes a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	replay    bool
	queueSize int
}

// WithoutReplay starts a subscription with an empty queue instead of the
// most recent matching history.
func WithoutReplay() SubscribeOption {
	return func(c *subscribeConfig) { c.replay = false }
}

// WithQueueSize overrides the bus-wide subscriber queue size.
func WithQueueSize(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// Subscribe registers a live subscriber. By default its queue is primed with
// the most recent history entries matching filter.
func (b *Bus) Subscribe(filter Filter, opts ...SubscribeOption) *Subscription {
	cfg := subscribeConfig{replay: true, queueSize: b.opts.QueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		bus:    b,
		filter: filter,
		queue:  newRing[Entry](cfg.queueSize),
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closed = true
		return sub
	}
	if cfg.replay {
		for _, e := range b.matching(filter, cfg.queueSize) {
			sub.queue.push(e)
		}
		if sub.queue.len() > 0 {
			sub.signal()
		}
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Snapshot returns up to limit of the most recent matching entries, oldest
// first. A limit <= 0 returns the whole matching history.
func (b *Bus) Snapshot(filter Filter, limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matching(filter, limit)
}

func (b *Bus) matching(filter Filter, limit int) []Entry {
	var out []Entry
	b.history.each(func(e Entry) {
		if filter.Match(e) {
			out = append(out, e)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Dropped returns the total number of entries dropped across subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Entries published afterwards are still
// kept in the history ring.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.markClosed()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
