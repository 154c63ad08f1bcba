package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/iamzoltan/piker/internal/symbol"
)

// quoteBuffer is the per-subscriber delivery channel depth. When it fills,
// the broadcast loop blocks rather than dropping data; subscribers that
// want lossy delivery ask for a throttle instead.
const quoteBuffer = 64

// Subscription is one consumer's handle on a feed's quote stream.
type Subscription struct {
	sub *subscriber
	set *subscriberSet
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() uuid.UUID { return s.sub.id }

// Quotes is the delivery channel. It is closed when the subscription or the
// owning feed is closed.
func (s *Subscription) Quotes() <-chan symbol.Quote { return s.sub.ch }

// Pause stops delivery without tearing the subscription down. Pausing an
// already-paused subscription is a no-op.
func (s *Subscription) Pause() { s.sub.paused.Store(true) }

// Resume restarts delivery. Resuming an active subscription is a no-op.
func (s *Subscription) Resume() { s.sub.paused.Store(false) }

// Paused reports the current delivery state.
func (s *Subscription) Paused() bool { return s.sub.paused.Load() }

// Close removes the subscription from the feed. Safe to call twice.
func (s *Subscription) Close() { s.set.remove(s.sub.id) }

type subscriber struct {
	id     uuid.UUID
	ch     chan symbol.Quote
	paused atomic.Bool

	// throttled path: broadcast coalesces into pending, the relay drains
	// it at the requested rate
	limiter *rate.Limiter
	pending chan symbol.Quote

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// subscriberSet is the fan-out target list for one feed.
type subscriberSet struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*subscriber
}

func newSubscriberSet(logger *slog.Logger) *subscriberSet {
	return &subscriberSet{
		logger: logger,
		subs:   make(map[uuid.UUID]*subscriber),
	}
}

// add registers a new subscriber. throttleHz > 0 enables lossy coalesced
// delivery capped at that rate; zero means lossless delivery of every quote.
// The relay goroutine for a throttled subscriber lives until ctx is done or
// the subscription is closed.
func (ss *subscriberSet) add(ctx context.Context, throttleHz float64) *Subscription {
	sub := &subscriber{
		id:   uuid.New(),
		ch:   make(chan symbol.Quote, quoteBuffer),
		done: make(chan struct{}),
	}
	if throttleHz > 0 {
		sub.limiter = rate.NewLimiter(rate.Limit(throttleHz), 1)
		sub.pending = make(chan symbol.Quote, 1)
		go ss.relay(ctx, sub)
	}

	ss.mu.Lock()
	ss.subs[sub.id] = sub
	ss.mu.Unlock()

	return &Subscription{sub: sub, set: ss}
}

func (ss *subscriberSet) remove(id uuid.UUID) {
	ss.mu.Lock()
	sub, ok := ss.subs[id]
	delete(ss.subs, id)
	ss.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (ss *subscriberSet) len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.subs)
}

// closeAll tears down every subscription, closing their channels.
func (ss *subscriberSet) closeAll() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = make(map[uuid.UUID]*subscriber)
	ss.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// broadcast delivers one quote to every active subscriber. Unthrottled
// subscribers get a blocking send: a consumer that stops draining stalls
// the feed rather than losing data. Throttled subscribers get the quote
// coalesced into their pending slot, newest wins.
func (ss *subscriberSet) broadcast(ctx context.Context, q symbol.Quote) {
	ss.mu.RLock()
	subs := make([]*subscriber, 0, len(ss.subs))
	for _, sub := range ss.subs {
		subs = append(subs, sub)
	}
	ss.mu.RUnlock()

	for _, sub := range subs {
		if sub.paused.Load() {
			continue
		}

		if sub.pending != nil {
			coalesce(sub.pending, q)
			continue
		}

		select {
		case sub.ch <- q:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}

// coalesce replaces the pending quote with the newer one.
func coalesce(pending chan symbol.Quote, q symbol.Quote) {
	for {
		select {
		case pending <- q:
			return
		default:
		}
		select {
		case <-pending:
		default:
		}
	}
}

// relay drains a throttled subscriber's pending slot at its configured rate.
func (ss *subscriberSet) relay(ctx context.Context, sub *subscriber) {
	for {
		var q symbol.Quote
		select {
		case q = <-sub.pending:
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		}

		if err := sub.limiter.Wait(ctx); err != nil {
			return
		}

		// a newer quote may have landed while rate-waiting
		select {
		case q = <-sub.pending:
		default:
		}

		if sub.paused.Load() {
			continue
		}
		select {
		case sub.ch <- q:
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
