package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/iamzoltan/piker/internal/broker"
	"github.com/iamzoltan/piker/internal/sampling"
	"github.com/iamzoltan/piker/internal/sharedmem"
	"github.com/iamzoltan/piker/internal/symbol"
)

// backfillCount is how many historical bars a new feed pulls from the
// broker before going live.
const backfillCount = 1000

// BarStore persists bar history beyond the shared buffer's capacity. The
// bus treats persistence as best effort: a failing store degrades history
// depth, never the live feed.
type BarStore interface {
	WriteBars(ctx context.Context, fqsn string, bars []sharedmem.OHLCV) error
	ReadBars(ctx context.Context, fqsn string, before int64, limit int) ([]sharedmem.OHLCV, error)
}

// Options tune feed allocation for a registry's busses.
type Options struct {
	// ShmSize is the shared buffer capacity in records. Zero means
	// sharedmem.DefaultSize.
	ShmSize int64

	// DefaultPeriod is the bar period assumed when backfill history is too
	// thin to infer one. Zero means one second.
	DefaultPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.ShmSize <= 0 {
		o.ShmSize = sharedmem.DefaultSize
	}
	if o.DefaultPeriod <= 0 {
		o.DefaultPeriod = time.Second
	}
	return o
}

// Registry holds the per-broker busses.
type Registry struct {
	logger *slog.Logger
	clock  sampling.Clock
	store  BarStore
	opts   Options

	mu     sync.Mutex
	busses map[string]*Bus
}

// NewRegistry creates an empty bus registry. store may be nil when no
// persistence layer is configured.
func NewRegistry(clock sampling.Clock, store BarStore, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		clock:  clock,
		store:  store,
		opts:   opts.withDefaults(),
		busses: make(map[string]*Bus),
	}
}

// Add registers a bus under the broker name. Adding a second bus for the
// same broker fails with ErrDuplicateBus.
func (r *Registry) Add(name string, b *Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.busses[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateBus, name)
	}
	r.busses[name] = b
	return nil
}

// Get returns the bus for a broker, if one is registered.
func (r *Registry) Get(name string) (*Bus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.busses[name]
	return b, ok
}

// Open returns the broker's bus, instantiating the backend and creating the
// bus on first use.
func (r *Registry) Open(name string, cfg map[string]string) (*Bus, error) {
	if b, ok := r.Get(name); ok {
		return b, nil
	}

	adapter, err := broker.New(name, cfg)
	if err != nil {
		return nil, err
	}
	b := NewBus(adapter, r.clock, r.store, r.opts, r.logger.With("broker", name))
	if err := r.Add(name, b); err != nil {
		// lost the race; use the winner's bus
		b.Close(context.Background())
		existing, _ := r.Get(name)
		return existing, nil
	}
	return b, nil
}

// Close shuts down every bus.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	busses := make([]*Bus, 0, len(r.busses))
	for _, b := range r.busses {
		busses = append(busses, b)
	}
	r.busses = make(map[string]*Bus)
	r.mu.Unlock()

	var firstErr error
	for _, b := range busses {
		if err := b.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Bus owns the persistent feeds for one broker backend.
type Bus struct {
	adapter broker.Adapter
	clock   sampling.Clock
	store   BarStore
	opts    Options
	logger  *slog.Logger

	// alloc serializes feed allocation so exactly one caller does the
	// expensive startup and the rest attach, in arrival order.
	alloc *fifoLock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	feeds  map[string]*Feed
	closed bool
}

// NewBus wraps a broker adapter in a feed bus.
func NewBus(adapter broker.Adapter, clock sampling.Clock, store BarStore, opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		adapter: adapter,
		clock:   clock,
		store:   store,
		opts:    opts.withDefaults(),
		logger:  logger,
		alloc:   newFIFOLock(),
		ctx:     ctx,
		cancel:  cancel,
		feeds:   make(map[string]*Feed),
	}
}

// Broker returns the backend name this bus serves.
func (b *Bus) Broker() string { return b.adapter.Name() }

// SearchSymbols proxies a symbol search to the backend.
func (b *Bus) SearchSymbols(ctx context.Context, pattern string, limit int) (map[string]symbol.Info, error) {
	return b.adapter.SearchSymbols(ctx, pattern, limit)
}

// Feed returns the already-allocated feed for a symbol, if any.
func (b *Bus) Feed(sym string) (*Feed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.feeds[strings.ToLower(sym)]
	return f, ok
}

// Stats is a point-in-time snapshot of bus state.
type Stats struct {
	Broker      string
	Feeds       int
	Subscribers int
}

// Stats snapshots the bus.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{Broker: b.adapter.Name(), Feeds: len(b.feeds)}
	for _, f := range b.feeds {
		s.Subscribers += f.subs.len()
	}
	return s
}

// AllocatePersistentFeed returns the live feed for a symbol, starting it if
// this is the first request. Concurrent callers for the same symbol are
// served first come, first served: one performs the startup, the rest get
// the same feed. The feed persists after the caller is gone.
func (b *Bus) AllocatePersistentFeed(ctx context.Context, sym string) (*Feed, error) {
	sym = strings.ToLower(sym)

	if err := b.alloc.Lock(ctx); err != nil {
		return nil, err
	}
	defer b.alloc.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if f, ok := b.feeds[sym]; ok {
		b.mu.Unlock()
		return f, nil
	}
	b.mu.Unlock()

	f, err := b.startFeed(ctx, sym)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		f.teardown()
		return nil, ErrBusClosed
	}
	b.feeds[sym] = f
	b.mu.Unlock()

	b.logger.Info("persistent feed allocated",
		"fqsn", f.FQSN,
		"period", f.Period,
		"history_bars", f.shm.Len(),
	)
	return f, nil
}

// startFeed performs the one-time feed setup: start the broker stream,
// open the shared buffer, backfill history, hook up sampling, and wait for
// the first live quote.
func (b *Bus) startFeed(ctx context.Context, sym string) (*Feed, error) {
	// the stream lives on the bus context so it survives the caller
	streamCtx, streamCancel := context.WithCancel(b.ctx)
	stream, err := b.adapter.StreamQuotes(streamCtx, []string{sym})
	if err != nil {
		streamCancel()
		return nil, fmt.Errorf("start quote stream for %q: %w", sym, err)
	}

	init, ok := stream.Init[sym]
	if !ok {
		streamCancel()
		return nil, fmt.Errorf("broker %q returned no init for %q", b.adapter.Name(), sym)
	}
	fqsn := init.FQSN
	if fqsn == "" {
		fqsn = symbol.FQSN(b.adapter.Name(), sym)
	}

	shm, created, err := sharedmem.MaybeOpen(fqsn, b.opts.ShmSize)
	if err != nil {
		streamCancel()
		return nil, fmt.Errorf("open shm buffer for %q: %w", fqsn, err)
	}

	bars, err := b.adapter.BackfillBars(ctx, sym, backfillCount)
	if err != nil {
		if shm.Len() == 0 {
			// nothing to serve at all; fail the allocation so a later
			// caller retries instead of caching a dead feed
			streamCancel()
			shm.Close()
			return nil, fmt.Errorf("backfill history for %q: %w", fqsn, err)
		}
		b.logger.Warn("history backfill failed, serving stale buffer",
			"fqsn", fqsn, "error", err)
	}
	if shm.Len() == 0 && len(bars) > 0 {
		if err := shm.Push(bars, false); err != nil {
			streamCancel()
			shm.Close()
			return nil, fmt.Errorf("seed shm history for %q: %w", fqsn, err)
		}
	}
	b.loadStoredHistory(ctx, fqsn, shm)

	period := detectPeriod(bars, b.opts.DefaultPeriod)
	tok := shm.Token()
	init.ShmToken = &tok

	f := &Feed{
		FQSN:      fqsn,
		Symbol:    sym,
		Init:      init,
		Period:    period,
		bus:       b,
		shm:       shm,
		cancel:    streamCancel,
		dataReady: NewFlag(),
		live:      NewFlag(),
		subs:      newSubscriberSet(b.logger),
	}

	b.clock.RegisterBuffer(period, shm)
	f.dataReady.Set()

	// the first quote batch proves the stream is live
	select {
	case batch, ok := <-stream.Quotes:
		if !ok {
			f.teardown()
			return nil, fmt.Errorf("%w: %q closed before first quote", ErrStreamEnded, fqsn)
		}
		if q, ok := batch[sym]; ok {
			f.setFirstQuote(q)
		}
		f.live.Set()
	case <-ctx.Done():
		f.teardown()
		return nil, ctx.Err()
	case <-b.ctx.Done():
		f.teardown()
		return nil, ErrBusClosed
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sampleAndBroadcast(f, stream.Quotes)
	}()

	if created && b.store != nil && len(bars) > 0 {
		b.persistBars(fqsn, bars)
	}
	return f, nil
}

// loadStoredHistory prepends bars from the persistence layer that are older
// than what the broker backfill provided.
func (b *Bus) loadStoredHistory(ctx context.Context, fqsn string, shm *sharedmem.Array) {
	if b.store == nil || shm.Len() == 0 {
		return
	}
	oldest, err := shm.At(shm.First())
	if err != nil {
		return
	}
	stored, err := b.store.ReadBars(ctx, fqsn, oldest.Time, int(shm.First()))
	if err != nil {
		b.logger.Warn("stored history load failed", "fqsn", fqsn, "error", err)
		return
	}
	if len(stored) == 0 {
		return
	}
	if err := shm.Push(stored, true); err != nil {
		b.logger.Warn("stored history prepend failed", "fqsn", fqsn, "error", err)
		return
	}
	b.logger.Info("stored history prepended", "fqsn", fqsn, "bars", len(stored))
}

// persistBars writes backfilled history to the store off the hot path.
func (b *Bus) persistBars(fqsn string, bars []sharedmem.OHLCV) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
		defer cancel()
		if err := b.store.WriteBars(ctx, fqsn, bars); err != nil {
			b.logger.Warn("bar persistence failed", "fqsn", fqsn, "error", err)
		}
	}()
}

// detectPeriod infers the bar period from the last two distinct history bar
// times. Brokers do not report this uniformly; the data itself is the
// authority. Falls back to the configured default with insufficient history.
func detectPeriod(bars []sharedmem.OHLCV, fallback time.Duration) time.Duration {
	for i := len(bars) - 1; i > 0; i-- {
		if d := bars[i].Time - bars[i-1].Time; d > 0 {
			return time.Duration(d) * time.Second
		}
	}
	return fallback
}

// dropFeed removes a feed whose stream ended so a later allocation can
// restart it.
func (b *Bus) dropFeed(f *Feed) {
	b.mu.Lock()
	if b.feeds[f.Symbol] == f {
		delete(b.feeds, f.Symbol)
	}
	b.mu.Unlock()
	f.teardown()
}

// Close cancels every feed stream and waits for the broadcast loops.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	feeds := make([]*Feed, 0, len(b.feeds))
	for _, f := range b.feeds {
		feeds = append(feeds, f)
	}
	b.feeds = make(map[string]*Feed)
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, f := range feeds {
		f.teardown()
	}
	return b.adapter.Close()
}

// Feed is one symbol's persistent stream state on a bus.
type Feed struct {
	// FQSN is the fully qualified symbol name ("<symbol>.<broker>").
	FQSN string

	// Symbol is the plain symbol key as the broker knows it.
	Symbol string

	// Init is the broker's start-of-stream metadata with the shm token
	// filled in.
	Init broker.Init

	// Period is the bar sample period backing the shm buffer.
	Period time.Duration

	bus       *Bus
	shm       *sharedmem.Array
	cancel    context.CancelFunc
	dataReady *Flag
	live      *Flag
	subs      *subscriberSet

	quoteMu    sync.Mutex
	firstQuote symbol.Quote
	hasFirst   bool
}

// Token returns the shm token clients attach with.
func (f *Feed) Token() sharedmem.Token { return f.shm.Token() }

// DataReady is set once history is seeded into the shared buffer.
func (f *Feed) DataReady() *Flag { return f.dataReady }

// Live is set once the first quote has arrived from the broker.
func (f *Feed) Live() *Flag { return f.live }

// FirstQuote returns the cached earliest quote, used to seed late joiners
// before their first live tick.
func (f *Feed) FirstQuote() (symbol.Quote, bool) {
	f.quoteMu.Lock()
	defer f.quoteMu.Unlock()
	return f.firstQuote, f.hasFirst
}

func (f *Feed) setFirstQuote(q symbol.Quote) {
	f.quoteMu.Lock()
	defer f.quoteMu.Unlock()
	if !f.hasFirst {
		f.firstQuote = q
		f.hasFirst = true
	}
}

// Subscribe attaches a consumer. throttleHz > 0 requests coalesced delivery
// at that rate; zero delivers every quote.
func (f *Feed) Subscribe(throttleHz float64) *Subscription {
	return f.subs.add(f.bus.ctx, throttleHz)
}

// Subscribers returns the current subscriber count.
func (f *Feed) Subscribers() int { return f.subs.len() }

func (f *Feed) teardown() {
	f.cancel()
	f.subs.closeAll()
	f.bus.clock.UnregisterBuffer(f.Period, f.shm.Key())
	f.shm.Close()
}
