package sampling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iamzoltan/piker/internal/sharedmem"
)

// subscriberBuffer is the per-subscriber step channel depth. Slow consumers
// drop steps rather than block the incrementer.
const subscriberBuffer = 8

// Clock manages the per-period bar incrementers.
type Clock interface {
	// RegisterBuffer adds a shared buffer to the period's increment set,
	// starting the period's incrementer if it is not already running.
	// Registering the same buffer twice is a no-op.
	RegisterBuffer(period time.Duration, buf *sharedmem.Array)

	// UnregisterBuffer removes a buffer from the period's increment set.
	UnregisterBuffer(period time.Duration, key string)

	// Subscribe returns a channel that receives the step counter each time
	// the period's incrementer fires, plus a cancel func. The incrementer
	// for the period is started if needed.
	Subscribe(period time.Duration) (<-chan int64, func())

	// Stats returns a snapshot of running incrementers.
	Stats() Stats

	// Stop halts all incrementers and waits for them to exit.
	Stop(ctx context.Context) error
}

// Stats is a point-in-time snapshot of clock state.
type Stats struct {
	Periods     []time.Duration
	Buffers     int
	Subscribers int
}

type clock struct {
	logger *slog.Logger

	mu           sync.Mutex
	incrementers map[time.Duration]*incrementer
	stopped      bool
}

// NewClock creates a sample clock. Incrementers start lazily on first
// buffer registration or subscription per period.
func NewClock(logger *slog.Logger) Clock {
	if logger == nil {
		logger = slog.Default()
	}
	return &clock{
		logger:       logger,
		incrementers: make(map[time.Duration]*incrementer),
	}
}

func (c *clock) RegisterBuffer(period time.Duration, buf *sharedmem.Array) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.incrementerLocked(period).addBuffer(buf)
}

func (c *clock) UnregisterBuffer(period time.Duration, key string) {
	c.mu.Lock()
	inc := c.incrementers[period]
	c.mu.Unlock()
	if inc == nil {
		return
	}
	if inc.removeBuffer(key) {
		c.reap(period, inc)
	}
}

func (c *clock) Subscribe(period time.Duration) (<-chan int64, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		closed := make(chan int64)
		close(closed)
		return closed, func() {}
	}

	inc := c.incrementerLocked(period)
	ch := make(chan int64, subscriberBuffer)
	inc.addSubscriber(ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if inc.removeSubscriber(ch) {
				c.reap(period, inc)
			}
		})
	}
	return ch, cancel
}

// incrementerLocked returns the running incrementer for period, starting one
// if needed. Starting an already-started period is an observable no-op.
func (c *clock) incrementerLocked(period time.Duration) *incrementer {
	if inc, ok := c.incrementers[period]; ok {
		return inc
	}
	inc := newIncrementer(period, c.logger)
	c.incrementers[period] = inc
	inc.start()
	c.logger.Info("sample incrementer started", "period", period)
	return inc
}

// reap tears down an incrementer that has no buffers and no subscribers left.
func (c *clock) reap(period time.Duration, inc *incrementer) {
	c.mu.Lock()
	if c.stopped || c.incrementers[period] != inc || !inc.idle() {
		c.mu.Unlock()
		return
	}
	delete(c.incrementers, period)
	c.mu.Unlock()

	inc.stop()
	c.logger.Info("sample incrementer stopped", "period", period)
}

func (c *clock) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	for period, inc := range c.incrementers {
		s.Periods = append(s.Periods, period)
		nb, ns := inc.counts()
		s.Buffers += nb
		s.Subscribers += ns
	}
	return s
}

func (c *clock) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	incs := make([]*incrementer, 0, len(c.incrementers))
	for _, inc := range c.incrementers {
		incs = append(incs, inc)
	}
	c.incrementers = make(map[time.Duration]*incrementer)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, inc := range incs {
			inc.stop()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// incrementer advances all buffers sharing one sample period.
type incrementer struct {
	period time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	buffers     map[string]*sharedmem.Array
	subscribers map[chan int64]struct{}
	step        int64

	quit chan struct{}
	done chan struct{}
}

func newIncrementer(period time.Duration, logger *slog.Logger) *incrementer {
	return &incrementer{
		period:      period,
		logger:      logger,
		buffers:     make(map[string]*sharedmem.Array),
		subscribers: make(map[chan int64]struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (inc *incrementer) start() {
	go inc.run()
}

func (inc *incrementer) stop() {
	close(inc.quit)
	<-inc.done
}

func (inc *incrementer) run() {
	defer close(inc.done)

	ticker := time.NewTicker(inc.period)
	defer ticker.Stop()

	for {
		select {
		case <-inc.quit:
			return
		case <-ticker.C:
			inc.tick()
		}
	}
}

func (inc *incrementer) tick() {
	inc.mu.Lock()
	defer inc.mu.Unlock()

	for key, buf := range inc.buffers {
		if err := appendCarryForward(buf, inc.period); err != nil {
			inc.logger.Error("bar rollover failed",
				"key", key,
				"period", inc.period,
				"error", err,
			)
		}
	}

	inc.step++
	for ch := range inc.subscribers {
		select {
		case ch <- inc.step:
		default:
			// subscriber lagging, skip this step
		}
	}
}

// appendCarryForward opens the next bar seeded from the previous close with
// zero volume. An empty buffer has no close to carry; the first real bar
// arrives via history backfill or the first quote.
func appendCarryForward(buf *sharedmem.Array, period time.Duration) error {
	last, ok := buf.Last()
	if !ok {
		return nil
	}
	next := sharedmem.OHLCV{
		Time:   last.Time + int64(period/time.Second),
		Open:   last.Close,
		High:   last.Close,
		Low:    last.Close,
		Close:  last.Close,
		Volume: 0,
	}
	return buf.Push([]sharedmem.OHLCV{next}, false)
}

func (inc *incrementer) addBuffer(buf *sharedmem.Array) {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	inc.buffers[buf.Key()] = buf
}

// removeBuffer reports whether the incrementer is now idle.
func (inc *incrementer) removeBuffer(key string) bool {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	delete(inc.buffers, key)
	return len(inc.buffers) == 0 && len(inc.subscribers) == 0
}

func (inc *incrementer) addSubscriber(ch chan int64) {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	inc.subscribers[ch] = struct{}{}
}

// removeSubscriber reports whether the incrementer is now idle.
func (inc *incrementer) removeSubscriber(ch chan int64) bool {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	delete(inc.subscribers, ch)
	return len(inc.buffers) == 0 && len(inc.subscribers) == 0
}

func (inc *incrementer) idle() bool {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	return len(inc.buffers) == 0 && len(inc.subscribers) == 0
}

func (inc *incrementer) counts() (buffers, subscribers int) {
	inc.mu.Lock()
	defer inc.mu.Unlock()
	return len(inc.buffers), len(inc.subscribers)
}
