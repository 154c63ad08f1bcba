// Package paper implements a synthetic broker backend. It generates a
// seeded random-walk price series per symbol, which makes the full feed
// pipeline runnable with no venue credentials and gives tests a
// deterministic quote source.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iamzoltan/piker/internal/broker"
	"github.com/iamzoltan/piker/internal/sharedmem"
	"github.com/iamzoltan/piker/internal/symbol"
)

// Name is the broker name this backend registers under.
const Name = "paper"

func init() {
	broker.Register(Name, func(cfg map[string]string) (broker.Adapter, error) {
		return New(cfg)
	})
}

// universe is the static instrument list the synthetic venue carries.
var universe = map[string]symbol.Info{
	"xbtusd":  {AssetType: symbol.AssetCrypto, PriceTickSize: 0.5, LotTickSize: 1},
	"ethusd":  {AssetType: symbol.AssetCrypto, PriceTickSize: 0.05, LotTickSize: 1},
	"eurusd":  {AssetType: symbol.AssetForex, PriceTickSize: 0.0001, LotTickSize: 1000},
	"mnq.cme": {AssetType: symbol.AssetFuture, PriceTickSize: 0.25, LotTickSize: 1},
	"spy":     {AssetType: symbol.AssetStock, PriceTickSize: 0.01, LotTickSize: 1},
}

type backend struct {
	seed     int64
	interval time.Duration

	mu     sync.Mutex
	closed bool
	cancel []context.CancelFunc
}

// New builds a paper backend. Recognized config keys: "seed" (int64, fixes
// the walk for reproducible runs) and "interval" (Go duration between
// quotes, default 100ms).
func New(cfg map[string]string) (*backend, error) {
	b := &backend{
		seed:     time.Now().UnixNano(),
		interval: 100 * time.Millisecond,
	}
	if v, ok := cfg["seed"]; ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("paper: bad seed %q: %w", v, err)
		}
		b.seed = seed
	}
	if v, ok := cfg["interval"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("paper: bad interval %q: %w", v, err)
		}
		b.interval = d
	}
	return b, nil
}

func (b *backend) Name() string { return Name }

func (b *backend) StreamQuotes(ctx context.Context, symbols []string) (*broker.Stream, error) {
	init := make(map[string]broker.Init, len(symbols))
	walks := make(map[string]*walk, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToLower(sym)
		info, ok := universe[sym]
		if !ok {
			return nil, fmt.Errorf("%w: %q", broker.ErrSymbolNotFound, sym)
		}
		init[sym] = broker.Init{
			SymbolInfo:    info,
			FQSN:          symbol.FQSN(Name, sym),
			SumTickVolume: true,
		}
		walks[sym] = newWalk(sym, b.seed, info.PriceTickSize)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("paper: backend closed")
	}
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	quotes := make(chan symbol.Quotes)
	go b.generate(ctx, walks, quotes)

	return &broker.Stream{Init: init, Quotes: quotes}, nil
}

func (b *backend) generate(ctx context.Context, walks map[string]*walk, out chan<- symbol.Quotes) {
	defer close(out)

	// initial snapshot batch
	snap := make(symbol.Quotes, len(walks))
	for sym, w := range walks {
		snap[sym] = w.quote(time.Now())
	}
	select {
	case out <- snap:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			batch := make(symbol.Quotes, len(walks))
			for sym, w := range walks {
				w.step()
				batch[sym] = w.quote(now)
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *backend) BackfillBars(ctx context.Context, sym string, count int) ([]sharedmem.OHLCV, error) {
	sym = strings.ToLower(sym)
	info, ok := universe[sym]
	if !ok {
		return nil, fmt.Errorf("%w: %q", broker.ErrSymbolNotFound, sym)
	}
	if count <= 0 {
		return nil, nil
	}

	// replay the walk backward-dated so bars end at the current second
	w := newWalk(sym, b.seed, info.PriceTickSize)
	end := time.Now().Unix()
	bars := make([]sharedmem.OHLCV, 0, count)
	for i := 0; i < count; i++ {
		open := w.price
		high, low := open, open
		for j := 0; j < 4; j++ {
			w.step()
			if w.price > high {
				high = w.price
			}
			if w.price < low {
				low = w.price
			}
		}
		bars = append(bars, sharedmem.OHLCV{
			Time:   end - int64(count-i),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  w.price,
			Volume: float64(w.rng.Intn(100) + 1),
		})
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return bars, nil
}

func (b *backend) SearchSymbols(ctx context.Context, pattern string, limit int) (map[string]symbol.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pattern = strings.ToLower(pattern)
	out := make(map[string]symbol.Info)
	for sym, info := range universe {
		if limit > 0 && len(out) >= limit {
			break
		}
		if strings.Contains(sym, pattern) {
			out[sym] = info
		}
	}
	return out, nil
}

func (b *backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, cancel := range b.cancel {
		cancel()
	}
	b.cancel = nil
	return nil
}

// walk is a clamped random-walk price process for one symbol.
type walk struct {
	sym   string
	tick  float64
	price float64
	rng   *rand.Rand
}

func newWalk(sym string, seed int64, tick float64) *walk {
	// derive a per-symbol seed so multi-symbol streams are uncorrelated
	var h int64
	for _, c := range sym {
		h = h*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed ^ h))
	return &walk{
		sym:   sym,
		tick:  tick,
		price: tick * float64(10000+rng.Intn(90000)),
		rng:   rng,
	}
}

func (w *walk) step() {
	delta := float64(w.rng.Intn(7)-3) * w.tick
	w.price += delta
	if w.price < w.tick {
		w.price = w.tick
	}
}

func (w *walk) quote(now time.Time) symbol.Quote {
	size := float64(w.rng.Intn(10) + 1)
	return symbol.Quote{
		Symbol: w.sym,
		Time:   now.Unix(),
		Last:   w.price,
		Bid:    w.price - w.tick,
		Ask:    w.price + w.tick,
		Ticks: []symbol.Tick{
			{Kind: symbol.TickTrade, Price: w.price, Size: size},
			{Kind: symbol.TickBid, Price: w.price - w.tick, Size: size * 2},
			{Kind: symbol.TickAsk, Price: w.price + w.tick, Size: size * 2},
		},
	}
}
