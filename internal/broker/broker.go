package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iamzoltan/piker/internal/sharedmem"
	"github.com/iamzoltan/piker/internal/symbol"
)

var (
	// ErrUnknownBroker is returned when no backend is registered under the
	// requested name.
	ErrUnknownBroker = errors.New("unknown broker backend")

	// ErrSymbolNotFound is returned by backends for symbols they do not carry.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Init is the per-symbol metadata a backend emits when a quote stream
// starts. The bus fills in ShmToken before forwarding to subscribers.
type Init struct {
	SymbolInfo symbol.Info      `json:"symbol_info"`
	FQSN       string           `json:"fqsn"`
	ShmToken   *sharedmem.Token `json:"shm_token,omitempty"`

	// SumTickVolume indicates trade tick sizes should be accumulated into
	// bar volume (set for venues that report per-trade size).
	SumTickVolume bool `json:"sum_tick_vlm,omitempty"`
}

// Stream is a started quote stream: per-symbol init metadata plus the live
// quote channel. The backend closes Quotes when the upstream connection
// ends; the first batch on Quotes carries the initial snapshot.
type Stream struct {
	Init   map[string]Init
	Quotes <-chan symbol.Quotes
}

// Adapter is the interface a broker backend implements. All methods honor
// context cancellation.
type Adapter interface {
	// Name returns the broker name used in fqsn suffixes.
	Name() string

	// StreamQuotes connects to the venue and begins streaming normalized
	// quotes for the given symbols. The stream runs until ctx is canceled
	// or the upstream drops.
	StreamQuotes(ctx context.Context, symbols []string) (*Stream, error)

	// BackfillBars fetches up to count historical bars for one symbol,
	// oldest first, ending at the current period.
	BackfillBars(ctx context.Context, sym string, count int) ([]sharedmem.OHLCV, error)

	// SearchSymbols matches pattern against the venue's instrument list.
	SearchSymbols(ctx context.Context, pattern string, limit int) (map[string]symbol.Info, error)

	// Close releases venue connections.
	Close() error
}

// Constructor builds a backend instance. Config is backend-specific and may
// be nil for backends that need none.
type Constructor func(cfg map[string]string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a backend constructor available under name. It panics on
// duplicate registration, which indicates a programmer error at init time.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("broker: duplicate registration for %q", name))
	}
	registry[name] = ctor
}

// New instantiates the named backend.
func New(name string, cfg map[string]string) (Adapter, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, name)
	}
	return ctor(cfg)
}

// Names returns the registered backend names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
