// Package symbol defines shared market-data types used across the feed daemon.
//
// Conventions:
//   - fqsn ("fully qualified symbol name") is "<symbol>.<broker>", lowercase
//   - timestamps: int64 seconds since Unix epoch (bar times), as written to
//     the shared-memory layout
//   - prices and sizes: float64, fixed width for the shm record layout
package symbol

import (
	"fmt"
	"strings"
)

// AssetType classifies a tradeable instrument.
type AssetType string

const (
	AssetStock  AssetType = "stock"
	AssetOption AssetType = "option"
	AssetFuture AssetType = "future"
	AssetForex  AssetType = "forex"
	AssetCrypto AssetType = "crypto"
	AssetIndex  AssetType = "index"
)

// Info is the broker-provided metadata for one symbol, delivered inside the
// stream-start init message.
type Info struct {
	AssetType     AssetType `json:"asset_type"`
	PriceTickSize float64   `json:"price_tick_size"`
	LotTickSize   float64   `json:"lot_tick_size"`
}

// Symbol is an immutable instrument descriptor owned by the client-side feed.
type Symbol struct {
	// Key is the plain symbol name as the broker knows it (e.g. "xbtusd").
	Key string

	// Type is the instrument class.
	Type AssetType

	// TickSize is the minimum price increment.
	TickSize float64

	// LotTickSize is the minimum size increment.
	LotTickSize float64

	// BrokerInfo holds the raw per-broker info message, keyed by broker name.
	BrokerInfo map[string]Info
}

// New builds a Symbol from a broker init message entry. Zero tick sizes fall
// back to conventional defaults so downstream chart math never divides by zero.
func New(key string, info Info) Symbol {
	typ := info.AssetType
	if typ == "" {
		typ = AssetForex
	}
	tick := info.PriceTickSize
	if tick == 0 {
		tick = 0.01
	}
	return Symbol{
		Key:         strings.ToLower(key),
		Type:        typ,
		TickSize:    tick,
		LotTickSize: info.LotTickSize,
		BrokerInfo:  make(map[string]Info),
	}
}

// FQSN returns the fully qualified symbol name for a broker/symbol pair.
func FQSN(broker, sym string) string {
	return strings.ToLower(sym) + "." + strings.ToLower(broker)
}

// SplitFQSN breaks an fqsn back into (symbol, broker). The broker is the
// suffix after the last dot; symbols themselves may contain dots
// (e.g. "mnq.globex.ib").
func SplitFQSN(fqsn string) (sym, broker string, err error) {
	i := strings.LastIndex(fqsn, ".")
	if i <= 0 || i == len(fqsn)-1 {
		return "", "", fmt.Errorf("malformed fqsn: %q", fqsn)
	}
	return fqsn[:i], fqsn[i+1:], nil
}

// TickKind labels one entry in a quote's tick list.
type TickKind string

const (
	TickTrade TickKind = "trade"
	TickBid   TickKind = "bid"
	TickAsk   TickKind = "ask"
)

// Tick is a single trade or book-top update inside a quote.
type Tick struct {
	Kind  TickKind `json:"type"`
	Price float64  `json:"price"`
	Size  float64  `json:"size"`
}

// Quote is one normalized update for a symbol as pushed by a broker backend.
type Quote struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"` // epoch seconds
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	Ticks  []Tick  `json:"ticks,omitempty"`
}

// Quotes is a batch of updates keyed by plain symbol name, interleaved in
// time on a multi-symbol bus.
type Quotes map[string]Quote
