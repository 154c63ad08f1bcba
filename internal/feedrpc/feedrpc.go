// Package feedrpc defines the JSON wire frames spoken between the feed
// daemon and its clients. Both sides import this package so the protocol
// cannot drift.
package feedrpc

import (
	"github.com/iamzoltan/piker/internal/broker"
	"github.com/iamzoltan/piker/internal/symbol"
)

// Frame types.
const (
	TypeStarted = "started"
	TypeQuote   = "quote"
	TypeStep    = "step"
	TypeError   = "error"
)

// Error codes carried in error frames.
const (
	ErrCodeNoStream      = "no_stream"
	ErrCodeBadControl    = "bad_control"
	ErrCodeUnknownBroker = "unknown_broker"
	ErrCodeInternal      = "internal"
)

// Control messages a client may send on an open feed socket.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
)

// OpenRequest is the first frame a client sends on /v1/feed.
type OpenRequest struct {
	Broker string `json:"broker"`
	Symbol string `json:"symbol"`

	// TickThrottle caps quote delivery at this rate in Hz. Zero means
	// every quote.
	TickThrottle float64 `json:"tick_throttle,omitempty"`

	// StartStream controls whether the daemon may start a new feed for
	// this symbol. When false and no feed is running, the open fails with
	// a no_stream error. Defaults to true when omitted.
	StartStream *bool `json:"start_stream,omitempty"`
}

// Start reports the effective StartStream value.
func (r OpenRequest) Start() bool {
	return r.StartStream == nil || *r.StartStream
}

// Frame is one server-to-client message.
type Frame struct {
	Type string `json:"type"`

	// started
	FQSN       string        `json:"fqsn,omitempty"`
	Init       *broker.Init  `json:"init,omitempty"`
	FirstQuote *symbol.Quote `json:"first_quote,omitempty"`

	// quote
	Quote *symbol.Quote `json:"quote,omitempty"`

	// step (index stream)
	Step int64 `json:"step,omitempty"`

	// error
	ErrCode string `json:"err_code,omitempty"`
	Error   string `json:"error,omitempty"`
}
