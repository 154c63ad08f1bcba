// Package sampling drives time-based OHLCV bar rollover.
//
// A Clock runs one incrementer goroutine per sample period. On each tick the
// incrementer appends a carry-forward bar (previous close, zero volume) to
// every shared buffer registered for that period, then notifies subscribers.
// Subscriber notification is best effort: a subscriber that cannot keep up
// misses steps rather than stalling the clock.
package sampling
