package feed

import "errors"

var (
	// ErrDuplicateBus is returned when a bus is added for a broker that
	// already has one registered.
	ErrDuplicateBus = errors.New("feed bus already registered for broker")

	// ErrNoStream is returned when a caller asks to attach to a feed that
	// has not been started and declined to start it.
	ErrNoStream = errors.New("no quote stream started for symbol")

	// ErrBusClosed is returned for operations on a closed bus.
	ErrBusClosed = errors.New("feed bus closed")

	// ErrStreamEnded is reported when a broker quote stream terminates
	// while the feed still has state attached.
	ErrStreamEnded = errors.New("broker quote stream ended")
)
