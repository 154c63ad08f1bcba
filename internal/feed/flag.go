package feed

import (
	"context"
	"sync"
)

// Flag is a one-shot, level-triggered event. Waiters block until the first
// Set; waits after Set return immediately. Set is idempotent.
type Flag struct {
	once sync.Once
	done chan struct{}
}

// NewFlag returns an unset flag.
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set marks the flag. Safe to call more than once.
func (f *Flag) Set() {
	f.once.Do(func() { close(f.done) })
}

// IsSet reports whether Set has been called.
func (f *Flag) IsSet() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the flag is set or ctx is done.
func (f *Flag) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the flag's channel for use in select statements.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}
