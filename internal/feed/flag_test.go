package feed

import (
	"context"
	"testing"
	"time"
)

func TestFlagWaitBlocksUntilSet(t *testing.T) {
	f := NewFlag()

	if f.IsSet() {
		t.Fatal("new flag reports set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); err == nil {
		t.Fatal("Wait returned before Set")
	}

	f.Set()
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after Set failed: %v", err)
	}
	if !f.IsSet() {
		t.Error("IsSet false after Set")
	}
}

func TestFlagSetIdempotent(t *testing.T) {
	f := NewFlag()
	f.Set()
	f.Set() // must not panic on double close

	select {
	case <-f.Done():
	default:
		t.Error("Done channel not closed after Set")
	}
}
