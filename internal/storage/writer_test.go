package storage

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iamzoltan/piker/internal/config"
	"github.com/iamzoltan/piker/internal/sharedmem"
)

// recordingSink captures every flush so tests can assert batching behavior
// without a database.
type recordingSink struct {
	mu      sync.Mutex
	writes  []int // bars per WriteBars call
	read    []sharedmem.OHLCV
	readErr error
}

func (s *recordingSink) WriteBars(ctx context.Context, fqsn string, bars []sharedmem.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, len(bars))
	return nil
}

func (s *recordingSink) ReadBars(ctx context.Context, fqsn string, before int64, limit int) ([]sharedmem.OHLCV, error) {
	return s.read, s.readErr
}

func (s *recordingSink) writeCalls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.writes...)
}

func testBars(n int) []sharedmem.OHLCV {
	bars := make([]sharedmem.OHLCV, n)
	for i := range bars {
		bars[i] = sharedmem.OHLCV{Time: int64(i), Close: float64(i)}
	}
	return bars
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, config.StorageConfig{
		BatchSize:     3,
		FlushInterval: time.Hour, // never fires during the test
	}, slog.Default())

	if err := w.WriteBars(context.Background(), "x.paper", testBars(2)); err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}
	if calls := sink.writeCalls(); len(calls) != 0 {
		t.Fatalf("flushed %v before reaching batch size", calls)
	}

	if err := w.WriteBars(context.Background(), "x.paper", testBars(1)); err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}
	calls := sink.writeCalls()
	if len(calls) != 1 || calls[0] != 3 {
		t.Errorf("writes = %v, want one flush of 3 bars", calls)
	}
	if got := w.Stats().Flushes; got != 1 {
		t.Errorf("flushes = %d, want 1", got)
	}
}

func TestWriterFlushesOnInterval(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, config.StorageConfig{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	}, slog.Default())
	w.Start(context.Background())
	defer w.Stop(context.Background())

	if err := w.WriteBars(context.Background(), "y.paper", testBars(5)); err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if calls := sink.writeCalls(); len(calls) > 0 {
			if calls[0] != 5 {
				t.Errorf("interval flush wrote %d bars, want 5", calls[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("interval flush never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWriterStopFlushesPending(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, config.StorageConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, slog.Default())
	w.Start(context.Background())

	if err := w.WriteBars(context.Background(), "z.paper", testBars(4)); err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	calls := sink.writeCalls()
	if len(calls) != 1 || calls[0] != 4 {
		t.Errorf("writes after Stop = %v, want one flush of 4 bars", calls)
	}
}

func TestWriterReadDelegates(t *testing.T) {
	sink := &recordingSink{read: testBars(2)}
	w := NewWriter(sink, config.StorageConfig{}, slog.Default())

	bars, err := w.ReadBars(context.Background(), "x.paper", 100, 10)
	if err != nil {
		t.Fatalf("ReadBars failed: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("got %d bars, want 2", len(bars))
	}
}
