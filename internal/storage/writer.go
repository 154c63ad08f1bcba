package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iamzoltan/piker/internal/config"
	"github.com/iamzoltan/piker/internal/sharedmem"
)

// barSink is the flush target, satisfied by *Store.
type barSink interface {
	WriteBars(ctx context.Context, fqsn string, bars []sharedmem.OHLCV) error
	ReadBars(ctx context.Context, fqsn string, before int64, limit int) ([]sharedmem.OHLCV, error)
}

// Writer batches bar writes ahead of a Store. WriteBars enqueues; bars hit
// the database when a symbol's pending batch reaches the configured size or
// on the periodic flush, whichever comes first. Reads pass straight through.
type Writer struct {
	sink   barSink
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string][]sharedmem.OHLCV
	stats   WriterStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WriterStats counts writer activity.
type WriterStats struct {
	Enqueued int64
	Flushes  int64
	Errors   int64
}

// NewWriter wraps a sink in a batching writer using the storage config's
// batch_size and flush_interval.
func NewWriter(sink barSink, cfg config.StorageConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = config.DefaultFlushInterval
	}
	return &Writer{
		sink:          sink,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		pending:       make(map[string][]sharedmem.OHLCV),
	}
}

// Start launches the periodic flush loop.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// WriteBars enqueues bars for one symbol. When the symbol's pending batch
// reaches the batch size it is written out immediately; otherwise the flush
// loop picks it up.
func (w *Writer) WriteBars(ctx context.Context, fqsn string, bars []sharedmem.OHLCV) error {
	if len(bars) == 0 {
		return nil
	}

	w.mu.Lock()
	w.pending[fqsn] = append(w.pending[fqsn], bars...)
	w.stats.Enqueued += int64(len(bars))
	var full []sharedmem.OHLCV
	if len(w.pending[fqsn]) >= w.batchSize {
		full = w.pending[fqsn]
		delete(w.pending, fqsn)
	}
	w.mu.Unlock()

	if full == nil {
		return nil
	}
	return w.write(ctx, fqsn, full)
}

// ReadBars delegates to the underlying store.
func (w *Writer) ReadBars(ctx context.Context, fqsn string, before int64, limit int) ([]sharedmem.OHLCV, error) {
	return w.sink.ReadBars(ctx, fqsn, before, limit)
}

// flushAll writes every pending batch. Re-inserting bars is a no-op at the
// store, so a failed batch is simply dropped and counted.
func (w *Writer) flushAll(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string][]sharedmem.OHLCV)
	w.mu.Unlock()

	for fqsn, bars := range pending {
		if err := w.write(ctx, fqsn, bars); err != nil {
			w.logger.Warn("bar flush failed", "fqsn", fqsn, "count", len(bars), "error", err)
		}
	}
}

func (w *Writer) write(ctx context.Context, fqsn string, bars []sharedmem.OHLCV) error {
	err := w.sink.WriteBars(ctx, fqsn, bars)
	w.mu.Lock()
	w.stats.Flushes++
	if err != nil {
		w.stats.Errors++
	}
	w.mu.Unlock()
	return err
}

// Stats returns a copy of the activity counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Stop halts the flush loop and writes out whatever is still pending.
func (w *Writer) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.flushAll(ctx)
	return ctx.Err()
}
