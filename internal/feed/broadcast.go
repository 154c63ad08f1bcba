package feed

import (
	"github.com/iamzoltan/piker/internal/sharedmem"
	"github.com/iamzoltan/piker/internal/symbol"
)

// sampleAndBroadcast is the per-feed hot loop: fold each incoming quote
// into the current shared-memory bar, then fan it out to subscribers. It
// exits when the broker stream closes or the bus shuts down.
func (b *Bus) sampleAndBroadcast(f *Feed, quotes <-chan symbol.Quotes) {
	for {
		select {
		case batch, ok := <-quotes:
			if !ok {
				b.logger.Warn("quote stream ended", "fqsn", f.FQSN)
				b.dropFeed(f)
				return
			}
			for _, q := range batch {
				if err := f.foldQuote(q); err != nil {
					b.logger.Error("bar update failed",
						"fqsn", f.FQSN,
						"error", err,
					)
				}
				f.subs.broadcast(b.ctx, q)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// foldQuote merges one quote into the newest bar in place. The sample clock
// owns bar rollover; this only updates the open bar.
func (f *Feed) foldQuote(q symbol.Quote) error {
	last, ok := f.shm.Last()
	if !ok {
		// no history at all; open the series at the quote
		periodSec := int64(f.Period.Seconds())
		if periodSec <= 0 {
			periodSec = 1
		}
		bar := sharedmem.OHLCV{
			Time:  q.Time - q.Time%periodSec,
			Open:  q.Last,
			High:  q.Last,
			Low:   q.Last,
			Close: q.Last,
		}
		applyTicks(&bar, q.Ticks, f.Init.SumTickVolume)
		return f.shm.Push([]sharedmem.OHLCV{bar}, false)
	}

	updated := false
	if len(q.Ticks) > 0 {
		applyTicks(&last, q.Ticks, f.Init.SumTickVolume)
		updated = true
	} else if q.Last > 0 {
		foldPrice(&last, q.Last)
		updated = true
	}
	if !updated {
		return nil
	}
	return f.shm.WriteAt(last.Index, last)
}

// applyTicks folds a quote's tick list into a bar. Only trade ticks move
// price; book-top ticks are broadcast-only.
func applyTicks(bar *sharedmem.OHLCV, ticks []symbol.Tick, sumTickVolume bool) {
	for _, t := range ticks {
		if t.Kind != symbol.TickTrade {
			continue
		}
		foldPrice(bar, t.Price)
		if sumTickVolume {
			bar.Volume += t.Size
		}
	}
}

func foldPrice(bar *sharedmem.OHLCV, px float64) {
	if bar.Open == 0 {
		bar.Open = px
	}
	if px > bar.High {
		bar.High = px
	}
	if px < bar.Low || bar.Low == 0 {
		bar.Low = px
	}
	bar.Close = px
}
