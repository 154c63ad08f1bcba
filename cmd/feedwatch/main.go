// Command feedwatch is a terminal consumer for a running pikerd: it opens
// a feed, tails the quote stream, and periodically prints the newest bars
// from the shared buffer. Useful for eyeballing a backend end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iamzoltan/piker/internal/feedclient"
	"github.com/iamzoltan/piker/internal/sharedmem"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6969", "pikerd address")
	brokerName := flag.String("broker", "paper", "broker backend")
	symbol := flag.String("symbol", "xbtusd", "symbol to watch")
	throttle := flag.Float64("throttle", 4, "quote throttle in Hz (0 = every quote)")
	barEvery := flag.Duration("bars", 10*time.Second, "bar tail print interval (0 = never)")
	noStart := flag.Bool("no-start", false, "fail if the feed is not already running")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := watch(ctx, *addr, *brokerName, *symbol, *throttle, *barEvery, *noStart); err != nil {
		fmt.Fprintln(os.Stderr, "feedwatch:", err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, addr, brokerName, symbol string, throttle float64, barEvery time.Duration, noStart bool) error {
	c, err := feedclient.Open(ctx, addr, feedclient.Options{
		Broker:       brokerName,
		Symbol:       symbol,
		TickThrottle: throttle,
		NoStart:      noStart,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("watching %s (throttle %.1f Hz)\n", c.FQSN(), throttle)
	if first, ok := c.FirstQuote(); ok {
		fmt.Printf("first quote: last=%.4f bid=%.4f ask=%.4f\n", first.Last, first.Bid, first.Ask)
	}

	shm, err := c.Shm()
	if err != nil {
		return fmt.Errorf("attach shared buffer: %w", err)
	}
	defer shm.Close()
	fmt.Printf("shared buffer: %d bars of history\n", shm.Len())

	var barTick <-chan time.Time
	if barEvery > 0 {
		t := time.NewTicker(barEvery)
		defer t.Stop()
		barTick = t.C
	}

	for {
		select {
		case q, ok := <-c.Quotes():
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return nil
			}
			fmt.Printf("%s  last=%.4f bid=%.4f ask=%.4f ticks=%d\n",
				time.Unix(q.Time, 0).Format("15:04:05"),
				q.Last, q.Bid, q.Ask, len(q.Ticks))
		case <-barTick:
			printBarTail(shm)
		case <-ctx.Done():
			return nil
		}
	}
}

func printBarTail(shm *sharedmem.Array) {
	last := shm.Index()
	start := last - 5
	if start < shm.First() {
		start = shm.First()
	}
	fmt.Println("--- bar tail ---")
	for i := start; i < last; i++ {
		b, err := shm.At(i)
		if err != nil {
			continue
		}
		fmt.Printf("  %s  o=%.4f h=%.4f l=%.4f c=%.4f v=%.2f\n",
			time.Unix(b.Time, 0).Format("15:04:05"),
			b.Open, b.High, b.Low, b.Close, b.Volume)
	}
}
