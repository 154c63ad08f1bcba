package feedclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamzoltan/piker/internal/broker"
	"github.com/iamzoltan/piker/internal/config"
	"github.com/iamzoltan/piker/internal/feed"
	"github.com/iamzoltan/piker/internal/feedrpc"
	"github.com/iamzoltan/piker/internal/feedsrv"
	"github.com/iamzoltan/piker/internal/sampling"
	"github.com/iamzoltan/piker/internal/sharedmem"
	"github.com/iamzoltan/piker/internal/symbol"

	_ "github.com/iamzoltan/piker/internal/broker/paper"
)

// testDaemon spins up an in-process feed server backed by the paper broker
// and returns its host:port.
func testDaemon(t *testing.T) string {
	t.Helper()

	clock := sampling.NewClock(slog.Default())
	registry := feed.NewRegistry(clock, nil, feed.Options{}, slog.Default())
	srv := feedsrv.New(
		config.ServerConfig{
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		registry,
		clock,
		map[string]config.BrokerConfig{
			"paper": {Enabled: true, Options: map[string]string{
				"seed":     "11",
				"interval": "2ms",
			}},
		},
		slog.Default(),
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Close(ctx)
		clock.Stop(ctx)
		matches, _ := filepath.Glob(filepath.Join(sharedmem.Dir(), "*.paper"))
		for _, m := range matches {
			os.Remove(m)
		}
	})
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestOpenAndReceive(t *testing.T) {
	addr := testDaemon(t)

	c, err := Open(context.Background(), addr, Options{Broker: "paper", Symbol: "xbtusd"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	if c.FQSN() != "xbtusd.paper" {
		t.Errorf("fqsn = %q", c.FQSN())
	}
	if _, ok := c.FirstQuote(); !ok {
		t.Error("no first quote cached")
	}

	// shm buffer is attachable and already holds history
	shm, err := c.Shm()
	if err != nil {
		t.Fatalf("Shm failed: %v", err)
	}
	defer shm.Close()
	if shm.Len() == 0 {
		t.Error("shared buffer empty after open")
	}

	for i := 0; i < 3; i++ {
		select {
		case q := <-c.Quotes():
			if q.Symbol != "xbtusd" {
				t.Errorf("quote symbol = %q", q.Symbol)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no quotes received")
		}
	}
}

func TestOpenNoStartFailsWithNoStream(t *testing.T) {
	addr := testDaemon(t)

	_, err := Open(context.Background(), addr, Options{
		Broker:  "paper",
		Symbol:  "ethusd",
		NoStart: true,
	})
	if !errors.Is(err, ErrNoStream) {
		t.Fatalf("got %v, want ErrNoStream", err)
	}
}

func TestOpenDialFailure(t *testing.T) {
	_, err := Open(context.Background(), "127.0.0.1:1", Options{
		Broker:           "paper",
		Symbol:           "xbtusd",
		HandshakeTimeout: time.Second,
	})
	if err == nil {
		t.Fatal("expected error dialing dead address")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	addr := testDaemon(t)

	c, err := Open(context.Background(), addr, Options{Broker: "paper", Symbol: "eurusd"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	select {
	case <-c.Quotes():
	case <-time.After(5 * time.Second):
		t.Fatal("no quotes before pause")
	}

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	// drain in-flight quotes, then verify silence
	quiet := false
	for i := 0; i < 300 && !quiet; i++ {
		select {
		case <-c.Quotes():
		case <-time.After(150 * time.Millisecond):
			quiet = true
		}
	}
	if !quiet {
		t.Fatal("quotes still flowing after pause")
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	select {
	case <-c.Quotes():
	case <-time.After(5 * time.Second):
		t.Fatal("no quotes after resume")
	}
}

func TestThrottledClientReceivesSlower(t *testing.T) {
	addr := testDaemon(t)

	c, err := Open(context.Background(), addr, Options{
		Broker:       "paper",
		Symbol:       "spy",
		TickThrottle: 10,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	received := 0
	window := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case <-c.Quotes():
			received++
		case <-window:
			break loop
		}
	}
	// paper emits ~every 2ms (= 250 quotes in the window); 10 Hz should
	// let at most a handful through
	if received > 12 {
		t.Errorf("throttled client received %d quotes in 500ms", received)
	}
	if received == 0 {
		t.Error("throttled client received nothing")
	}
}

func TestCloseEndsQuoteChannel(t *testing.T) {
	addr := testDaemon(t)

	c, err := Open(context.Background(), addr, Options{Broker: "paper", Symbol: "xbtusd"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	c.Close() // idempotent

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-c.Quotes():
			if !ok {
				if c.Err() != nil {
					t.Errorf("deliberate close recorded error: %v", c.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("quote channel not closed after Close")
		}
	}
}

func TestIndexStream(t *testing.T) {
	addr := testDaemon(t)

	s, err := OpenIndex(context.Background(), addr, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenIndex failed: %v", err)
	}
	defer s.Close()

	var last int64
	for i := 0; i < 3; i++ {
		select {
		case step := <-s.Steps():
			if step <= last {
				t.Fatalf("steps not increasing: %d then %d", last, step)
			}
			last = step
		case <-time.After(5 * time.Second):
			t.Fatal("no steps received")
		}
	}
}

// floodServer serves one feed session that answers the handshake and then
// immediately writes quote frames, far more than the client buffers.
func floodServer(t *testing.T, frames int) string {
	t.Helper()

	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req feedrpc.OpenRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		init := broker.Init{}
		if err := conn.WriteJSON(feedrpc.Frame{
			Type: feedrpc.TypeStarted,
			FQSN: "flood.test",
			Init: &init,
		}); err != nil {
			return
		}
		for i := 0; i < frames; i++ {
			q := symbol.Quote{Symbol: "flood", Time: int64(i), Last: float64(i)}
			if err := conn.WriteJSON(feedrpc.Frame{Type: feedrpc.TypeQuote, Quote: &q}); err != nil {
				return
			}
		}
		conn.ReadMessage() // hold the session open until the client closes
	}))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestCloseUnblocksUndrainedReceiver(t *testing.T) {
	addr := floodServer(t, 500)

	c, err := Open(context.Background(), addr, Options{Broker: "test", Symbol: "flood"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// let the read loop fill the receive buffer and park on the next send
	time.Sleep(200 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// buffered quotes stay readable, but once drained the channel must be
	// closed; another live quote here means the read loop was still stuck
	// delivering after Close
	buffered := len(c.quotes)
	for i := 0; i < buffered; i++ {
		<-c.quotes
	}
	select {
	case q, ok := <-c.quotes:
		if ok {
			t.Fatalf("received quote %v after close and drain", q.Last)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("quote channel not closed after Close")
	}
}
