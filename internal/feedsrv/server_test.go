package feedsrv

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamzoltan/piker/internal/config"
	"github.com/iamzoltan/piker/internal/feed"
	"github.com/iamzoltan/piker/internal/feedrpc"
	"github.com/iamzoltan/piker/internal/sampling"
	"github.com/iamzoltan/piker/internal/sharedmem"
	"github.com/iamzoltan/piker/internal/symbol"

	_ "github.com/iamzoltan/piker/internal/broker/paper"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	clock := sampling.NewClock(slog.Default())
	registry := feed.NewRegistry(clock, nil, feed.Options{}, slog.Default())
	srv := New(
		config.ServerConfig{
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		registry,
		clock,
		map[string]config.BrokerConfig{
			"paper": {Enabled: true, Options: map[string]string{
				"seed":     "7",
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
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialFeed(t *testing.T, ts *httptest.Server, req feedrpc.OpenRequest) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/feed"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("send open request: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) feedrpc.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f feedrpc.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestOpenFeedStreamsQuotes(t *testing.T) {
	ts := newTestServer(t)
	conn := dialFeed(t, ts, feedrpc.OpenRequest{Broker: "paper", Symbol: "xbtusd"})

	started := readFrame(t, conn)
	if started.Type != feedrpc.TypeStarted {
		t.Fatalf("first frame = %+v, want started", started)
	}
	if started.FQSN != "xbtusd.paper" {
		t.Errorf("fqsn = %q", started.FQSN)
	}
	if started.Init == nil || started.Init.ShmToken == nil {
		t.Fatal("started frame carries no shm token")
	}
	if started.FirstQuote == nil {
		t.Error("started frame carries no first quote")
	}

	// the token is attachable client-side
	r, err := sharedmem.Attach(*started.Init.ShmToken, true)
	if err != nil {
		t.Fatalf("attach by wire token: %v", err)
	}
	defer r.Close()

	for i := 0; i < 3; i++ {
		f := readFrame(t, conn)
		if f.Type != feedrpc.TypeQuote || f.Quote == nil {
			t.Fatalf("frame %d = %+v, want quote", i, f)
		}
		if f.Quote.Symbol != "xbtusd" {
			t.Errorf("quote symbol = %q", f.Quote.Symbol)
		}
	}
}

func TestOpenWithoutStartFailsNoStream(t *testing.T) {
	ts := newTestServer(t)
	start := false
	conn := dialFeed(t, ts, feedrpc.OpenRequest{
		Broker:      "paper",
		Symbol:      "ethusd",
		StartStream: &start,
	})

	f := readFrame(t, conn)
	if f.Type != feedrpc.TypeError || f.ErrCode != feedrpc.ErrCodeNoStream {
		t.Fatalf("got %+v, want no_stream error", f)
	}
}

func TestOpenAfterStartSucceedsWithoutStarting(t *testing.T) {
	ts := newTestServer(t)

	// first client starts the feed
	first := dialFeed(t, ts, feedrpc.OpenRequest{Broker: "paper", Symbol: "spy"})
	if f := readFrame(t, first); f.Type != feedrpc.TypeStarted {
		t.Fatalf("starter got %+v", f)
	}

	// second client attaches with start_stream=false
	start := false
	second := dialFeed(t, ts, feedrpc.OpenRequest{
		Broker:      "paper",
		Symbol:      "spy",
		StartStream: &start,
	})
	f := readFrame(t, second)
	if f.Type != feedrpc.TypeStarted {
		t.Fatalf("attacher got %+v, want started", f)
	}
	if f.FirstQuote == nil {
		t.Error("late joiner not seeded with first quote")
	}
}

func TestUnknownBrokerRejected(t *testing.T) {
	ts := newTestServer(t)
	conn := dialFeed(t, ts, feedrpc.OpenRequest{Broker: "nope", Symbol: "x"})

	f := readFrame(t, conn)
	if f.Type != feedrpc.TypeError || f.ErrCode != feedrpc.ErrCodeUnknownBroker {
		t.Fatalf("got %+v, want unknown_broker error", f)
	}
}

func TestPauseAndResume(t *testing.T) {
	ts := newTestServer(t)
	conn := dialFeed(t, ts, feedrpc.OpenRequest{Broker: "paper", Symbol: "eurusd"})
	if f := readFrame(t, conn); f.Type != feedrpc.TypeStarted {
		t.Fatalf("open failed: %+v", f)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(feedrpc.ControlPause)); err != nil {
		t.Fatalf("send pause: %v", err)
	}

	// allow in-flight frames to drain, then expect silence
	time.Sleep(100 * time.Millisecond)
	drained := 0
	for {
		conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		var f feedrpc.Frame
		if err := conn.ReadJSON(&f); err != nil {
			break // timed out: paused
		}
		drained++
		if drained > 200 {
			t.Fatal("quotes still flowing long after pause")
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(feedrpc.ControlResume)); err != nil {
		t.Fatalf("send resume: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != feedrpc.TypeQuote {
		t.Fatalf("after resume got %+v, want quote", f)
	}
}

func TestBadControlMessageEndsSession(t *testing.T) {
	ts := newTestServer(t)
	conn := dialFeed(t, ts, feedrpc.OpenRequest{Broker: "paper", Symbol: "xbtusd"})
	if f := readFrame(t, conn); f.Type != feedrpc.TypeStarted {
		t.Fatalf("open failed: %+v", f)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("self-destruct")); err != nil {
		t.Fatalf("send control: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var f feedrpc.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatal("connection dropped without bad_control frame")
		}
		if f.Type == feedrpc.TypeQuote {
			continue // in-flight quotes may precede the error
		}
		if f.Type != feedrpc.TypeError || f.ErrCode != feedrpc.ErrCodeBadControl {
			t.Fatalf("got %+v, want bad_control error", f)
		}
		break
	}

	// server closes after the error frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f feedrpc.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
	}
}

func TestIndexStream(t *testing.T) {
	ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/index?period=10ms"), nil)
	if err != nil {
		t.Fatalf("dial index: %v", err)
	}
	defer conn.Close()

	var last int64
	for i := 0; i < 3; i++ {
		f := readFrame(t, conn)
		if f.Type != feedrpc.TypeStep {
			t.Fatalf("got %+v, want step", f)
		}
		if f.Step <= last {
			t.Fatalf("steps not increasing: %d then %d", last, f.Step)
		}
		last = f.Step
	}
}

func TestIndexBadPeriod(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/index?period=banana")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/search?broker=paper&q=usd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var matches map[string]symbol.Info
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(matches) == 0 {
		t.Error("no matches for usd")
	}

	bad, err := http.Get(ts.URL + "/v1/search?broker=nope&q=x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown broker status = %d, want 400", bad.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status = %q", h.Status)
	}
}
