// Package feedclient is the consumer-side facade for the feed daemon: it
// opens a quote stream over WebSocket, attaches the shared bar buffer by
// token, and exposes pause/resume control.
package feedclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamzoltan/piker/internal/broker"
	"github.com/iamzoltan/piker/internal/feed"
	"github.com/iamzoltan/piker/internal/feedrpc"
	"github.com/iamzoltan/piker/internal/sharedmem"
	"github.com/iamzoltan/piker/internal/symbol"
)

var (
	// ErrHandshakeTimeout is returned when the daemon does not answer an
	// open request in time.
	ErrHandshakeTimeout = errors.New("feed handshake timed out")

	// ErrNoStream mirrors the daemon-side sentinel so callers can test
	// with errors.Is on either side of the wire.
	ErrNoStream = feed.ErrNoStream

	// ErrBadControl is returned when the daemon rejected a control message.
	ErrBadControl = errors.New("daemon rejected control message")
)

// receiveBuffer is the client-side quote queue depth.
const receiveBuffer = 64

// Options configure an Open call.
type Options struct {
	Broker string
	Symbol string

	// TickThrottle caps delivery at this rate in Hz; zero delivers every
	// quote.
	TickThrottle float64

	// NoStart fails with ErrNoStream instead of starting the feed when it
	// is not already running daemon-side.
	NoStart bool

	// HandshakeTimeout bounds the wait for the started frame. Defaults to
	// 10s.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Client is one open feed stream.
type Client struct {
	fqsn   string
	init   broker.Init
	first  *symbol.Quote
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	quotes chan symbol.Quote
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Open dials the daemon at addr (host:port) and starts a feed session. It
// returns once the started frame arrives, so the shm token and first quote
// are immediately available.
func Open(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, "ws://"+addr+"/v1/feed", nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("dial feed daemon: %w", err)
	}

	start := !opts.NoStart
	req := feedrpc.OpenRequest{
		Broker:       opts.Broker,
		Symbol:       opts.Symbol,
		TickThrottle: opts.TickThrottle,
		StartStream:  &start,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send open request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
	var started feedrpc.Frame
	if err := conn.ReadJSON(&started); err != nil {
		conn.Close()
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("read started frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch started.Type {
	case feedrpc.TypeStarted:
	case feedrpc.TypeError:
		conn.Close()
		return nil, frameError(started)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected frame type %q during handshake", started.Type)
	}
	if started.Init == nil {
		conn.Close()
		return nil, errors.New("started frame missing init")
	}

	c := &Client{
		fqsn:   started.FQSN,
		init:   *started.Init,
		first:  started.FirstQuote,
		logger: logger,
		conn:   conn,
		quotes: make(chan symbol.Quote, receiveBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// FQSN returns the stream's fully qualified symbol name.
func (c *Client) FQSN() string { return c.fqsn }

// Init returns the daemon's start-of-stream metadata.
func (c *Client) Init() broker.Init { return c.init }

// Symbol builds the instrument descriptor from the stream's init metadata.
func (c *Client) Symbol() symbol.Symbol {
	sym, brokerName, err := symbol.SplitFQSN(c.fqsn)
	if err != nil {
		sym, brokerName = c.fqsn, ""
	}
	s := symbol.New(sym, c.init.SymbolInfo)
	if brokerName != "" {
		s.BrokerInfo[brokerName] = c.init.SymbolInfo
	}
	return s
}

// FirstQuote returns the cached earliest quote, if the daemon had one.
func (c *Client) FirstQuote() (symbol.Quote, bool) {
	if c.first == nil {
		return symbol.Quote{}, false
	}
	return *c.first, true
}

// Quotes is the live quote channel. It closes when the stream ends; check
// Err afterwards.
func (c *Client) Quotes() <-chan symbol.Quote { return c.quotes }

// Shm attaches the stream's shared bar buffer readonly.
func (c *Client) Shm() (*sharedmem.Array, error) {
	if c.init.ShmToken == nil {
		return nil, errors.New("stream carries no shm token")
	}
	return sharedmem.Attach(*c.init.ShmToken, true)
}

// Pause asks the daemon to stop delivery without closing the stream.
func (c *Client) Pause() error { return c.control(feedrpc.ControlPause) }

// Resume restarts delivery after a pause.
func (c *Client) Resume() error { return c.control(feedrpc.ControlResume) }

func (c *Client) control(cmd string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(cmd))
}

// Err reports why the quote channel closed, if abnormally.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.quotes)

	for {
		var f feedrpc.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.setErr(err)
			return
		}

		switch f.Type {
		case feedrpc.TypeQuote:
			if f.Quote == nil {
				continue
			}
			// never park on a consumer that stopped draining; Close must
			// still end this goroutine
			select {
			case c.quotes <- *f.Quote:
			case <-c.done:
				return
			}
		case feedrpc.TypeError:
			c.setErr(frameError(f))
			return
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return // deliberate close, not an error
	}
	if c.err == nil {
		c.err = err
	}
}

func frameError(f feedrpc.Frame) error {
	switch f.ErrCode {
	case feedrpc.ErrCodeNoStream:
		return fmt.Errorf("%w: %s", ErrNoStream, f.Error)
	case feedrpc.ErrCodeBadControl:
		return fmt.Errorf("%w: %s", ErrBadControl, f.Error)
	default:
		return fmt.Errorf("daemon error (%s): %s", f.ErrCode, f.Error)
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
