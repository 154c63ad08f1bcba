package feedclient

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamzoltan/piker/internal/feedrpc"
)

// IndexStream delivers sample clock steps from the daemon.
type IndexStream struct {
	conn  *websocket.Conn
	steps chan int64
}

// OpenIndex subscribes to the daemon's sample steps for one period. Chart
// consumers use this to advance their x axis in lockstep with the daemon's
// bar rollover.
func OpenIndex(ctx context.Context, addr string, period time.Duration) (*IndexStream, error) {
	url := fmt.Sprintf("ws://%s/v1/index?period=%s", addr, period)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial index stream: %w", err)
	}

	s := &IndexStream{
		conn:  conn,
		steps: make(chan int64, 8),
	}
	go s.readLoop()
	return s, nil
}

// Steps is the step counter channel; it closes when the stream ends.
func (s *IndexStream) Steps() <-chan int64 { return s.steps }

// Close ends the stream.
func (s *IndexStream) Close() error { return s.conn.Close() }

func (s *IndexStream) readLoop() {
	defer close(s.steps)
	for {
		var f feedrpc.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type == feedrpc.TypeStep {
			s.steps <- f.Step
		}
	}
}
