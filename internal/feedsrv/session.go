package feedsrv

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamzoltan/piker/internal/feed"
	"github.com/iamzoltan/piker/internal/feedrpc"
)

// sessionSendBuffer is the per-session outbound frame queue depth.
const sessionSendBuffer = 64

// handleFeed runs one client's feed session: handshake, stream, control.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req feedrpc.OpenRequest
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Warn("feed open request unreadable", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	sub, frame := s.openFeed(r, req)
	if sub == nil {
		s.writeFrame(conn, frame)
		return
	}
	defer sub.Close()

	if err := s.writeFrame(conn, frame); err != nil {
		return
	}

	s.logger.Info("feed session started",
		"fqsn", frame.FQSN,
		"sub", sub.ID(),
		"throttle_hz", req.TickThrottle,
		"remote", conn.RemoteAddr().String(),
	)

	out := make(chan feedrpc.Frame, sessionSendBuffer)
	readDone := make(chan struct{})
	go s.controlLoop(conn, sub, out, readDone)

	for {
		select {
		case q, ok := <-sub.Quotes():
			if !ok {
				// feed torn down under us
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed ended"),
					time.Now().Add(time.Second))
				return
			}
			if err := s.writeFrame(conn, feedrpc.Frame{Type: feedrpc.TypeQuote, Quote: &q}); err != nil {
				return
			}
		case f := <-out:
			err := s.writeFrame(conn, f)
			if f.Type == feedrpc.TypeError || err != nil {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, f.ErrCode),
					time.Now().Add(time.Second))
				return
			}
		case <-readDone:
			return
		case <-s.ctxDone():
			return
		}
	}
}

// openFeed resolves an open request to a live subscription, or to the
// error frame explaining why not.
func (s *Server) openFeed(r *http.Request, req feedrpc.OpenRequest) (*feed.Subscription, feedrpc.Frame) {
	bus, err := s.openBus(req.Broker)
	if err != nil {
		return nil, feedrpc.Frame{
			Type:    feedrpc.TypeError,
			ErrCode: feedrpc.ErrCodeUnknownBroker,
			Error:   err.Error(),
		}
	}

	var f *feed.Feed
	if req.Start() {
		f, err = bus.AllocatePersistentFeed(r.Context(), req.Symbol)
		if err != nil {
			return nil, feedrpc.Frame{
				Type:    feedrpc.TypeError,
				ErrCode: feedrpc.ErrCodeInternal,
				Error:   err.Error(),
			}
		}
	} else {
		var ok bool
		if f, ok = bus.Feed(req.Symbol); !ok {
			return nil, feedrpc.Frame{
				Type:    feedrpc.TypeError,
				ErrCode: feedrpc.ErrCodeNoStream,
				Error:   feed.ErrNoStream.Error() + ": " + req.Symbol,
			}
		}
	}

	started := feedrpc.Frame{
		Type: feedrpc.TypeStarted,
		FQSN: f.FQSN,
		Init: &f.Init,
	}
	if first, ok := f.FirstQuote(); ok {
		started.FirstQuote = &first
	}
	return f.Subscribe(req.TickThrottle), started
}

// controlLoop consumes client control messages for one session. Anything
// but pause/resume ends the session with a bad_control error frame.
func (s *Server) controlLoop(conn *websocket.Conn, sub *feed.Subscription, out chan<- feedrpc.Frame, done chan<- struct{}) {
	defer close(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch strings.TrimSpace(string(msg)) {
		case feedrpc.ControlPause:
			sub.Pause()
		case feedrpc.ControlResume:
			sub.Resume()
		default:
			s.logger.Warn("bad control message",
				"sub", sub.ID(),
				"msg", string(msg),
			)
			out <- feedrpc.Frame{
				Type:    feedrpc.TypeError,
				ErrCode: feedrpc.ErrCodeBadControl,
				Error:   ErrBadControlMessage.Error(),
			}
			return
		}
	}
}

// handleIndex streams sample clock steps for a period to the client.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	period := time.Second
	switch {
	case r.URL.Query().Get("period") != "":
		parsed, err := time.ParseDuration(r.URL.Query().Get("period"))
		if err != nil || parsed <= 0 {
			http.Error(w, "bad period", http.StatusBadRequest)
			return
		}
		period = parsed
	case r.URL.Query().Get("delay_s") != "":
		secs, err := strconv.Atoi(r.URL.Query().Get("delay_s"))
		if err != nil || secs <= 0 {
			http.Error(w, "bad delay_s", http.StatusBadRequest)
			return
		}
		period = time.Duration(secs) * time.Second
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	steps, cancel := s.clock.Subscribe(period)
	defer cancel()

	// drain reads so client close is noticed
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case step, ok := <-steps:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, feedrpc.Frame{Type: feedrpc.TypeStep, Step: step}); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.ctxDone():
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, f feedrpc.Frame) error {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	err := conn.WriteJSON(f)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("frame write failed", "error", err)
	}
	return err
}
