package feedsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamzoltan/piker/internal/config"
	"github.com/iamzoltan/piker/internal/feed"
	"github.com/iamzoltan/piker/internal/sampling"
	"github.com/iamzoltan/piker/internal/version"
)

// ErrBadControlMessage is reported to clients that send anything other
// than pause/resume on an open feed socket.
var ErrBadControlMessage = errors.New("bad control message")

// Server is the daemon's RPC front end.
type Server struct {
	cfg      config.ServerConfig
	registry *feed.Registry
	clock    sampling.Clock
	brokers  map[string]config.BrokerConfig
	logger   *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. brokers maps backend names to their configs; only
// enabled backends are reachable through the RPC surface.
func New(
	cfg config.ServerConfig,
	registry *feed.Registry,
	clock sampling.Clock,
	brokers map[string]config.BrokerConfig,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		clock:    clock,
		brokers:  brokers,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the route mux, exposed for in-process tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/search", s.handleSearch)
	mux.HandleFunc("/v1/feed", s.handleFeed)
	mux.HandleFunc("/v1/index", s.handleIndex)
	return mux
}

// Start binds the listener and begins serving. It returns once the
// listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: 0, // websocket streams write indefinitely
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("feed server exited", "error", err)
		}
	}()

	s.logger.Info("feed server started", "addr", ln.Addr().String())
	return nil
}

// ctxDone is nil-safe for sessions served before Start (in-process tests
// drive the Handler directly).
func (s *Server) ctxDone() <-chan struct{} {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Done()
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, closing active sessions.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("feed server stopped")
	return err
}

type healthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Busses  []feed.Stats `json:"busses"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
	}
	for name := range s.brokers {
		if bus, ok := s.registry.Get(name); ok {
			resp.Busses = append(resp.Busses, bus.Stats())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	brokerName := r.URL.Query().Get("broker")
	pattern := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	bus, err := s.openBus(brokerName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	matches, err := bus.SearchSymbols(ctx, pattern, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(matches)
}

// openBus resolves an enabled broker to its bus, creating it on first use.
func (s *Server) openBus(name string) (*feed.Bus, error) {
	bcfg, ok := s.brokers[name]
	if !ok || !bcfg.Enabled {
		return nil, fmt.Errorf("broker %q not enabled", name)
	}
	return s.registry.Open(name, bcfg.Options)
}
