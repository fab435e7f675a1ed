package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"zeddring/internal/store"
	"zeddring/internal/usecase/eventbus"
	"zeddring/internal/usecase/fleet"
	"zeddring/internal/usecase/registry"
)

// Server exposes the REST API and the WebSocket event stream consumed by
// the dashboard.
type Server struct {
	registry *registry.Registry
	fleet    *fleet.Manager
	store    *store.Store
	bus      *eventbus.Bus
	logger   *slog.Logger

	addr      string
	startTime time.Time

	// mu guards the fields Start writes from its goroutine.
	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()

	clients sync.Map // connID (uint64) -> *clientConn
	nextID  atomic.Uint64
}

// NewServer creates a gateway server.
func NewServer(reg *registry.Registry, fl *fleet.Manager, st *store.Store, bus *eventbus.Bus, addr string, logger *slog.Logger) *Server {
	return &Server{
		registry:  reg,
		fleet:     fl,
		store:     st,
		bus:       bus,
		logger:    logger,
		addr:      addr,
		startTime: time.Now(),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/rings", func(r chi.Router) {
			r.Get("/", s.handleListRings)
			r.Post("/", s.handleRegisterRing)
			r.Route("/{ringID}", func(r chi.Router) {
				r.Get("/", s.handleGetRing)
				r.Patch("/", s.handleRenameRing)
				r.Delete("/", s.handleRemoveRing)
				r.Post("/connect", s.handleConnect)
				r.Post("/disconnect", s.handleDisconnect)
				r.Post("/sync", s.handleSync)
				r.Post("/reboot", s.handleReboot)
				r.Post("/time", s.handleSetTime)
				r.Get("/samples", s.handleSamples)
				r.Get("/stats/daily", s.handleDailyStats)
			})
		})
	})
	r.Get("/ws", s.handleUpgrade)
	return r
}

// Start begins serving. Blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{Handler: s.router()}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = srv
	// Forward every bus event to connected dashboard clients.
	s.unsubAll = s.bus.SubscribeAll(s.forwardEvent)
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsubAll
	srv := s.httpSrv
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to, or the empty
// string before Start has bound the listener. Safe to call concurrently
// with Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
