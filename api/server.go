// Package api serves monitoring status, logs and start/stop control over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"linecap/config"
	"linecap/trigger"
)

// Server is the HTTP API server.
type Server struct {
	deps    Deps
	config  *config.WebConfig
	server  *http.Server
	h       *handlers
	addr    net.Addr
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg *config.WebConfig) *Server {
	return &Server{
		deps:   deps,
		config: cfg,
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start listens on the configured host and port and serves in the
// background. Port 0 picks a free port; see Address.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	h := newHandlers(s.deps)
	root := chi.NewRouter()
	root.Use(corsMiddleware)
	root.Mount("/api", h.routes())

	srv := &http.Server{
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.h = h
	s.addr = ln.Addr()
	s.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			if s.server == srv {
				s.running = false
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, h := s.server, s.h
	if !s.running || srv == nil {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.server = nil
	s.h = nil
	s.mu.Unlock()

	// Close the hub first so open event streams return.
	h.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Address returns the server's base URL.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != nil {
		return "http://" + s.addr.String()
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// PublishCapture forwards c to connected event streams.
func (s *Server) PublishCapture(c *trigger.Capture) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	if h != nil {
		h.hub.Broadcast(sseEvent{Type: eventCapture, Data: c})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
