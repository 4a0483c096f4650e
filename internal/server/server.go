// Package server exposes a hub over HTTP: live SSE and WebSocket streams,
// durable polling and the REST API.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memory-hub/internal/hub"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

const (
	HeaderAgentID       = "X-Agent-Id"
	HeaderAgentProtocol = "X-Agent-Protocol"

	shutdownTimeout = 5 * time.Second
	keepAlive       = 15 * time.Second
)

type Server struct {
	hub    *hub.Hub
	logger *slog.Logger
	buffer int
	router *mux.Router
}

func New(h *hub.Hub, logger *slog.Logger) *Server {
	s := &Server{
		hub:    h,
		logger: mylog.OrDiscard(logger),
		buffer: h.Config.Stream.Buffer,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.withOrigin)

	r.HandleFunc("/events/stream", s.handleSSE).Methods("GET")
	r.Handle("/ws/updates", s.websocketHandler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/events", s.handleQueryEvents).Methods("GET")
	api.HandleFunc("/events", s.handleEmitEvent).Methods("POST")
	api.HandleFunc("/events/stats", s.handleEventStats).Methods("GET")

	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents/{agent_id}", s.handleGetAgent).Methods("GET")
	api.HandleFunc("/agents/{agent_id}", s.handleDeleteAgent).Methods("DELETE")

	api.HandleFunc("/trust/stats", s.handleTrustStats).Methods("GET")
	api.HandleFunc("/trust/signals/{agent_id}", s.handleTrustSignals).Methods("GET")

	api.HandleFunc("/memories", s.handlePutMemory).Methods("POST")
	api.HandleFunc("/memories/{ns}/{key}", s.handleGetMemory).Methods("GET")
	api.HandleFunc("/memories/{ns}/{key}", s.handleDeleteMemory).Methods("DELETE")

	api.HandleFunc("/subscriptions", s.handleCreateSubscription).Methods("POST")
	api.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods("GET")
	api.HandleFunc("/subscriptions/{id}", s.handleGetSubscription).Methods("GET")
	api.HandleFunc("/subscriptions/{id}", s.handleDeleteSubscription).Methods("DELETE")
	api.HandleFunc("/subscriptions/{id}/poll", s.handlePoll).Methods("GET")
	api.HandleFunc("/subscriptions/{id}/ack", s.handleAck).Methods("POST")
	api.HandleFunc("/subscriptions/{id}/reactivate", s.handleReactivate).Methods("POST")
}

// withOrigin attaches the calling agent to the request context.
func (s *Server) withOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := model.Origin{AgentID: r.Header.Get(HeaderAgentID), Protocol: model.ProtocolREST}
		if raw := r.Header.Get(HeaderAgentProtocol); raw != "" {
			p, ok := model.ParseProtocol(raw)
			if !ok {
				writeError(w, errors.Wrapf(store.ErrInvalidParams, "unknown protocol %q", raw))
				return
			}
			o.Protocol = p
		}
		next.ServeHTTP(w, r.WithContext(store.WithOrigin(r.Context(), o)))
	})
}

// Handler returns the router wrapped in CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", HeaderAgentID, HeaderAgentProtocol}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.PrintRecoveryStack(true),
		handlers.RecoveryLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError)),
	)
	return cors(recovery(s.router))
}

// ListenAndServe serves until ctx is done, then shuts down. Streaming
// requests inherit ctx so they end with it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
