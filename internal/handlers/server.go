// internal/handlers/server.go
package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/auth"
	"github.com/jason-s-yu/verdict/internal/broadcast"
	"github.com/jason-s-yu/verdict/internal/game"
	"github.com/jason-s-yu/verdict/internal/metrics"
	"github.com/jason-s-yu/verdict/internal/middleware"
	"github.com/jason-s-yu/verdict/internal/presence"
)

// Server ties the engine to its transports: REST handlers, the game socket
// and the presence flows that bridge them.
type Server struct {
	Engine         *game.Engine
	Tracker        *presence.Tracker
	Gateway        *broadcast.Gateway
	Signer         *auth.Signer
	Metrics        *metrics.Metrics
	AllowedOrigins []string

	logger *logrus.Logger

	// sockets holds the cancel func of every live socket so superseded or
	// stale sockets can be closed from outside their read loop.
	mu      sync.Mutex
	sockets map[uuid.UUID]func(code websocket.StatusCode, reason string)
}

func NewServer(logger *logrus.Logger, engine *game.Engine, tracker *presence.Tracker, gateway *broadcast.Gateway, signer *auth.Signer, m *metrics.Metrics) *Server {
	return &Server{
		Engine:         engine,
		Tracker:        tracker,
		Gateway:        gateway,
		Signer:         signer,
		Metrics:        m,
		AllowedOrigins: []string{"*"},
		logger:         logger,
		sockets:        make(map[uuid.UUID]func(websocket.StatusCode, string)),
	}
}

// Routes builds the router. Every route is wrapped in LogMiddleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.LogMiddleware(s.logger))

	r.Post("/sessions", CreateSessionHandler(s.logger, s))
	r.Route("/sessions/{code}", func(r chi.Router) {
		r.Get("/", GetSessionHandler(s.logger, s))
		r.Post("/join", JoinSessionHandler(s.logger, s))
		r.Post("/start", StartGameHandler(s.logger, s))
		r.Post("/rounds/{roundID}/submissions", SubmitCardsHandler(s.logger, s))
		r.Post("/rounds/{roundID}/winner", SelectWinnerHandler(s.logger, s))
		r.Get("/round", GetCurrentRoundHandler(s.logger, s))
		r.Get("/hand", GetPlayerHandHandler(s.logger, s))
		r.Get("/state", GetGameStateHandler(s.logger, s))
	})
	r.Get("/ws", GameWSHandler(s.logger, s))

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	return r
}

func (s *Server) registerSocket(socketID uuid.UUID, closeFn func(websocket.StatusCode, string)) {
	s.mu.Lock()
	s.sockets[socketID] = closeFn
	s.mu.Unlock()
}

func (s *Server) unregisterSocket(socketID uuid.UUID) {
	s.mu.Lock()
	delete(s.sockets, socketID)
	s.mu.Unlock()
}

// closeSocket ends a live socket's read loop with the given close code.
func (s *Server) closeSocket(socketID uuid.UUID, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	closeFn, ok := s.sockets[socketID]
	s.mu.Unlock()
	if ok {
		closeFn(code, reason)
	}
}

// Shutdown closes every live socket.
func (s *Server) Shutdown(_ context.Context) {
	s.mu.Lock()
	fns := make([]func(websocket.StatusCode, string), 0, len(s.sockets))
	for _, fn := range s.sockets {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(websocket.StatusGoingAway, "server shutting down")
	}
}
