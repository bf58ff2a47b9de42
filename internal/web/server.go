// Package web exposes the retrieval engine over an HTTP API.
package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host string
	Port int
}

// Server is the HTTP API server.
type Server struct {
	config  ServerConfig
	router  *chi.Mux
	handler *Handler
}

// NewServer creates the API server around an existing handler.
func NewServer(cfg ServerConfig, handler *Handler) *Server {
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		handler: handler,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		// Non-streaming routes get a request timeout; the chat stream
		// must be allowed to run long.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/", s.handler.Index)
			r.Get("/health", s.handler.Health)
			r.Get("/stats", s.handler.Stats)
			r.Get("/documents", s.handler.ListDocuments)
			r.Post("/search", s.handler.Search)
			r.Post("/embed", s.handler.Embed)
			r.Post("/documents", s.handler.AddDocument)
			r.Post("/update", s.handler.Update)
		})
		r.Post("/chat", s.handler.Chat)
	})
}

// Router returns the chi router for tests and external mounting.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	return http.ListenAndServe(addr, s.router)
}
