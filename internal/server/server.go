// Package server provides the HTTP server for the drishti annotator.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ayusman/drishti/internal/app"
	"github.com/ayusman/drishti/internal/server/api"
)

// Config holds the server configuration.
type Config struct {
	StaticDir      string
	App            *app.App
	DefaultClasses string
	MaxUploadBytes int64
}

// Server represents the HTTP server for the drishti application.
type Server struct {
	config   Config
	router   chi.Router
	start    time.Time
	progress *ProgressHub
	preview  *PreviewHub
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		router: chi.NewRouter(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)

	// Session API requires an App
	if s.config.App != nil {
		exists := func(id string) bool {
			_, err := s.config.App.Session(id)
			return err == nil
		}
		s.progress = NewProgressHub(exists)
		s.preview = NewPreviewHub(exists)

		sessions := api.NewSessionHandler(api.Config{
			App:            s.config.App,
			DefaultClasses: s.config.DefaultClasses,
			MaxUploadBytes: s.config.MaxUploadBytes,
			Observer: func(id string) app.Observer {
				return app.Observers(s.progress.Observer(id), s.preview.Observer(id))
			},
			OnRelease: s.forget,
		})

		r.Get("/api/config", sessions.ServeConfig)
		r.Route("/api/sessions", func(r chi.Router) {
			sessions.Mount(r)
			r.Get("/{id}/progress", s.progress.ServeHTTP)
			r.Get("/{id}/preview", s.preview.ServeHTTP)
		})
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		r.Handle("/*", fs)
	}
}

// forget drops per-session feed state.
func (s *Server) forget(id string) {
	s.progress.Close(id)
	s.preview.Forget(id)
}

// Reap releases idle sessions and drops their feeds.
func (s *Server) Reap() []string {
	if s.config.App == nil {
		return nil
	}
	ids := s.config.App.Reap()
	for _, id := range ids {
		s.forget(id)
	}
	return ids
}

// ReleaseAll releases every session and closes their feeds.
func (s *Server) ReleaseAll() {
	if s.config.App == nil {
		return
	}
	s.config.App.ReleaseAll()
	s.progress.CloseAll()
	s.preview.ForgetAll()
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}
	if s.config.App != nil {
		response["sessions"] = s.config.App.SessionCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}
