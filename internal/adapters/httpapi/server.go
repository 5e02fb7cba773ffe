// Package httpapi expone el motor por HTTP: lectura de grupos, refresh
// manual, posiciones interpoladas, un feed WebSocket por grupo y /metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/skysync/internal/domain"
	"github.com/alejandrodnm/skysync/internal/ratelimit"
	"github.com/alejandrodnm/skysync/internal/tracker"
)

// Engine es lo que la API necesita del orquestador.
type Engine interface {
	GetGroup(ctx context.Context, groupKey string) ([]domain.Entity, error)
	Refresh(ctx context.Context, groupKey string) (domain.Snapshot, error)
	Subscribe(groupKey string, cb tracker.Callback) (func(), error)
	Position(id string, t time.Time) (domain.Position, bool)
	Active(entities []domain.Entity) []domain.Entity
	Groups() []domain.GroupStatus
	Limiter() *ratelimit.Limiter
}

// Server es el servidor HTTP de la API.
type Server struct {
	engine   Engine
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	router   http.Handler
}

// NewServer crea el Server. gatherer puede ser nil (sin /metrics).
func NewServer(engine Engine, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		engine:   engine,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Solo lectura y sin cookies: se acepta cualquier origen.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler devuelve el router para montarlo o testearlo.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/groups", s.handleGroups)
		r.Get("/groups/{key}", s.handleGroup)
		r.Post("/groups/{key}/refresh", s.handleRefresh)
		r.Get("/groups/{key}/stream", s.handleStream)
		r.Get("/entities/{id}/position", s.handlePosition)
	})
	return r
}

// ListenAndServe sirve en addr hasta que ctx se cancele y luego cierra con
// un plazo de gracia.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi.ListenAndServe: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi.ListenAndServe: shutdown: %w", err)
	}
	slog.Info("http api stopped")
	return nil
}
