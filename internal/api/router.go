package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/dispatcher"
	"github.com/martyn-saronic/urd/internal/executor"
	"github.com/martyn-saronic/urd/internal/metrics"
	"github.com/martyn-saronic/urd/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router,
// populated in main after all components are initialized.
type RouterConfig struct {
	Dispatcher *dispatcher.Dispatcher
	Robot      executor.Robot
	Executor   *executor.Executor
	Broker     *websocket.Broker
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1 except the Prometheus endpoint at /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID per request, used in logs.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// when the daemon runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers and returns a 500 instead of
	// taking the daemon down with a control connection open to the robot.
	r.Use(middleware.Recoverer)

	cmdHandler := NewCommandHandler(cfg.Dispatcher, cfg.Robot, cfg.Executor, cfg.Metrics, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Broker, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/commands", cmdHandler.Execute)
		r.Post("/halt", cmdHandler.Halt)

		r.Get("/status", cmdHandler.Status)
		r.Get("/health", cmdHandler.Health)
		r.Get("/pose", cmdHandler.Pose)
		r.Get("/queue", cmdHandler.Queue)

		r.Get("/ws", wsHandler.ServeWS)
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	return r
}
