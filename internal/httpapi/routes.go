package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/internal/hub"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
	"github.com/DoyleJ11/race-lobby-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, sessions *session.Registry, wsCfg ws.Config, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/rooms", ListRooms(h))
	r.Get("/ws", ws.Handler(h, sessions, wsCfg, log))
	return r
}
