package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shimatoshi/duel-relay-backend/internal/registry"
	"github.com/shimatoshi/duel-relay-backend/internal/ws"
)

func SetupRoutes(reg *registry.Registry, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Post("/rooms", CreateRoom(reg))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(reg, log))
	return r
}
