package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/huddlehq/huddle/internal/core/service"
)

type Handler struct {
	Rooms *service.RoomService
}

func NewHandler(rooms *service.RoomService) *Handler {
	return &Handler{Rooms: rooms}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/ws", h.ServeWS)

	return r
}
