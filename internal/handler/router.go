package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *KeyHandler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Route("/v1/keys", func(r chi.Router) {
		r.Post("/exchange", h.ExchangeKey)
		r.Get("/", h.ListKeys)
		r.Post("/cleanup", h.CleanupKeys)
		r.Get("/{key_id}", h.GetKeyMetadata)
		r.Delete("/{key_id}", h.DeleteKey)
	})

	return r
}
