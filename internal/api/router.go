package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(h.logger))
	r.Use(chimw.Recoverer)

	// the browser client sends the session cookie cross-origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/session", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})

	r.Get("/ws", h.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)

		r.Get("/users/me", h.Me)
		r.Get("/users", h.ListUsers)

		r.Get("/chats", h.ListChats)
		r.Post("/chats", h.CreateChat)
		r.Get("/chats/{chatId}", h.GetChat)

		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.CreateMessage)

		r.Get("/images/{imageId}", h.GetImage)
	})

	return r
}
