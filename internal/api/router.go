package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chess-wager/internal/metrics"
)

// NewRouter wires the HTTP surface. Everything under /api and the
// websocket endpoint require a bearer token; health and metrics do not.
func NewRouter(h *HandlerProvider, auth *Authenticator) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/ws", h.Subscribe)

		r.Route("/api", func(r chi.Router) {
			// The websocket endpoint stays outside this group: a
			// request deadline makes no sense on a held-open conn.
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/me", h.GetMe)

			r.Route("/challenges", func(r chi.Router) {
				r.Post("/", h.CreateChallenge)
				r.Get("/", h.ListChallenges)
				r.Get("/{id}", h.GetChallenge)
				r.Post("/{id}/accept", h.AcceptChallenge)
				r.Post("/{id}/start", h.StartGame)
				r.Post("/{id}/cancel", h.CancelChallenge)
				r.Post("/{id}/reject", h.RejectChallenge)
			})

			r.Route("/games", func(r chi.Router) {
				r.Get("/{id}", h.GetGame)
				r.Post("/{id}/moves", h.SubmitMove)
				r.Post("/{id}/resign", h.Resign)
			})
		})
	})

	return r
}
