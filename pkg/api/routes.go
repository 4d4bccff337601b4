package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
// Operator routes are session-guarded when auth is enabled; the routes the
// external agent integration calls back on stay open regardless.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Server.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.RequestsPerMinute))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		if s.cfg.Auth.Enabled {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/login", s.handleLogin)
				r.Post("/logout", s.handleLogout)
				r.Get("/me", s.authed(s.handleMe))
			})
		}

		// Gateway settings (operator only; the response carries the key).
		r.Get("/config", s.authed(s.handleGetSettings))
		r.Post("/config", s.authed(s.handleUpsertSettings))
		r.Put("/config", s.authed(s.handleUpsertSettings))

		r.Route("/tests", func(r chi.Router) {
			r.Get("/", s.authed(s.handleListTests))
			r.Post("/", s.authed(s.handleCreateTest))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.authed(s.handleGetTest))
				r.Put("/", s.authed(s.handleUpdateTest))
				r.Delete("/", s.authed(s.handleDeleteTest))

				// Agent integration: discover the scenario being driven.
				r.Get("/config", s.handleTestConfig)

				r.Route("/results", func(r chi.Router) {
					r.Get("/", s.handleListResults)
					r.Post("/", s.authed(s.handleStartRun))

					// Agent integration: report the run outcome.
					r.Put("/", s.handleUpdateResult)

					r.Route("/{resultId}", func(r chi.Router) {
						r.Delete("/", s.authed(s.handleDeleteResult))
						r.Get("/events", s.handleResultEvents)

						// Agent integration: append transcript turns.
						r.Get("/turns", s.handleListTurns)
						r.Post("/turns", s.handleCreateTurn)
					})
				})
			})
		})

		// Agent integration: discover the globally active run.
		r.Get("/current-test", s.handleCurrentTest)

		// Direct call trigger for clients that manage runs themselves.
		r.Post("/outbound-call", s.authed(s.handleOutboundCall))
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
