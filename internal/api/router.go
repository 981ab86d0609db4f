/**
 * @description
 * This file sets up the HTTP router for the credits-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CreditsRoutes creates and returns a new router for the credits service.
func CreditsRoutes(h *CreditsHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check and metrics stay unauthenticated for the platform probes.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Group routes that require authentication. Every operation is scoped to
	// the authenticated caller's own account.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Get("/account", h.EnsureAccountHandler)
		r.Get("/transactions", h.ListTransactionsHandler)

		r.Post("/earn", h.EarnCreditsHandler)
		r.Post("/redeem", h.RedeemCreditsHandler)
		r.Post("/donate", h.DonateCreditsHandler)
	})

	return r
}
