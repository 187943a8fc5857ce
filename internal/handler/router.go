package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/plshelp/points-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса баллов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/listings", h.CreateListing)
			r.Get("/listings", h.GetListings)
			r.Get("/listings/{id}", h.GetListing)
			r.Post("/listings/charge", h.ChargeListing)
			r.Post("/listings/complete", h.CompleteListing)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/redemptions", h.GetRedemptions)

			r.Get("/rewards", h.GetRewardItems)
			r.Post("/rewards/redeem", h.RedeemItem)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func listingIDFromRequest(r *http.Request) string {
	return chi.URLParam(r, "id")
}
