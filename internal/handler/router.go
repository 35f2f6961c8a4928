package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/medicare-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса medicare.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Recover(h.logger))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(h.sessionMiddleware.Middleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Get("/app/state", h.AppState)
		r.Post("/app/navigate", h.Navigate)

		// Страницы личного кабинета: требуется вход.
		r.Group(func(r chi.Router) {
			r.Get("/medicines", h.GetMedicines)
			r.Post("/medicines/quantities", h.SetQuantity)
			r.Delete("/medicines/quantities", h.ClearSelections)

			r.Post("/cart", h.AddToCart)
			r.Get("/cart", h.GetCart)
			r.Put("/cart/{index}", h.UpdateCartItem)
			r.Delete("/cart/{index}", h.RemoveCartItem)
			r.Delete("/cart", h.ClearCart)

			r.Post("/orders", h.Checkout)
			r.Get("/orders", h.GetOrders)

			r.Post("/consultations", h.SubmitConsultation)
			r.Get("/consultations", h.GetConsultations)
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
