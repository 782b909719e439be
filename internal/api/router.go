package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Token-protected routes; open when no secret is configured.
	r.Group(func(r chi.Router) {
		r.Use(apiHandler.JWTAuthMiddleware)

		r.Post("/generate", apiHandler.GenerateHandler)
		r.Post("/generate_and_sign", apiHandler.GenerateAndSignHandler)
		r.Post("/sign_via_email", apiHandler.SignViaEmailHandler)
		r.Post("/sign/{docID}", apiHandler.SignDocumentHandler)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/search", apiHandler.SearchHandler)
			r.Get("/{docID}", apiHandler.GetDocumentHandler)
			r.Get("/{docID}/pdf", apiHandler.DocumentPDFHandler)
			r.Post("/{docID}/sync", apiHandler.SyncDocumentHandler)
		})

		r.Get("/envelopes/{envelopeID}", apiHandler.EnvelopeStatusHandler)
		r.Post("/envelopes/{envelopeID}/views/recipient", apiHandler.RecipientViewHandler)
	})

	return r
}
