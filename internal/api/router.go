package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// NewRouter собирает маршруты /rest/v1.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Route("/rest/v1", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Get("/invoices", h.listInvoices)
		r.Get("/invoices/{id}", h.getInvoice)

		r.Get("/customers", h.listCustomers)
		r.Get("/customers/{id}", h.getCustomer)

		r.Get("/invoices-dlq", h.listDLQ)
		r.Post("/invoices-dlq", h.drain)
		r.Post("/invoices-dlq/requeue", h.requeueDLQ)

		r.Post("/billing", h.settle)
	})
	return r
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(log.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}
