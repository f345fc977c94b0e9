package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/config"
	"github.com/1rokoko/hotel-boost-sub006/pkg/handlers"
)

// NewRouter registers the guest, event and staff routes. gatherer serves
// /metrics; nil means the default registry.
func NewRouter(handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Guest-facing
	router.HandleFunc("/hotels/{hotel_id}/guests/{guest_id}/messages", handler.InboundMessage).Methods("POST")
	router.HandleFunc("/hotels/{hotel_id}/guests/{guest_id}/check-in", handler.CheckIn).Methods("POST")
	router.HandleFunc("/hotels/{hotel_id}/guests/{guest_id}/check-out", handler.CheckOut).Methods("POST")
	router.HandleFunc("/hotels/{hotel_id}/events", handler.PublishEvent).Methods("POST")

	// Staff
	router.HandleFunc("/conversations/{id}", handler.GetConversation).Methods("GET")
	router.HandleFunc("/conversations/{id}/close", handler.CloseConversation).Methods("POST")
	router.HandleFunc("/conversations/{id}/reopen", handler.ReopenConversation).Methods("POST")
	router.HandleFunc("/conversations/{id}/resolve", handler.ResolveConversation).Methods("POST")

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	if gatherer == nil {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	} else {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	router.Use(loggingMiddleware(logger))
	return router
}

func NewHTTPServer(config *config.Config, handler *handlers.Handler, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(handler, nil, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
