package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/ab000641/air-quality-monitor/internal/config"
)

// NewServer wraps handler with CORS, panic recovery and request logging.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "HX-Request", "HX-Target", "HX-Current-URL"},
		MaxAge:         600,
	})
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           requestLogger(c.Handler(recoverer(handler))),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
