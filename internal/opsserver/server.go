// Package opsserver is the engine's operator-facing HTTP surface:
// healthz, readyz, and metrics only. It is not the REST API the spec
// keeps out of scope — there are no settlement or inventory routes
// here, just process liveness and the Prometheus-format metrics text
// exposition already built in internal/metrics.
package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
)

// PrinterHealth reports per-printer MQTT connection state, satisfied
// by *ingest.Registry without importing it (avoids an opsserver <->
// ingest import cycle, since neither package needs the other's types
// beyond this one method).
type PrinterHealth interface {
	Health() map[string]bool
}

// New builds the ops router. pool is used only for the readyz
// liveness ping; printers may be nil before the ingestor starts (the
// "process"-only CLI mode has no printer registry).
func New(pool *pgxpool.Pool, printers PrinterHealth, m *metrics.Metrics, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware)
	r.Use(securityHeaders)
	r.Use(requestID)
	r.Use(timeoutMiddleware(5 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := struct {
			DB       string          `json:"db"`
			Printers map[string]bool `json:"printers,omitempty"`
		}{DB: "ok"}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				status.DB = "unreachable"
				logger.Warn().Err(err).Msg("readyz: db ping failed")
			}
		}
		if printers != nil {
			status.Printers = printers.Health()
		}

		w.Header().Set("Content-Type", "application/json")
		if status.DB != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	r.Get("/metrics", m.Handler())

	return r
}
