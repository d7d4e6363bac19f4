package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/utils"
)

const healthTimeout = 2 * time.Second

// Dependency is an optional collaborator shown on /healthz. A failing
// check marks it "unavailable" without failing the endpoint.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db   *sql.DB
	deps []Dependency
}

func NewHealthchecker(db *sql.DB, deps []Dependency) healthchecker {
	return &healthcheckerImpl{db: db, deps: deps}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var ok int
	if err := h.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "failed to check database connectivity")
		return
	}

	body := map[string]string{"status": "ok", "database": "ok"}
	for _, d := range h.deps {
		if err := d.Check(ctx); err != nil {
			slog.Debug("dependency unavailable", "dependency", d.Name, "error", err)
			body[d.Name] = "unavailable"
			continue
		}
		body[d.Name] = "ok"
	}
	utils.WriteJSON(w, http.StatusOK, body)
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, deps []Dependency) {
	healthchecker := NewHealthchecker(db, deps)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
