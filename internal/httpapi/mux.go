package httpapi

import (
	"database/sql"
	"net/http"
)

// NewMux returns a mux with /healthz registered. The database decides the
// health status; deps are only reported. Feature modules add their own
// routes.
func NewMux(db *sql.DB, deps ...Dependency) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, deps)
	return mux
}
