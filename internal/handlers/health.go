package handlers

import (
	"database/sql"
	"net/http"
)

// HealthHandler handles GET /health
func HealthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			sendJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
		sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
