package handlers

import (
	"log/slog"
	"net/http"

	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/middleware"
	"github.com/reelvault/reelvault/internal/sharecache"
)

// SharesInvalidateHandler handles POST /api/v1/shares/invalidate. Called
// when a share is created or revoked so the next query refetches. Owner
// only.
func SharesInvalidateHandler(cache *sharecache.Cache, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		userID := middleware.UserID(r.Context())
		if userID == "" {
			sendError(w, "x-user-id header is required", "MISSING_IDENTITY", http.StatusUnauthorized)
			return
		}
		if userID != cfg.OwnerID {
			sendError(w, "Only the library owner may invalidate shares", "FORBIDDEN", http.StatusForbidden)
			return
		}

		cache.Invalidate()
		slog.Info("share cache invalidated", "user_id", userID)
		w.WriteHeader(http.StatusNoContent)
	}
}
