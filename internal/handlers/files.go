package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/metrics"
	"github.com/reelvault/reelvault/internal/middleware"
	"github.com/reelvault/reelvault/internal/sharecache"
	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/utils"
)

// FileServeHandler handles GET /files/<relative path>. The library owner
// sees everything; any other recipient needs a share grant covering the
// path.
func FileServeHandler(cache *sharecache.Cache, backend storage.Backend, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		userID := middleware.UserID(r.Context())
		if userID == "" {
			sendError(w, "x-user-id header is required", "MISSING_IDENTITY", http.StatusUnauthorized)
			return
		}

		relativePath := utils.NormalizeRelativePath(strings.TrimPrefix(r.URL.Path, "/files/"))
		if err := utils.ValidateRelativePath(relativePath); err != nil {
			sendError(w, err.Error(), "INVALID_PATH", http.StatusBadRequest)
			return
		}

		if userID != cfg.OwnerID {
			allowed, err := cache.AllowsPath(r.Context(), userID, relativePath)
			if err != nil {
				var fetchErr *sharecache.CacheFetchError
				if errors.As(err, &fetchErr) {
					slog.Error("share lookup failed", "user_id", userID, "error", err)
					metrics.ShareCacheLookupsTotal.WithLabelValues("error").Inc()
					sendError(w, "Share permissions are temporarily unavailable", "SHARES_UNAVAILABLE", http.StatusServiceUnavailable)
					return
				}
				slog.Error("share lookup failed", "user_id", userID, "error", err)
				sendError(w, "Failed to check share permissions", "INTERNAL_ERROR", http.StatusInternalServerError)
				return
			}
			if !allowed {
				metrics.ShareCacheLookupsTotal.WithLabelValues("miss").Inc()
				metrics.FileServesTotal.WithLabelValues("denied").Inc()
				sendError(w, "You do not have access to this path", "FORBIDDEN", http.StatusForbidden)
				return
			}
			metrics.ShareCacheLookupsTotal.WithLabelValues("hit").Inc()
		}

		rc, size, err := backend.Open(r.Context(), relativePath)
		if err != nil {
			metrics.FileServesTotal.WithLabelValues("not_found").Inc()
			sendError(w, "File not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		defer rc.Close()

		contentType := mime.TypeByExtension(path.Ext(relativePath))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))

		if r.Method == http.MethodHead {
			metrics.FileServesTotal.WithLabelValues("success").Inc()
			return
		}

		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("file serve interrupted", "path", relativePath, "error", err)
			return
		}
		metrics.FileServesTotal.WithLabelValues("success").Inc()
	}
}
