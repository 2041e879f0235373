// Package handlers implements the media server's HTTP surface: the
// chunked upload session protocol, share-gated file serving, and the
// operational endpoints.
package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/database"
	"github.com/reelvault/reelvault/internal/metrics"
	"github.com/reelvault/reelvault/internal/middleware"
	"github.com/reelvault/reelvault/internal/models"
	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/utils"
)

// SessionInitHandler handles POST /api/v1/upload/session
func SessionInitHandler(db *sql.DB, cfg *config.Config) http.HandlerFunc {
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

		var req models.SessionCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, "Invalid JSON request body", "INVALID_JSON", http.StatusBadRequest)
			return
		}

		if req.Filename == "" {
			sendError(w, "Filename is required", "MISSING_FILENAME", http.StatusBadRequest)
			return
		}
		req.Filename = utils.SanitizeFilename(req.Filename)

		relativePath := utils.NormalizeRelativePath(req.RelativePath)
		if relativePath == "" {
			relativePath = req.Filename
		}
		if err := utils.ValidateRelativePath(relativePath); err != nil {
			sendError(w, err.Error(), "INVALID_PATH", http.StatusBadRequest)
			return
		}

		if req.TotalSize < 0 {
			sendError(w, "Total size cannot be negative", "INVALID_SIZE", http.StatusBadRequest)
			return
		}
		if req.TotalSize > cfg.MaxFileSize {
			sendError(w, fmt.Sprintf("File exceeds the %d byte limit", cfg.MaxFileSize), "FILE_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return
		}

		chunkSize := req.ChunkSize
		if chunkSize == 0 {
			chunkSize = config.DefaultChunkSize
		}
		if chunkSize < config.MinChunkSize || chunkSize > config.MaxChunkSize {
			sendError(w, fmt.Sprintf("Chunk size must be between %d and %d bytes", config.MinChunkSize, config.MaxChunkSize), "INVALID_CHUNK_SIZE", http.StatusBadRequest)
			return
		}

		totalChunks := utils.CountChunks(req.TotalSize, chunkSize)
		if totalChunks > config.MaxChunksPerSession {
			sendError(w, fmt.Sprintf("Upload would need %d chunks, maximum is %d", totalChunks, config.MaxChunksPerSession), "TOO_MANY_CHUNKS", http.StatusBadRequest)
			return
		}

		now := time.Now().UTC()
		session := &models.UploadSession{
			SessionID:    uuid.NewString(),
			UserID:       userID,
			Filename:     req.Filename,
			RelativePath: relativePath,
			TotalSize:    req.TotalSize,
			ChunkSize:    chunkSize,
			TotalChunks:  totalChunks,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := database.CreateSession(db, session); err != nil {
			slog.Error("failed to create upload session", "error", err)
			sendError(w, "Failed to create upload session", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}

		metrics.SessionsCreatedTotal.Inc()
		metrics.ActiveSessions.Inc()
		slog.Info("upload session created",
			"session_id", session.SessionID,
			"user_id", userID,
			"relative_path", relativePath,
			"total_size", req.TotalSize,
			"total_chunks", totalChunks,
		)

		sendJSON(w, http.StatusCreated, models.SessionCreateResponse{
			SessionID:   session.SessionID,
			TotalChunks: totalChunks,
		})
	}
}

// sessionExpired reports whether the session has been idle past the
// configured expiry window. The sweeper reaps such sessions eventually;
// handlers must not accept traffic for them in the meantime.
func sessionExpired(session *models.UploadSession, cfg *config.Config) bool {
	expiry := session.LastActivity.Add(time.Duration(cfg.SessionExpiryHours) * time.Hour)
	return time.Now().UTC().After(expiry)
}

// UploadChunkHandler handles POST /api/v1/upload/chunk?sessionId=<id>&chunkIndex=<n>
func UploadChunkHandler(db *sql.DB, backend storage.Backend, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			sendError(w, "sessionId query parameter is required", "MISSING_SESSION_ID", http.StatusBadRequest)
			return
		}
		chunkIndex, err := strconv.Atoi(r.URL.Query().Get("chunkIndex"))
		if err != nil || chunkIndex < 0 {
			sendError(w, "chunkIndex must be a non-negative integer", "INVALID_CHUNK_INDEX", http.StatusBadRequest)
			return
		}

		session, err := database.GetSession(db, sessionID)
		if err != nil {
			slog.Error("failed to load upload session", "session_id", sessionID, "error", err)
			sendError(w, "Failed to load upload session", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}
		if session == nil {
			sendError(w, "Upload session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
			return
		}
		if session.UserID != middleware.UserID(r.Context()) {
			sendError(w, "Session belongs to another user", "FORBIDDEN", http.StatusForbidden)
			return
		}
		if session.Completed {
			sendError(w, "Upload session is already completed", "SESSION_COMPLETED", http.StatusConflict)
			return
		}
		if sessionExpired(session, cfg) {
			sendError(w, "Upload session expired", "SESSION_EXPIRED", http.StatusGone)
			return
		}
		if chunkIndex >= session.TotalChunks {
			sendError(w, fmt.Sprintf("Chunk index %d out of range, session has %d chunks", chunkIndex, session.TotalChunks), "INVALID_CHUNK_INDEX", http.StatusBadRequest)
			return
		}

		chunk, err := multipartChunk(r)
		if err != nil {
			sendError(w, err.Error(), "INVALID_MULTIPART", http.StatusBadRequest)
			return
		}
		defer chunk.Close()

		expected := session.ChunkSize
		if chunkIndex == session.TotalChunks-1 {
			expected = utils.LastChunkSize(session.TotalSize, session.ChunkSize, session.TotalChunks)
		}
		if err := backend.SaveChunk(r.Context(), sessionID, chunkIndex, io.LimitReader(chunk, expected+1), expected); err != nil {
			slog.Error("failed to save chunk", "session_id", sessionID, "chunk_index", chunkIndex, "error", err)
			if errors.Is(err, storage.ErrSizeMismatch) {
				sendError(w, fmt.Sprintf("Chunk %d does not match the expected %d bytes", chunkIndex, expected), "CHUNK_SIZE_MISMATCH", http.StatusBadRequest)
				return
			}
			metrics.ErrorsTotal.WithLabelValues("storage").Inc()
			sendError(w, "Failed to store chunk", "STORAGE_ERROR", http.StatusInternalServerError)
			return
		}

		chunksReceived, duplicate, err := database.RecordChunk(db, sessionID, chunkIndex, expected, time.Now().UTC())
		if err != nil {
			slog.Error("failed to record chunk", "session_id", sessionID, "chunk_index", chunkIndex, "error", err)
			sendError(w, "Failed to record chunk", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}

		if !duplicate {
			metrics.ChunksReceivedTotal.Inc()
		}
		slog.Debug("chunk received",
			"session_id", sessionID,
			"chunk_index", chunkIndex,
			"chunks_received", chunksReceived,
			"duplicate", duplicate,
		)

		sendJSON(w, http.StatusOK, models.ChunkAck{
			SessionID:      sessionID,
			ChunkIndex:     chunkIndex,
			ChunksReceived: chunksReceived,
			TotalChunks:    session.TotalChunks,
			Complete:       chunksReceived == session.TotalChunks,
		})
	}
}

// multipartChunk extracts the "chunk" part from the request body without
// buffering the whole form.
func multipartChunk(r *http.Request) (io.ReadCloser, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("request must be multipart/form-data")
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("multipart field %q is required", "chunk")
		}
		if err != nil {
			return nil, fmt.Errorf("malformed multipart body")
		}
		if part.FormName() == "chunk" {
			return part, nil
		}
		part.Close()
	}
}

// UploadCompleteHandler handles POST /api/v1/upload/complete
func UploadCompleteHandler(db *sql.DB, backend storage.Backend, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		var req models.SessionCompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			sendError(w, "sessionId is required", "MISSING_SESSION_ID", http.StatusBadRequest)
			return
		}

		session, err := database.GetSession(db, req.SessionID)
		if err != nil {
			slog.Error("failed to load upload session", "session_id", req.SessionID, "error", err)
			sendError(w, "Failed to load upload session", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}
		if session == nil {
			sendError(w, "Upload session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
			return
		}
		if session.UserID != middleware.UserID(r.Context()) {
			sendError(w, "Session belongs to another user", "FORBIDDEN", http.StatusForbidden)
			return
		}

		// Repeated completion of a finished session is acknowledged, not
		// re-assembled.
		if session.Completed {
			sendJSON(w, http.StatusOK, models.ResourceDescriptor{
				SessionID:    session.SessionID,
				RelativePath: session.RelativePath,
				Size:         session.TotalSize,
				MimeType:     "application/octet-stream",
			})
			return
		}

		if sessionExpired(session, cfg) {
			sendError(w, "Upload session expired", "SESSION_EXPIRED", http.StatusGone)
			return
		}

		missing, err := database.MissingChunks(db, session.SessionID, session.TotalChunks)
		if err != nil {
			slog.Error("failed to compute missing chunks", "session_id", session.SessionID, "error", err)
			sendError(w, "Failed to verify chunks", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}
		if len(missing) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(models.SessionCompleteError{
				Error:         fmt.Sprintf("%d of %d chunks missing", len(missing), session.TotalChunks),
				MissingChunks: missing,
			})
			return
		}

		size, mimeType, err := backend.AssembleChunks(r.Context(), session.SessionID, session.TotalChunks, session.RelativePath)
		if err != nil {
			slog.Error("failed to assemble chunks", "session_id", session.SessionID, "error", err)
			metrics.ErrorsTotal.WithLabelValues("assembly").Inc()
			sendError(w, "Failed to assemble uploaded file", "ASSEMBLY_FAILED", http.StatusInternalServerError)
			return
		}
		if size != session.TotalSize {
			slog.Error("assembled size mismatch",
				"session_id", session.SessionID,
				"assembled", size,
				"expected", session.TotalSize,
			)
			backend.Delete(r.Context(), session.RelativePath)
			sendError(w, "Assembled file does not match the declared size", "SIZE_MISMATCH", http.StatusInternalServerError)
			return
		}

		if err := database.MarkCompleted(db, session.SessionID, time.Now().UTC()); err != nil {
			slog.Error("failed to mark session completed", "session_id", session.SessionID, "error", err)
			sendError(w, "Failed to finalize upload session", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}

		metrics.SessionsCompletedTotal.Inc()
		metrics.ActiveSessions.Dec()
		metrics.UploadSizeBytes.Observe(float64(size))
		slog.Info("upload session completed",
			"session_id", session.SessionID,
			"relative_path", session.RelativePath,
			"size", size,
			"mime_type", mimeType,
		)

		sendJSON(w, http.StatusOK, models.ResourceDescriptor{
			SessionID:    session.SessionID,
			RelativePath: session.RelativePath,
			Size:         size,
			MimeType:     mimeType,
		})
	}
}

// SessionAbortHandler handles DELETE /api/v1/upload/session/<id>
func SessionAbortHandler(db *sql.DB, backend storage.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		sessionID := strings.TrimPrefix(r.URL.Path, "/api/v1/upload/session/")
		if sessionID == "" || strings.Contains(sessionID, "/") {
			sendError(w, "Session id is required", "MISSING_SESSION_ID", http.StatusBadRequest)
			return
		}

		session, err := database.GetSession(db, sessionID)
		if err != nil {
			slog.Error("failed to load upload session", "session_id", sessionID, "error", err)
			sendError(w, "Failed to load upload session", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}
		// Aborting an unknown session is a no-op: the caller is cleaning
		// up from an error path and must always succeed.
		if session == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if session.UserID != middleware.UserID(r.Context()) {
			sendError(w, "Session belongs to another user", "FORBIDDEN", http.StatusForbidden)
			return
		}

		if err := backend.DeleteChunks(r.Context(), sessionID); err != nil {
			slog.Warn("failed to delete staged chunks", "session_id", sessionID, "error", err)
		}
		if err := database.DeleteSession(db, sessionID); err != nil {
			slog.Error("failed to delete upload session", "session_id", sessionID, "error", err)
			sendError(w, "Failed to delete upload session", "DATABASE_ERROR", http.StatusInternalServerError)
			return
		}

		if !session.Completed {
			metrics.ActiveSessions.Dec()
		}
		metrics.SessionsAbortedTotal.WithLabelValues("client").Inc()
		slog.Info("upload session aborted", "session_id", sessionID, "user_id", session.UserID)

		w.WriteHeader(http.StatusNoContent)
	}
}
