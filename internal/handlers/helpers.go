package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/reelvault/reelvault/internal/models"
)

// sendError writes the JSON error envelope used by every handler.
func sendError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// sendJSON writes a JSON response with the given status.
func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
