package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nordan/reqprof/internal/service/query"
	"github.com/nordan/reqprof/internal/storage"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeQueryError maps service errors onto client-visible statuses:
// validation failures name the bad field in a 400, missing records are
// 404, expired deadlines 504, everything else 500.
func writeQueryError(w http.ResponseWriter, err error) {
	var verr *query.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "measurement not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "query timed out")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
