package mockapi

import (
	"encoding/json"
	"errors"
	"net/http"
)

func respondWithError(w http.ResponseWriter, code int, msg string) {
	respondWithJSON(w, code, map[string]string{"error": msg})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// respondWithDBError maps a DB error to its status.
func respondWithDBError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respondWithError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, ErrDuplicate):
		respondWithError(w, http.StatusConflict, what+" already exists")
	case errors.Is(err, ErrForbidden):
		respondWithError(w, http.StatusForbidden, "not allowed to change this "+what)
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody reads a JSON request body of at most 1 MiB into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
