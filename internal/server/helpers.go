package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/corvid-labs/axon/pkg/schema"
)

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body carrying the machine-readable code.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeAxonError maps a domain error onto an HTTP status.
func writeAxonError(w http.ResponseWriter, err error) {
	code := schema.CodeOf(err)
	writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidInput, schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeSignalRejected, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 extracts an int64 query param with a default value.
func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
