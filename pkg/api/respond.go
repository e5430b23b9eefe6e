package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/store"
)

// errorBody is the uniform failure envelope. Details carries field-level
// validation errors or probe results when there are any.
type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeErrorDetails(w http.ResponseWriter, status int, msg string, details any) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

// writeStoreError maps the common store outcomes; anything unexpected is
// logged with the request id and surfaced as an opaque 500.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeInternal(w, r, err)
}

func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		"method", r.Method, "path", r.URL.Path,
		"request_id", auth.RequestID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

const maxJSONBody = 1 << 20

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func queryInt(r *http.Request, name string, fallback, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
		if n > max {
			return max
		}
	}
	if n == 0 {
		return fallback
	}
	return n
}
