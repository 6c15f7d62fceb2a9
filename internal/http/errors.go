package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vaheed/novaspace/internal/lib/httperr"
)

// Error codes returned in the payload of every non-2xx response.
const (
	CodeBadRequest   = "NS-400"
	CodeUnauthorized = "NS-401"
	CodeForbidden    = "NS-403"
	CodeNotFound     = "NS-404"
	CodeConflict     = "NS-409"
	CodeInternal     = "NS-500"
	CodeUnavailable  = "NS-503"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	httperr.Write(w, status, code, msg)
}
