// Package httperr renders the API error payload.
package httperr

import (
	"encoding/json"
	"net/http"
)

// Payload is the body of every API error response.
type Payload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write writes an error payload with an NS-xxx code and message.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Payload{Code: code, Message: message})
}
