package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wisbric/gpuctl/pkg/ctrlerr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the Intent API's standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondError classifies err via pkg/ctrlerr.Classify and writes the
// matching status code and stable error code, per spec.md §6.
func RespondError(w http.ResponseWriter, err error) {
	code, status := ctrlerr.Classify(err)
	Respond(w, status, ErrorResponse{Error: string(code), Message: err.Error()})
}
