package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// MaxBodyBytes bounds request bodies read by Decode.
const MaxBodyBytes = 1 << 20

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("encode response", "status", status, "error", err.Error())
	}
}

func OK(w http.ResponseWriter, data any)       { JSON(w, http.StatusOK, data) }
func Created(w http.ResponseWriter, data any)  { JSON(w, http.StatusCreated, data) }
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, data) }
func NoContent(w http.ResponseWriter)          { w.WriteHeader(http.StatusNoContent) }

// Error writes {"error": message} with status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

func BadRequest(w http.ResponseWriter, message string) { Error(w, http.StatusBadRequest, message) }
func NotFound(w http.ResponseWriter, message string)   { Error(w, http.StatusNotFound, message) }

// Conflict writes a 409; details usually carries the existing resource.
func Conflict(w http.ResponseWriter, message string, details any) {
	JSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "conflict", Details: details})
}

// ValidationFailed writes a 400 listing every problem.
func ValidationFailed(w http.ResponseWriter, problems []string) {
	JSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: "invalid", Details: problems})
}

// InternalError logs err and writes a generic 500.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("request failed", "status", http.StatusInternalServerError, "error", err.Error())
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads a JSON body of at most MaxBodyBytes into dst. On failure it
// writes the 400 (413 for oversized bodies) and returns false.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	BadRequest(w, "invalid JSON: "+err.Error())
	return false
}

// QueryInt reads an integer query parameter clamped to [min, max]. Missing
// or malformed values yield def.
func QueryInt(r *http.Request, name string, def, min, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	switch {
	case err != nil:
		return def
	case v < min:
		return min
	case v > max:
		return max
	}
	return v
}
