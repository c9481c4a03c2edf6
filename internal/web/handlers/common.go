// Package handlers provides HTTP handlers for the web API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-recognizer/internal/batcher"
	"github.com/kozaktomas/face-recognizer/internal/detection"
	"github.com/kozaktomas/face-recognizer/internal/embedding"
	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/kozaktomas/face-recognizer/internal/logger"
	"github.com/kozaktomas/face-recognizer/internal/recognizer"
)

const (
	// maxUploadSize bounds a single multipart upload.
	maxUploadSize = 32 << 20
	// uploadField is the multipart field carrying the image.
	uploadField = "file"
)

// errEmptyFile is returned when the upload carries no bytes.
var errEmptyFile = errors.New("empty file")

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusForError maps pipeline and identity errors to HTTP status codes.
func statusForError(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errEmptyFile),
		errors.Is(err, detection.ErrInvalidImage),
		errors.Is(err, embedding.ErrInvalidInput),
		errors.Is(err, identity.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrConflict), errors.Is(err, identity.ErrDuplicateFace):
		return http.StatusConflict
	case errors.Is(err, recognizer.ErrNoFace):
		return http.StatusUnprocessableEntity
	case errors.Is(err, batcher.ErrDispatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondFailure logs server-side failures with a trace ID and writes the
// mapped error response.
func respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status < http.StatusInternalServerError {
		respondError(w, status, err.Error())
		return
	}
	traceID := logger.ErrorWithTraceID(logger.Fields{
		"method":     r.Method,
		"path":       sanitizeForLog(r.URL.Path),
		"request_id": requestID(r),
		"error":      err.Error(),
	}, "request failed")
	respondError(w, status, fmt.Sprintf("%s (trace %s)", err.Error(), traceID))
}

func requestID(r *http.Request) string {
	return chiMiddleware.GetReqID(r.Context())
}

// readUpload returns the bytes of the uploaded image.
func readUpload(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadSize)
	file, _, err := r.FormFile(uploadField)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %q field: %w", errEmptyFile, uploadField, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, errEmptyFile
	}
	return data, nil
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
