package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/kozaktomas/face-recognizer/internal/logger"
	"github.com/kozaktomas/face-recognizer/internal/recognizer"
)

// FacesHandler handles detection and person endpoints.
type FacesHandler struct {
	service   *recognizer.Service
	threshold float64 // default search threshold
}

// NewFacesHandler creates a new faces handler.
func NewFacesHandler(svc *recognizer.Service, defaultThreshold float64) *FacesHandler {
	return &FacesHandler{service: svc, threshold: defaultThreshold}
}

// DetectResponse lists the faces of an uploaded image.
type DetectResponse struct {
	*recognizer.Analysis
	Count int `json:"count"`
}

// Ready handles GET /api/v1/ready. It answers 503 until the inference models
// and the database are reachable.
func (h *FacesHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ready(r.Context()); err != nil {
		logger.Warn(logger.Fields{"request_id": requestID(r), "error": err.Error()}, "not ready")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Detect handles POST /api/v1/detect.
func (h *FacesHandler) Detect(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		respondFailure(w, r, err)
		return
	}

	analysis, err := h.service.Detect(r.Context(), data)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, DetectResponse{Analysis: analysis, Count: len(analysis.Detections)})
}

// CreatePerson handles POST /api/v1/persons.
func (h *FacesHandler) CreatePerson(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	enrolled, err := h.service.Enroll(r.Context(), name, data)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, enrolled)
}

// Search handles POST /api/v1/persons/search.
func (h *FacesHandler) Search(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		respondFailure(w, r, err)
		return
	}

	threshold := h.threshold
	if raw := r.FormValue("threshold"); raw != "" {
		threshold, err = strconv.ParseFloat(raw, 64)
		if err != nil || threshold < 0 || threshold > 1 {
			respondError(w, http.StatusBadRequest, "threshold must be a number between 0 and 1")
			return
		}
	}

	found, err := h.service.Search(r.Context(), data, threshold)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no matching person")
			return
		}
		respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, found)
}

// ListPersons handles GET /api/v1/persons.
func (h *FacesHandler) ListPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.service.Store().List(r.Context())
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	if persons == nil {
		persons = []database.Person{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"persons": persons,
		"count":   len(persons),
	})
}

func personID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid person id", identity.ErrInvalidInput)
	}
	return id, nil
}

// GetPerson handles GET /api/v1/persons/{id}.
func (h *FacesHandler) GetPerson(w http.ResponseWriter, r *http.Request) {
	id, err := personID(r)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	person, err := h.service.Store().Get(r.Context(), id)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, person)
}

// DeletePerson handles DELETE /api/v1/persons/{id}.
func (h *FacesHandler) DeletePerson(w http.ResponseWriter, r *http.Request) {
	id, err := personID(r)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	if err := h.service.Store().Delete(r.Context(), id); err != nil {
		respondFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handles POST /api/v1/reconcile.
func (h *FacesHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	report, err := h.service.Store().Reconcile(r.Context(), dryRun)
	if err != nil {
		logger.Warn(logger.Fields{"error": err.Error()}, "reconcile finished with errors")
		respondJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	respondJSON(w, http.StatusOK, report)
}
