package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-sentinel/internal/analysis"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/detector"
	"github.com/technosupport/ts-sentinel/internal/lifecycle"
)

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type CameraHandler struct {
	Cameras data.CameraModel
	Cascade *lifecycle.Service
}

// POST /api/v1/cameras
func (h *CameraHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		FolderPath string          `json:"folder_path"`
		Zones      json.RawMessage `json:"zones,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ID == "" || req.Name == "" || req.FolderPath == "" {
		respondError(w, http.StatusBadRequest, "id, name and folder_path are required")
		return
	}

	cam := &data.Camera{ID: req.ID, Name: req.Name, FolderPath: req.FolderPath, Zones: req.Zones}
	if err := h.Cameras.Create(r.Context(), cam); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, cam)
}

// GET /api/v1/cameras
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	cams, err := h.Cameras.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cams)
}

// DELETE /api/v1/cameras/{id}
func (h *CameraHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.Cascade.SoftDeleteCamera(r.Context(), id, true)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "camera not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/cameras/{id}/restore
func (h *CameraHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.Cascade.RestoreCamera(r.Context(), id, true)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "camera not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type DetectHandler struct {
	Client *detector.Client
}

// POST /api/v1/detect
func (h *DetectHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImagePath string `json:"image_path"`
		CameraID  string `json:"camera_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ImagePath == "" || req.CameraID == "" {
		respondError(w, http.StatusBadRequest, "image_path and camera_id are required")
		return
	}

	detections, err := h.Client.DetectObjects(r.Context(), req.ImagePath, req.CameraID)
	if err != nil {
		switch {
		case errors.Is(err, detector.ErrInvalidImage):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, detector.ErrDetectorUnavailable):
			respondError(w, http.StatusBadGateway, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"detections": detections, "count": len(detections)})
}

type EventHandler struct {
	Events  data.EventModel
	Cascade *lifecycle.Service
}

// GET /api/v1/events/{id}
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	event, err := h.Events.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// POST /api/v1/events/{id}/review
func (h *EventHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	var req struct {
		Reviewed bool `json:"reviewed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := h.Events.SetReviewed(r.Context(), id, req.Reviewed); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "reviewed": req.Reviewed})
}

// DELETE /api/v1/events/{id}
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	result, err := h.Cascade.SoftDeleteEvent(r.Context(), id, true)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/events/bulk-delete
func (h *EventHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	result, err := h.Cascade.SoftDeleteEventsBulk(r.Context(), req.IDs, true)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/events/{id}/restore
func (h *EventHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := eventID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	result, err := h.Cascade.RestoreEvent(r.Context(), id, true)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func eventID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type StreamHandler struct {
	Analyzer *analysis.Analyzer
}

// GET /api/v1/analyze/{batchID}/stream
// Relays the streaming analysis protocol as server-sent events.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		respondError(w, http.StatusBadRequest, "batch id required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.Analyzer.AnalyzeBatchStreaming(r.Context(), batchID, "", nil) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

type HealthHandler struct {
	Status func() map[string]bool
}

// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	deps := map[string]bool{}
	if h.Status != nil {
		deps = h.Status()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"time":         time.Now().UTC(),
		"dependencies": deps,
	})
}
