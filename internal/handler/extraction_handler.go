package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"healthvault/internal/service"
	"healthvault/pkg/logger"
)

// ExtractionRunner — контракт конвейера извлечения для HTTP-слоя.
type ExtractionRunner interface {
	Start(fileUUID uuid.UUID, ownerID string) error
	State(fileUUID uuid.UUID) (service.ExtractionState, bool)
	Snapshot(ownerID string) []service.ExtractionState
}

type ExtractionHandler struct {
	extraction ExtractionRunner
	log        *logger.Logger
}

func NewExtractionHandler(extraction ExtractionRunner, log *logger.Logger) *ExtractionHandler {
	return &ExtractionHandler{extraction: extraction, log: log}
}

// StartExtraction запускает двухэтапный конвейер для файла.
func (h *ExtractionHandler) StartExtraction(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "Owner ID is required")
		return
	}

	fileUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file ID")
		return
	}

	if err := h.extraction.Start(fileUUID, ownerID); err != nil {
		switch {
		case errors.Is(err, service.ErrConflict):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrNotFound):
			writeError(w, http.StatusNotFound, "File not found")
		default:
			h.log.Error(err, "request failed", "action", "start extraction")
			writeError(w, http.StatusInternalServerError, "Failed to start extraction")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, messageResponse{Message: "Extraction started"})
}

// GetExtractionState возвращает текущее состояние конвейера файла.
func (h *ExtractionHandler) GetExtractionState(w http.ResponseWriter, r *http.Request) {
	fileUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file ID")
		return
	}

	state, ok := h.extraction.State(fileUUID)
	if !ok {
		writeError(w, http.StatusNotFound, "No extraction for this file")
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// StreamExtractionEvents отдает SSE события о состоянии конвейеров
// владельца, пока клиент не отключится.
func (h *ExtractionHandler) StreamExtractionEvents(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "Owner ID is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states := h.extraction.Snapshot(ownerID)
			if len(states) == 0 {
				continue
			}

			for _, state := range states {
				data, err := json.Marshal(state)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			flusher.Flush()
		}
	}
}
