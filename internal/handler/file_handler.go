package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"healthvault/internal/domain"
	"healthvault/internal/service"
	"healthvault/pkg/logger"
)

const maxUploadMemory = 100 << 20 // 100MB

// FileLifecycle — контракт сервиса файлов, нужный HTTP-слою.
type FileLifecycle interface {
	Upload(ctx context.Context, upload *domain.FileUpload) (*domain.FileRecord, error)
	List(ctx context.Context, ownerID string) ([]domain.FileRecord, error)
	Delete(ctx context.Context, fileUUID uuid.UUID, ownerID string) error
	AttachOCRText(ctx context.Context, fileUUID uuid.UUID, ownerID string, text string) (*domain.FileRecord, error)
	AttachHealthData(ctx context.Context, fileUUID uuid.UUID, ownerID string, data *domain.HealthRecord) (*domain.FileRecord, error)
	Download(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileDownload, error)
}

type FileHandler struct {
	files FileLifecycle
	log   *logger.Logger
}

func NewFileHandler(files FileLifecycle, log *logger.Logger) *FileHandler {
	return &FileHandler{files: files, log: log}
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError переводит ошибку сервиса в HTTP-статус. Причины
// внутренних сбоев в ответ не попадают, только в лог.
func (h *FileHandler) writeServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "File not found")
	default:
		h.log.Error(err, "request failed", "action", action)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to %s", action))
	}
}

// UploadFile обрабатывает загрузку документов. Файлы из одной формы
// загружаются последовательно; первый сбой прерывает всю партию.
func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	ownerID := r.FormValue("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "Owner ID is required")
		return
	}

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}

	records := make([]*domain.FileRecord, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
			return
		}

		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
			return
		}

		record, err := h.files.Upload(r.Context(), &domain.FileUpload{
			OwnerID:  ownerID,
			Name:     header.Filename,
			MIMEType: header.Header.Get("Content-Type"),
			Data:     data,
		})
		if err != nil {
			h.writeServiceError(w, err, "upload file")
			return
		}

		records = append(records, record)
	}

	// Одиночная загрузка отвечает записью, партия — массивом
	if len(records) == 1 {
		writeJSON(w, http.StatusOK, records[0])
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ListFiles возвращает файлы владельца, новые первыми.
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "Owner ID is required")
		return
	}

	files, err := h.files.List(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, err, "fetch files")
		return
	}

	if files == nil {
		files = []domain.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

// DeleteFile удаляет файл, принадлежащий владельцу.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("fileId")
	ownerID := r.URL.Query().Get("ownerId")
	if fileID == "" || ownerID == "" {
		writeError(w, http.StatusBadRequest, "File ID and Owner ID are required")
		return
	}

	fileUUID, err := uuid.Parse(fileID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file ID")
		return
	}

	if err := h.files.Delete(r.Context(), fileUUID, ownerID); err != nil {
		h.writeServiceError(w, err, "delete file")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "File deleted successfully"})
}

type ocrUpdateRequest struct {
	FileID  string `json:"fileId"`
	OCRText string `json:"ocrText"`
}

// UpdateOCRText записывает распознанный текст в запись файла.
func (h *FileHandler) UpdateOCRText(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")

	var req ocrUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.FileID == "" || req.OCRText == "" || ownerID == "" {
		writeError(w, http.StatusBadRequest, "File ID, OCR text, and Owner ID are required")
		return
	}

	fileUUID, err := uuid.Parse(req.FileID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file ID")
		return
	}

	record, err := h.files.AttachOCRText(r.Context(), fileUUID, ownerID, req.OCRText)
	if err != nil {
		h.writeServiceError(w, err, "update OCR text")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

type healthUpdateRequest struct {
	FileID     string          `json:"fileId"`
	HealthData json.RawMessage `json:"healthData"`
}

// UpdateHealthData записывает структурированные данные. Тело проходит
// тот же строгий декодер, что и ответы модели.
func (h *FileHandler) UpdateHealthData(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")

	var req healthUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.FileID == "" || len(req.HealthData) == 0 || ownerID == "" {
		writeError(w, http.StatusBadRequest, "File ID, health data, and Owner ID are required")
		return
	}

	fileUUID, err := uuid.Parse(req.FileID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file ID")
		return
	}

	data, err := domain.DecodeHealthRecord(req.HealthData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid health data")
		return
	}

	record, err := h.files.AttachHealthData(r.Context(), fileUUID, ownerID, data)
	if err != nil {
		h.writeServiceError(w, err, "update health data")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// DownloadFile отдает содержимое документа.
func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
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

	download, err := h.files.Download(r.Context(), fileUUID, ownerID)
	if err != nil {
		h.writeServiceError(w, err, "download file")
		return
	}

	// Имя файла для Content-Disposition
	encodedName := url.QueryEscape(download.File.Name)
	asciiName := strings.ReplaceAll(download.File.Name, `"`, `\"`)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiName, encodedName))
	w.Header().Set("Content-Type", download.File.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(download.Data)))
	w.Write(download.Data)
}
