package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileRecord представляет метаданные загруженного документа.
// Поля OCRText и HealthData заполняются только после соответствующих
// этапов извлечения и до этого остаются NULL.
type FileRecord struct {
	UUID         uuid.UUID     `json:"uuid" db:"uuid"`
	Name         string        `json:"name" db:"name"`
	MIMEType     string        `json:"mime_type" db:"mime_type"`
	SizeBytes    int64         `json:"size_bytes" db:"size_bytes"`
	OwnerID      string        `json:"owner_id" db:"owner_id"`
	URL          string        `json:"url" db:"url"`
	UploadedAt   time.Time     `json:"uploaded_at" db:"uploaded_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
	OCRText      *string       `json:"ocr_text,omitempty" db:"ocr_text"`
	HealthData   *HealthRecord `json:"health_data,omitempty" db:"health_data"`
	OriginalName string        `json:"original_name" db:"original_name"`
	Encoding     string        `json:"encoding" db:"encoding"`
}

// FileUpload содержит входные данные для загрузки нового документа.
type FileUpload struct {
	OwnerID  string
	Name     string
	MIMEType string
	Data     []byte
}

// FileDownload содержит метаданные и содержимое документа для отдачи клиенту.
type FileDownload struct {
	File *FileRecord
	Data []byte
}

// BlobIntent — запись о намерении изменить объект в хранилище.
// Создается до операции с блобом и удаляется после фиксации парной
// записи метаданных; остаточные записи подбирает фоновая сверка.
type BlobIntent struct {
	ID        int64     `json:"id" db:"id"`
	S3Key     string    `json:"s3_key" db:"s3_key"`
	Op        string    `json:"op" db:"op"` // put или delete
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	BlobOpPut    = "put"
	BlobOpDelete = "delete"
)
