package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"healthvault/internal/domain"
)

type FileRepository struct {
	db *sqlx.DB
}

func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create вставляет запись о файле и заполняет серверные поля времени.
func (r *FileRepository) Create(ctx context.Context, file *domain.FileRecord) error {
	query := `
        INSERT INTO files (uuid, name, mime_type, size_bytes, owner_id, url, original_name, encoding)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING uploaded_at, updated_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		file.UUID,
		file.Name,
		file.MIMEType,
		file.SizeBytes,
		file.OwnerID,
		file.URL,
		file.OriginalName,
		file.Encoding,
	).Scan(&file.UploadedAt, &file.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

// ListByOwner возвращает все файлы владельца, новые первыми.
func (r *FileRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.FileRecord, error) {
	var files []domain.FileRecord
	query := `SELECT * FROM files WHERE owner_id = $1 ORDER BY uploaded_at DESC`

	err := r.db.SelectContext(ctx, &files, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// GetByUUIDAndOwner возвращает файл, принадлежащий владельцу.
// Возвращает sql.ErrNoRows, если записи нет или владелец не совпал.
func (r *FileRepository) GetByUUIDAndOwner(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileRecord, error) {
	var file domain.FileRecord
	query := `SELECT * FROM files WHERE uuid = $1 AND owner_id = $2`

	err := r.db.GetContext(ctx, &file, query, fileUUID, ownerID)
	if err != nil {
		return nil, err
	}

	return &file, nil
}

// UpdateOCRText записывает распознанный текст в запись файла.
func (r *FileRepository) UpdateOCRText(ctx context.Context, fileUUID uuid.UUID, ownerID string, text string) (*domain.FileRecord, error) {
	var file domain.FileRecord
	query := `
        UPDATE files
        SET ocr_text = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $2 AND owner_id = $3
        RETURNING *`

	err := r.db.GetContext(ctx, &file, query, text, fileUUID, ownerID)
	if err != nil {
		return nil, err
	}

	return &file, nil
}

// UpdateHealthData записывает извлеченные медицинские данные,
// перезаписывая предыдущее значение.
func (r *FileRepository) UpdateHealthData(ctx context.Context, fileUUID uuid.UUID, ownerID string, data *domain.HealthRecord) (*domain.FileRecord, error) {
	var file domain.FileRecord
	query := `
        UPDATE files
        SET health_data = $1,
            updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $2 AND owner_id = $3
        RETURNING *`

	err := r.db.GetContext(ctx, &file, query, data, fileUUID, ownerID)
	if err != nil {
		return nil, err
	}

	return &file, nil
}

// Delete удаляет запись файла с проверкой владельца и возвращает
// удаленную запись, чтобы вызывающий мог удалить блоб.
func (r *FileRepository) Delete(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileRecord, error) {
	var file domain.FileRecord
	query := `DELETE FROM files WHERE uuid = $1 AND owner_id = $2 RETURNING *`

	err := r.db.GetContext(ctx, &file, query, fileUUID, ownerID)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete file record: %w", err)
	}

	return &file, nil
}
