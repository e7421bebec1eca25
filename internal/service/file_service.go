package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"healthvault/internal/domain"
	"healthvault/internal/service/s3"
	"healthvault/pkg/logger"
	"healthvault/pkg/metrics"
)

const (
	maxFileSize = 100 * 1024 * 1024 // 100MB максимальный размер файла

	// Намерение моложе этого порога может принадлежать еще идущей
	// загрузке, сверка его не трогает.
	staleIntentAge = time.Hour
)

// FileRepo описывает контракт хранилища метаданных файлов.
type FileRepo interface {
	Create(ctx context.Context, file *domain.FileRecord) error
	ListByOwner(ctx context.Context, ownerID string) ([]domain.FileRecord, error)
	GetByUUIDAndOwner(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileRecord, error)
	UpdateOCRText(ctx context.Context, fileUUID uuid.UUID, ownerID string, text string) (*domain.FileRecord, error)
	UpdateHealthData(ctx context.Context, fileUUID uuid.UUID, ownerID string, data *domain.HealthRecord) (*domain.FileRecord, error)
	Delete(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileRecord, error)
}

// IntentRepo описывает контракт журнала намерений для блобов.
type IntentRepo interface {
	Create(ctx context.Context, intent *domain.BlobIntent) error
	Delete(ctx context.Context, id int64) error
	ListStale(ctx context.Context, olderThan time.Duration) ([]domain.BlobIntent, error)
	HasFileWithKey(ctx context.Context, key string) (bool, error)
}

// FileService управляет жизненным циклом документов: блоб в S3 плюс
// запись метаданных в БД.
type FileService struct {
	fileRepo   FileRepo
	intentRepo IntentRepo
	storage    s3.Storage
	log        *logger.Logger
	metrics    *metrics.Metrics
}

func NewFileService(
	fileRepo FileRepo,
	intentRepo IntentRepo,
	storage s3.Storage,
	log *logger.Logger,
	m *metrics.Metrics,
) *FileService {
	return &FileService{
		fileRepo:   fileRepo,
		intentRepo: intentRepo,
		storage:    storage,
		log:        log,
		metrics:    m,
	}
}

// blobKey строит ключ объекта. Ключ включает UUID записи, а не имя
// файла, поэтому два файла с одним именем не затирают друг друга.
func blobKey(ownerID string, fileUUID uuid.UUID) string {
	return fmt.Sprintf("files/%s/%s", ownerID, fileUUID.String())
}

// Upload загружает блоб, затем создает запись метаданных.
// Порядок фиксирован: сначала намерение, потом блоб, потом метаданные.
// Если запись метаданных не удалась, блоб остается — его подберет
// фоновая сверка по оставшемуся намерению.
func (s *FileService) Upload(ctx context.Context, upload *domain.FileUpload) (*domain.FileRecord, error) {
	if upload == nil || upload.OwnerID == "" || len(upload.Data) == 0 || upload.Name == "" {
		return nil, fmt.Errorf("%w: owner id, file name and non-empty content are required", ErrValidation)
	}

	if int64(len(upload.Data)) > maxFileSize {
		return nil, fmt.Errorf("%w: max size is %d bytes", ErrValidation, maxFileSize)
	}

	contentType := upload.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	fileUUID := uuid.New()
	key := blobKey(upload.OwnerID, fileUUID)

	intent := &domain.BlobIntent{S3Key: key, Op: domain.BlobOpPut}
	if err := s.intentRepo.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.storage.UploadBytes(ctx, key, upload.Data, contentType); err != nil {
		// Блоб не записан, намерение больше не нужно
		if delErr := s.intentRepo.Delete(ctx, intent.ID); delErr != nil {
			s.log.Error(delErr, "failed to remove intent after upload error", "key", key)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	record := &domain.FileRecord{
		UUID:         fileUUID,
		Name:         upload.Name,
		MIMEType:     contentType,
		SizeBytes:    int64(len(upload.Data)),
		OwnerID:      upload.OwnerID,
		URL:          s.storage.ObjectURL(key),
		OriginalName: upload.Name,
		Encoding:     "utf-8",
	}

	if err := s.fileRepo.Create(ctx, record); err != nil {
		// Намерение остается: сверка удалит осиротевший блоб
		s.log.Error(err, "metadata write failed after blob upload", "key", key)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.intentRepo.Delete(ctx, intent.ID); err != nil {
		s.log.Error(err, "failed to clear blob intent", "key", key)
	}

	if s.metrics != nil {
		s.metrics.FilesUploaded.Inc()
		s.metrics.UploadedBytes.Add(float64(record.SizeBytes))
	}

	return record, nil
}

// List возвращает все файлы владельца, новые первыми.
func (s *FileService) List(ctx context.Context, ownerID string) ([]domain.FileRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	files, err := s.fileRepo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return files, nil
}

// Delete удаляет запись метаданных, затем блоб. Несовпадение владельца
// равнозначно отсутствию записи. Если блоб удалить не удалось, запись
// уже снята — возврата нет, остаток подберет сверка.
func (s *FileService) Delete(ctx context.Context, fileUUID uuid.UUID, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	record, err := s.fileRepo.Delete(ctx, fileUUID, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	key := blobKey(record.OwnerID, record.UUID)
	intent := &domain.BlobIntent{S3Key: key, Op: domain.BlobOpDelete}
	if err := s.intentRepo.Create(ctx, intent); err != nil {
		s.log.Error(err, "failed to record delete intent", "key", key)
	}

	if err := s.storage.DeleteObject(ctx, key); err != nil {
		// Метаданные уже удалены, блоб останется до сверки
		s.log.Error(err, "blob deletion failed after metadata delete", "key", key)
		return nil
	}

	if intent.ID != 0 {
		if err := s.intentRepo.Delete(ctx, intent.ID); err != nil {
			s.log.Error(err, "failed to clear delete intent", "key", key)
		}
	}

	if s.metrics != nil {
		s.metrics.FilesDeleted.Inc()
	}

	return nil
}

// AttachOCRText записывает распознанный текст в запись файла.
// Повторный вызов с тем же текстом ничего не меняет.
func (s *FileService) AttachOCRText(ctx context.Context, fileUUID uuid.UUID, ownerID string, text string) (*domain.FileRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	record, err := s.fileRepo.UpdateOCRText(ctx, fileUUID, ownerID, text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return record, nil
}

// AttachHealthData записывает структурированные данные тем же путем,
// что и AttachOCRText.
func (s *FileService) AttachHealthData(ctx context.Context, fileUUID uuid.UUID, ownerID string, data *domain.HealthRecord) (*domain.FileRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: health data is required", ErrValidation)
	}

	record, err := s.fileRepo.UpdateHealthData(ctx, fileUUID, ownerID, data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return record, nil
}

// Download отдает метаданные и содержимое блоба.
func (s *FileService) Download(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileDownload, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	record, err := s.fileRepo.GetByUUIDAndOwner(ctx, fileUUID, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	obj, err := s.storage.GetObject(ctx, blobKey(record.OwnerID, record.UUID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return &domain.FileDownload{File: record, Data: data}, nil
}

// ReconcileBlobs разбирает устаревшие намерения: осиротевшие блобы
// удаляются, намерения с дожившей записью метаданных просто снимаются.
func (s *FileService) ReconcileBlobs(ctx context.Context) error {
	intents, err := s.intentRepo.ListStale(ctx, staleIntentAge)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	for _, intent := range intents {
		switch intent.Op {
		case domain.BlobOpPut:
			exists, err := s.intentRepo.HasFileWithKey(ctx, intent.S3Key)
			if err != nil {
				s.log.Error(err, "reconcile: existence check failed", "key", intent.S3Key)
				continue
			}
			if !exists {
				if err := s.storage.DeleteObject(ctx, intent.S3Key); err != nil {
					s.log.Error(err, "reconcile: orphan blob deletion failed", "key", intent.S3Key)
					continue
				}
				if s.metrics != nil {
					s.metrics.BlobsReconciled.Inc()
				}
			}
		case domain.BlobOpDelete:
			// DeleteObject идемпотентен, повтор безопасен
			if err := s.storage.DeleteObject(ctx, intent.S3Key); err != nil {
				s.log.Error(err, "reconcile: blob deletion retry failed", "key", intent.S3Key)
				continue
			}
			if s.metrics != nil {
				s.metrics.BlobsReconciled.Inc()
			}
		}

		if err := s.intentRepo.Delete(ctx, intent.ID); err != nil {
			s.log.Error(err, "reconcile: failed to clear intent", "key", intent.S3Key)
		}
	}

	return nil
}
