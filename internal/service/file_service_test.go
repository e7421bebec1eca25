package service

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthvault/internal/domain"
	"healthvault/internal/service/s3"
	"healthvault/pkg/logger"
)

// fakeFileRepo — хранилище метаданных в памяти с семантикой
// owner-scoped операций реального репозитория.
type fakeFileRepo struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*domain.FileRecord
	createErr error
	seq       int
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{records: make(map[uuid.UUID]*domain.FileRecord)}
}

func (f *fakeFileRepo) Create(_ context.Context, file *domain.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	f.seq++
	file.UploadedAt = time.Unix(int64(f.seq), 0)
	file.UpdatedAt = file.UploadedAt
	clone := *file
	f.records[file.UUID] = &clone
	return nil
}

func (f *fakeFileRepo) ListByOwner(_ context.Context, ownerID string) ([]domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.FileRecord
	for _, rec := range f.records {
		if rec.OwnerID == ownerID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

func (f *fakeFileRepo) GetByUUIDAndOwner(_ context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[fileUUID]
	if !ok || rec.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeFileRepo) UpdateOCRText(_ context.Context, fileUUID uuid.UUID, ownerID string, text string) (*domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[fileUUID]
	if !ok || rec.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	rec.OCRText = &text
	clone := *rec
	return &clone, nil
}

func (f *fakeFileRepo) UpdateHealthData(_ context.Context, fileUUID uuid.UUID, ownerID string, data *domain.HealthRecord) (*domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[fileUUID]
	if !ok || rec.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	rec.HealthData = data
	clone := *rec
	return &clone, nil
}

func (f *fakeFileRepo) Delete(_ context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[fileUUID]
	if !ok || rec.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	delete(f.records, fileUUID)
	return rec, nil
}

// fakeIntentRepo фиксирует намерения в памяти.
type fakeIntentRepo struct {
	mu      sync.Mutex
	nextID  int64
	intents map[int64]domain.BlobIntent
	files   *fakeFileRepo
}

func newFakeIntentRepo(files *fakeFileRepo) *fakeIntentRepo {
	return &fakeIntentRepo{intents: make(map[int64]domain.BlobIntent), files: files}
}

func (f *fakeIntentRepo) Create(_ context.Context, intent *domain.BlobIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	intent.ID = f.nextID
	intent.CreatedAt = time.Now().Add(-2 * time.Hour) // сразу «устаревшее» для тестов сверки
	f.intents[intent.ID] = *intent
	return nil
}

func (f *fakeIntentRepo) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.intents, id)
	return nil
}

func (f *fakeIntentRepo) ListStale(_ context.Context, olderThan time.Duration) ([]domain.BlobIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.BlobIntent
	for _, intent := range f.intents {
		if time.Since(intent.CreatedAt) > olderThan {
			out = append(out, intent)
		}
	}
	return out, nil
}

// HasFileWithKey повторяет семантику репозитория: буквальное сравнение
// хвоста URL, без подстановочных знаков.
func (f *fakeIntentRepo) HasFileWithKey(_ context.Context, key string) (bool, error) {
	f.files.mu.Lock()
	defer f.files.mu.Unlock()

	for _, rec := range f.files.records {
		if strings.HasSuffix(rec.URL, key) {
			return true, nil
		}
	}
	return false, nil
}

// fakeStorage — S3 в памяти.
type fakeStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	deleteErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

type fakeObject struct {
	io.ReadCloser
	length int64
	ctype  string
}

func (o *fakeObject) ContentLength() int64 { return o.length }
func (o *fakeObject) ContentType() string  { return o.ctype }

func (f *fakeStorage) UploadBytes(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) GetObject(_ context.Context, key string) (s3.S3Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return &fakeObject{
		ReadCloser: io.NopCloser(bytes.NewReader(data)),
		length:     int64(len(data)),
	}, nil
}

func (f *fakeStorage) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeStorage) ObjectURL(key string) string {
	return "s3://test-bucket/" + key
}

func newTestFileService(t *testing.T) (*FileService, *fakeFileRepo, *fakeIntentRepo, *fakeStorage) {
	t.Helper()
	files := newFakeFileRepo()
	intents := newFakeIntentRepo(files)
	storage := newFakeStorage()
	svc := NewFileService(files, intents, storage, logger.NewLogger(nil), nil)
	return svc, files, intents, storage
}

func TestFileService_UploadThenListRoundtrip(t *testing.T) {
	svc, _, intents, storage := newTestFileService(t)
	ctx := context.Background()

	record, err := svc.Upload(ctx, &domain.FileUpload{
		OwnerID:  "u1",
		Name:     "report.pdf",
		MIMEType: "application/pdf",
		Data:     bytes.Repeat([]byte("x"), 2048),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, record.UUID)
	assert.NotEmpty(t, record.URL)

	files, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "report.pdf", files[0].Name)
	assert.Equal(t, "application/pdf", files[0].MIMEType)
	assert.Equal(t, int64(2048), files[0].SizeBytes)
	assert.Nil(t, files[0].OCRText)
	assert.Nil(t, files[0].HealthData)

	// Блоб загружен, намерение снято
	assert.Len(t, storage.objects, 1)
	assert.Empty(t, intents.intents)
}

func TestFileService_UploadValidation(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)
	ctx := context.Background()

	cases := []*domain.FileUpload{
		nil,
		{OwnerID: "", Name: "a.png", Data: []byte("x")},
		{OwnerID: "u1", Name: "a.png", Data: nil},
		{OwnerID: "u1", Name: "", Data: []byte("x")},
	}

	for _, upload := range cases {
		_, err := svc.Upload(ctx, upload)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestFileService_ListNewestFirst(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)
	ctx := context.Background()

	for _, name := range []string{"first.png", "second.png", "third.png"} {
		_, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: name, Data: []byte("x")})
		require.NoError(t, err)
	}

	files, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "third.png", files[0].Name)
	assert.Equal(t, "first.png", files[2].Name)
}

func TestFileService_MetadataFailureLeavesIntentForReconciler(t *testing.T) {
	svc, files, intents, storage := newTestFileService(t)
	ctx := context.Background()

	files.createErr = fmt.Errorf("connection reset")

	_, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: "a.png", Data: []byte("x")})
	require.ErrorIs(t, err, ErrPersistence)

	// Блоб осиротел, но намерение осталось — сверка его удалит
	assert.Len(t, storage.objects, 1)
	require.Len(t, intents.intents, 1)

	require.NoError(t, svc.ReconcileBlobs(ctx))
	assert.Empty(t, storage.objects)
	assert.Empty(t, intents.intents)
}

func TestFileService_ReconcileMatchesKeysLiterally(t *testing.T) {
	svc, _, intents, storage := newTestFileService(t)
	ctx := context.Background()

	// Живой файл владельца uX1: его ключ отличается от осиротевшего
	// только символом, который LIKE трактовал бы как подстановочный
	record, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "uX1", Name: "a.png", Data: []byte("x")})
	require.NoError(t, err)

	orphanKey := "files/u_1/" + record.UUID.String()
	storage.objects[orphanKey] = []byte("orphan")
	intents.intents[99] = domain.BlobIntent{
		ID:        99,
		S3Key:     orphanKey,
		Op:        domain.BlobOpPut,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}

	require.NoError(t, svc.ReconcileBlobs(ctx))

	// Осиротевший блоб удален, живой остался
	_, orphanKept := storage.objects[orphanKey]
	assert.False(t, orphanKept)
	assert.Len(t, storage.objects, 1)
	assert.Empty(t, intents.intents)
}

func TestFileService_DeleteRemovesRecordAndBlob(t *testing.T) {
	svc, _, _, storage := newTestFileService(t)
	ctx := context.Background()

	record, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: "report.pdf", Data: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, record.UUID, "u1"))

	files, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, storage.objects)
}

func TestFileService_DeleteWrongOwnerFailsAndKeepsRecord(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)
	ctx := context.Background()

	record, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: "report.pdf", Data: []byte("x")})
	require.NoError(t, err)

	err = svc.Delete(ctx, record.UUID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFileService_DeleteUnknownFile(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)

	err := svc.Delete(context.Background(), uuid.New(), "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileService_BlobDeleteFailureIsNotSurfaced(t *testing.T) {
	svc, _, intents, storage := newTestFileService(t)
	ctx := context.Background()

	record, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: "report.pdf", Data: []byte("x")})
	require.NoError(t, err)

	storage.deleteErr = fmt.Errorf("endpoint unavailable")

	// Метаданные уже сняты, отката нет — операция считается успешной
	require.NoError(t, svc.Delete(ctx, record.UUID, "u1"))
	require.Len(t, intents.intents, 1)

	// Сверка повторяет удаление, когда хранилище ожило
	storage.deleteErr = nil
	require.NoError(t, svc.ReconcileBlobs(ctx))
	assert.Empty(t, storage.objects)
	assert.Empty(t, intents.intents)
}

func TestFileService_AttachOCRTextIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)
	ctx := context.Background()

	record, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: "scan.png", Data: []byte("x")})
	require.NoError(t, err)

	first, err := svc.AttachOCRText(ctx, record.UUID, "u1", "recognized text")
	require.NoError(t, err)
	second, err := svc.AttachOCRText(ctx, record.UUID, "u1", "recognized text")
	require.NoError(t, err)

	require.NotNil(t, second.OCRText)
	assert.Equal(t, *first.OCRText, *second.OCRText)
	assert.Equal(t, "recognized text", *second.OCRText)
}

func TestFileService_AttachOCRTextUnknownFile(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)

	_, err := svc.AttachOCRText(context.Background(), uuid.New(), "u1", "text")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileService_AttachHealthDataOverwrites(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)
	ctx := context.Background()

	record, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: "scan.png", Data: []byte("x")})
	require.NoError(t, err)

	first := domain.NewEmptyHealthRecord()
	first.Conditions = []domain.HealthItem{{Name: "Asthma", Confidence: 0.8}}
	_, err = svc.AttachHealthData(ctx, record.UUID, "u1", first)
	require.NoError(t, err)

	second := domain.NewEmptyHealthRecord()
	second.Conditions = []domain.HealthItem{{Name: "Hypertension", Confidence: 0.9}}
	updated, err := svc.AttachHealthData(ctx, record.UUID, "u1", second)
	require.NoError(t, err)

	require.NotNil(t, updated.HealthData)
	require.Len(t, updated.HealthData.Conditions, 1)
	assert.Equal(t, "Hypertension", updated.HealthData.Conditions[0].Name)
}

func TestFileService_DownloadReturnsContent(t *testing.T) {
	svc, _, _, _ := newTestFileService(t)
	ctx := context.Background()

	content := []byte("page one text")
	record, err := svc.Upload(ctx, &domain.FileUpload{OwnerID: "u1", Name: "scan.png", MIMEType: "image/png", Data: content})
	require.NoError(t, err)

	download, err := svc.Download(ctx, record.UUID, "u1")
	require.NoError(t, err)
	assert.Equal(t, content, download.Data)
	assert.Equal(t, "scan.png", download.File.Name)

	_, err = svc.Download(ctx, record.UUID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}
