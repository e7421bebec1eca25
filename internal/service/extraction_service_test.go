package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthvault/internal/domain"
	"healthvault/pkg/logger"
)

// fakeLifecycle фиксирует вызовы Attach* и отдает заранее заданное содержимое.
type fakeLifecycle struct {
	mu          sync.Mutex
	content     []byte
	downloadErr error
	ocrErr      error
	healthErr   error

	attachedText   *string
	attachedRecord *domain.HealthRecord
}

func (f *fakeLifecycle) Download(_ context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileDownload, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return &domain.FileDownload{
		File: &domain.FileRecord{UUID: fileUUID, OwnerID: ownerID, Name: "scan.png"},
		Data: f.content,
	}, nil
}

func (f *fakeLifecycle) AttachOCRText(_ context.Context, fileUUID uuid.UUID, ownerID string, text string) (*domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ocrErr != nil {
		return nil, f.ocrErr
	}
	f.attachedText = &text
	return &domain.FileRecord{UUID: fileUUID, OwnerID: ownerID, OCRText: &text}, nil
}

func (f *fakeLifecycle) AttachHealthData(_ context.Context, fileUUID uuid.UUID, ownerID string, data *domain.HealthRecord) (*domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.healthErr != nil {
		return nil, f.healthErr
	}
	f.attachedRecord = data
	return &domain.FileRecord{UUID: fileUUID, OwnerID: ownerID, HealthData: data}, nil
}

type fakeRecognizer struct {
	text string
	err  error
}

func (f *fakeRecognizer) Recognize(_ context.Context, _ []byte, report func(progress int)) (string, error) {
	if report != nil {
		report(0)
		report(60)
		report(100)
	}
	return f.text, f.err
}

type fakeAnalyzer struct {
	record *domain.HealthRecord
	err    error
	seen   string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, text string) (*domain.HealthRecord, error) {
	f.seen = text
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

func newTestExtraction(files *fakeLifecycle, rec textRecognizer, an *fakeAnalyzer) *ExtractionService {
	return NewExtractionService(files, rec, an, logger.NewLogger(nil), nil)
}

func TestExtractionService_RunHappyPath(t *testing.T) {
	record := domain.NewEmptyHealthRecord()
	record.Medications = []domain.HealthItem{{Name: "Metformin", Confidence: 0.9}}

	files := &fakeLifecycle{content: []byte("image bytes")}
	analyzer := &fakeAnalyzer{record: record}
	svc := newTestExtraction(files, &fakeRecognizer{text: "Metformin 500mg"}, analyzer)

	fileUUID := uuid.New()
	require.NoError(t, svc.Run(context.Background(), fileUUID, "u1"))

	// Оба этапа зафиксировали результат
	require.NotNil(t, files.attachedText)
	assert.Equal(t, "Metformin 500mg", *files.attachedText)
	require.NotNil(t, files.attachedRecord)
	assert.Equal(t, "Metformin", files.attachedRecord.Medications[0].Name)

	// Второй этап получил ровно текст первого
	assert.Equal(t, "Metformin 500mg", analyzer.seen)

	state, ok := svc.State(fileUUID)
	require.True(t, ok)
	assert.Equal(t, StageDone, state.Stage)
	assert.Equal(t, 100, state.Progress)
	assert.Empty(t, state.Error)
}

func TestExtractionService_RunRecognitionFailure(t *testing.T) {
	files := &fakeLifecycle{content: []byte("image bytes")}
	svc := newTestExtraction(files, &fakeRecognizer{err: fmt.Errorf("tesseract crashed")}, &fakeAnalyzer{})

	fileUUID := uuid.New()
	err := svc.Run(context.Background(), fileUUID, "u1")
	require.ErrorIs(t, err, ErrExtraction)

	// Текст не записан, анализ не стартовал
	assert.Nil(t, files.attachedText)
	assert.Nil(t, files.attachedRecord)

	state, ok := svc.State(fileUUID)
	require.True(t, ok)
	assert.Equal(t, StageFailed, state.Stage)
	assert.NotEmpty(t, state.Error)
}

func TestExtractionService_RunAnalysisFailureKeepsOCRText(t *testing.T) {
	files := &fakeLifecycle{content: []byte("image bytes")}
	analyzer := &fakeAnalyzer{err: fmt.Errorf("%w: model unavailable", ErrExtraction)}
	svc := newTestExtraction(files, &fakeRecognizer{text: "recognized"}, analyzer)

	fileUUID := uuid.New()
	require.Error(t, svc.Run(context.Background(), fileUUID, "u1"))

	// Первый этап уже зафиксирован, откатывать его нельзя
	require.NotNil(t, files.attachedText)
	assert.Equal(t, "recognized", *files.attachedText)
	assert.Nil(t, files.attachedRecord)

	state, _ := svc.State(fileUUID)
	assert.Equal(t, StageFailed, state.Stage)
}

func TestExtractionService_RunDownloadFailure(t *testing.T) {
	files := &fakeLifecycle{downloadErr: fmt.Errorf("%w: file not found", ErrNotFound)}
	svc := newTestExtraction(files, &fakeRecognizer{}, &fakeAnalyzer{})

	fileUUID := uuid.New()
	err := svc.Run(context.Background(), fileUUID, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	state, _ := svc.State(fileUUID)
	assert.Equal(t, StageFailed, state.Stage)
}

func TestExtractionService_StartRejectsConcurrentRun(t *testing.T) {
	svc := newTestExtraction(&fakeLifecycle{}, &fakeRecognizer{}, &fakeAnalyzer{})

	fileUUID := uuid.New()
	svc.setStage(fileUUID, "u1", StageRecognizing, 30)

	err := svc.Start(fileUUID, "u1")
	assert.ErrorIs(t, err, ErrConflict)
}

// blockingRecognizer держит конвейер на первом этапе, пока тест не
// закроет release.
type blockingRecognizer struct {
	release chan struct{}
}

func (b *blockingRecognizer) Recognize(_ context.Context, _ []byte, _ func(progress int)) (string, error) {
	<-b.release
	return "", nil
}

func TestExtractionService_StartMarksPipelineInFlightImmediately(t *testing.T) {
	recognizer := &blockingRecognizer{release: make(chan struct{})}
	defer close(recognizer.release)

	files := &fakeLifecycle{content: []byte("image bytes")}
	svc := newTestExtraction(files, recognizer, &fakeAnalyzer{record: domain.NewEmptyHealthRecord()})

	fileUUID := uuid.New()
	require.NoError(t, svc.Start(fileUUID, "u1"))

	// Повторный запуск отклоняется сразу, до планирования горутины
	err := svc.Start(fileUUID, "u1")
	assert.ErrorIs(t, err, ErrConflict)

	state, ok := svc.State(fileUUID)
	require.True(t, ok)
	assert.Equal(t, StageRecognizing, state.Stage)
}

func TestExtractionService_StartRequiresOwner(t *testing.T) {
	svc := newTestExtraction(&fakeLifecycle{}, &fakeRecognizer{}, &fakeAnalyzer{})

	err := svc.Start(uuid.New(), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExtractionService_RestartAfterTerminalState(t *testing.T) {
	record := domain.NewEmptyHealthRecord()
	files := &fakeLifecycle{content: []byte("image bytes")}
	svc := newTestExtraction(files, &fakeRecognizer{text: "text"}, &fakeAnalyzer{record: record})

	fileUUID := uuid.New()
	require.NoError(t, svc.Run(context.Background(), fileUUID, "u1"))

	// Завершенный конвейер можно запустить заново
	require.NoError(t, svc.Start(fileUUID, "u1"))

	require.Eventually(t, func() bool {
		state, ok := svc.State(fileUUID)
		return ok && (state.Stage == StageDone || state.Stage == StageFailed)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExtractionService_SnapshotScopedToOwner(t *testing.T) {
	svc := newTestExtraction(&fakeLifecycle{}, &fakeRecognizer{}, &fakeAnalyzer{})

	first := uuid.New()
	second := uuid.New()
	svc.setStage(first, "u1", StageRecognizing, 30)
	svc.setStage(second, "u2", StageAnalyzing, 100)

	states := svc.Snapshot("u1")
	require.Len(t, states, 1)
	assert.Equal(t, first, states[0].FileUUID)

	assert.Empty(t, svc.Snapshot("u3"))
}

func TestExtractionService_StateUnknownFile(t *testing.T) {
	svc := newTestExtraction(&fakeLifecycle{}, &fakeRecognizer{}, &fakeAnalyzer{})

	_, ok := svc.State(uuid.New())
	assert.False(t, ok)
}
