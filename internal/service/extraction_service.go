package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"healthvault/internal/domain"
	"healthvault/pkg/logger"
	"healthvault/pkg/metrics"
)

// Stage — этап конвейера извлечения для одного файла.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageRecognizing Stage = "recognizing"
	StageAnalyzing   Stage = "analyzing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// ExtractionState — единая запись состояния вместо набора независимых
// флагов: невозможные комбинации исключены по построению.
type ExtractionState struct {
	FileUUID  uuid.UUID `json:"file_uuid"`
	OwnerID   string    `json:"owner_id"`
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// textRecognizer — контракт сервиса распознавания текста.
type textRecognizer interface {
	Recognize(ctx context.Context, data []byte, report func(progress int)) (string, error)
}

// healthAnalyzer — контракт сервиса структурированного извлечения.
type healthAnalyzer interface {
	Analyze(ctx context.Context, text string) (*domain.HealthRecord, error)
}

// fileLifecycle — часть FileService, нужная конвейеру.
type fileLifecycle interface {
	Download(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.FileDownload, error)
	AttachOCRText(ctx context.Context, fileUUID uuid.UUID, ownerID string, text string) (*domain.FileRecord, error)
	AttachHealthData(ctx context.Context, fileUUID uuid.UUID, ownerID string, data *domain.HealthRecord) (*domain.FileRecord, error)
}

// ExtractionService — явный двухэтапный конвейер: распознавание текста,
// затем структурированное извлечение. Второй этап стартует сразу после
// первого, без участия пользователя.
type ExtractionService struct {
	files      fileLifecycle
	recognizer textRecognizer
	analyzer   healthAnalyzer
	log        *logger.Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	states map[uuid.UUID]*ExtractionState
}

func NewExtractionService(
	files fileLifecycle,
	recognizer textRecognizer,
	analyzer healthAnalyzer,
	log *logger.Logger,
	m *metrics.Metrics,
) *ExtractionService {
	return &ExtractionService{
		files:      files,
		recognizer: recognizer,
		analyzer:   analyzer,
		log:        log,
		metrics:    m,
		states:     make(map[uuid.UUID]*ExtractionState),
	}
}

// Start запускает конвейер для файла в фоне. Повторный запуск при уже
// идущем извлечении отклоняется: одно изображение — один запуск.
func (s *ExtractionService) Start(fileUUID uuid.UUID, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	// Запись помечается выполняющейся под тем же локом, что и проверка:
	// повторный Start отклоняется еще до планирования горутины.
	s.mu.Lock()
	if st, ok := s.states[fileUUID]; ok && (st.Stage == StageRecognizing || st.Stage == StageAnalyzing) {
		s.mu.Unlock()
		return fmt.Errorf("%w: extraction for this file", ErrConflict)
	}
	s.states[fileUUID] = &ExtractionState{
		FileUUID:  fileUUID,
		OwnerID:   ownerID,
		Stage:     StageRecognizing,
		UpdatedAt: time.Now(),
	}
	s.mu.Unlock()

	// Запущенный конвейер не отменяется, поэтому фоновый контекст
	go func() {
		if err := s.Run(context.Background(), fileUUID, ownerID); err != nil {
			s.log.Error(err, "extraction pipeline failed", "file", fileUUID.String())
		}
	}()

	return nil
}

// Run выполняет оба этапа синхронно. Состояние обновляется по ходу,
// терминальное состояние — done либо failed.
func (s *ExtractionService) Run(ctx context.Context, fileUUID uuid.UUID, ownerID string) error {
	s.setStage(fileUUID, ownerID, StageRecognizing, 0)

	download, err := s.files.Download(ctx, fileUUID, ownerID)
	if err != nil {
		s.fail(fileUUID, ownerID, err)
		return err
	}

	text, err := s.recognizer.Recognize(ctx, download.Data, func(progress int) {
		s.setStage(fileUUID, ownerID, StageRecognizing, progress)
	})
	if err != nil {
		s.observeOCR("error")
		wrapped := fmt.Errorf("%w: %v", ErrExtraction, err)
		s.fail(fileUUID, ownerID, wrapped)
		return wrapped
	}
	s.observeOCR("ok")

	if _, err := s.files.AttachOCRText(ctx, fileUUID, ownerID, text); err != nil {
		s.fail(fileUUID, ownerID, err)
		return err
	}

	s.setStage(fileUUID, ownerID, StageAnalyzing, 100)

	record, err := s.analyzer.Analyze(ctx, text)
	if err != nil {
		s.fail(fileUUID, ownerID, err)
		return err
	}

	if _, err := s.files.AttachHealthData(ctx, fileUUID, ownerID, record); err != nil {
		s.fail(fileUUID, ownerID, err)
		return err
	}

	s.setStage(fileUUID, ownerID, StageDone, 100)
	return nil
}

// State возвращает текущее состояние конвейера для файла.
func (s *ExtractionService) State(fileUUID uuid.UUID) (ExtractionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[fileUUID]
	if !ok {
		return ExtractionState{}, false
	}
	return *st, true
}

// Snapshot возвращает состояния всех конвейеров владельца.
func (s *ExtractionService) Snapshot(ownerID string) []ExtractionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ExtractionState
	for _, st := range s.states {
		if st.OwnerID == ownerID {
			out = append(out, *st)
		}
	}
	return out
}

func (s *ExtractionService) setStage(fileUUID uuid.UUID, ownerID string, stage Stage, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[fileUUID] = &ExtractionState{
		FileUUID:  fileUUID,
		OwnerID:   ownerID,
		Stage:     stage,
		Progress:  progress,
		UpdatedAt: time.Now(),
	}
}

func (s *ExtractionService) fail(fileUUID uuid.UUID, ownerID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[fileUUID] = &ExtractionState{
		FileUUID:  fileUUID,
		OwnerID:   ownerID,
		Stage:     StageFailed,
		Error:     err.Error(),
		UpdatedAt: time.Now(),
	}
}

func (s *ExtractionService) observeOCR(status string) {
	if s.metrics != nil {
		s.metrics.OCRRuns.WithLabelValues(status).Inc()
	}
}
