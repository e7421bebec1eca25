package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/h2non/bimg"
	"github.com/otiai10/gosseract/v2"
)

// Этапы прогресса распознавания. Прогресс информационный, на ход
// операции не влияет.
const (
	progressStarted     = 0
	progressNormalized  = 30
	progressRecognizing = 60
	progressDone        = 100
)

// recognizer выполняет собственно распознавание текста на изображении.
type recognizer interface {
	recognize(data []byte) (string, error)
}

// tesseractRecognizer — распознаватель на базе Tesseract.
type tesseractRecognizer struct {
	languages []string
}

func (t *tesseractRecognizer) recognize(data []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if len(t.languages) > 0 {
		if err := client.SetLanguage(t.languages...); err != nil {
			return "", fmt.Errorf("failed to set languages: %w", err)
		}
	}

	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}

	return client.Text()
}

// Service распознает текст на изображениях документов. Один вызов —
// одно распознавание; отмены после старта нет.
type Service struct {
	engine recognizer
}

// NewService создает сервис распознавания. languages — языки Tesseract
// через "+", например "eng+rus".
func NewService(languages string) *Service {
	return &Service{
		engine: &tesseractRecognizer{
			languages: strings.Split(languages, "+"),
		},
	}
}

// Recognize распознает текст на изображении. report (может быть nil)
// получает прогресс 0-100. Пустой результат — не ошибка: на изображении
// просто нет текста.
func (s *Service) Recognize(ctx context.Context, data []byte, report func(progress int)) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("image data is empty")
	}
	if report == nil {
		report = func(int) {}
	}

	report(progressStarted)

	// Tesseract стабильнее работает с PNG, поэтому перекодируем вход.
	// Если вход не декодируется как изображение, отдаем оригинал —
	// распознаватель вернет свою ошибку.
	normalized := data
	if converted, err := bimg.NewImage(data).Convert(bimg.PNG); err == nil {
		normalized = converted
	}
	report(progressNormalized)

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("recognition aborted: %w", err)
	}

	report(progressRecognizing)
	text, err := s.engine.recognize(normalized)
	if err != nil {
		return "", fmt.Errorf("text recognition failed: %w", err)
	}

	report(progressDone)
	return text, nil
}
