package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"healthvault/internal/domain"
	"healthvault/internal/service/llm"
	"healthvault/pkg/logger"
	"healthvault/pkg/metrics"
)

const analyzerSystemPrompt = "You are a medical data extraction assistant. " +
	"Extract structured health information from medical documents accurately and consistently."

// Шаблон запроса: перечисляет шесть категорий и точную форму ответа.
// Текст документа добавляется в конец без изменений.
const analysisPrompt = `
Analyze the following medical document text and extract structured health information.
Focus on identifying:
1. Medical conditions/diagnoses
2. Medications (including dosage if available)
3. Vaccines/immunizations
4. Important dates (appointments, procedures, prescriptions)
5. Allergies
6. Vital signs

Format the response as a JSON object with the following structure:
{
  "conditions": [{ "name": string, "date": string (optional), "details": string (optional), "confidence": number }],
  "medications": [{ "name": string, "date": string (optional), "details": string (optional), "confidence": number }],
  "vaccines": [{ "name": string, "date": string (optional), "details": string (optional), "confidence": number }],
  "dates": [{ "date": string, "context": string, "type": string }],
  "allergies": [{ "name": string, "details": string (optional), "confidence": number }],
  "vitals": [{ "type": string, "value": string, "unit": string, "date": string (optional) }]
}

Confidence must be a number between 0 and 1.
Date type must be one of: appointment, procedure, vaccination, prescription, other.
Vital type must be one of: blood_pressure, heart_rate, temperature, weight, height, bmi.

Text to analyze:
`

// HealthAnalyzer превращает свободный текст документа в HealthRecord
// одним вызовом генеративной модели.
type HealthAnalyzer struct {
	provider llm.Provider
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func NewHealthAnalyzer(provider llm.Provider, log *logger.Logger, m *metrics.Metrics) *HealthAnalyzer {
	return &HealthAnalyzer{
		provider: provider,
		log:      log,
		metrics:  m,
	}
}

// Analyze извлекает структурированные данные из текста. Пустой или
// пробельный текст детерминированно дает запись с пустыми коллекциями,
// модель при этом не вызывается. Любой сбой вызова или разбора дает
// ErrExtraction; повторов нет.
func (a *HealthAnalyzer) Analyze(ctx context.Context, text string) (*domain.HealthRecord, error) {
	if strings.TrimSpace(text) == "" {
		return domain.NewEmptyHealthRecord(), nil
	}

	start := time.Now()
	raw, err := a.provider.GenerateContent(ctx, analyzerSystemPrompt, analysisPrompt+text)
	if a.metrics != nil {
		a.metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		a.observe("error")
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	record, err := domain.DecodeHealthRecord([]byte(stripCodeFence(raw)))
	if err != nil {
		a.observe("invalid_response")
		a.log.Error(err, "model returned unparsable health record", "provider", string(a.provider.ProviderType()))
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	a.observe("ok")
	return record, nil
}

func (a *HealthAnalyzer) observe(status string) {
	if a.metrics != nil {
		a.metrics.AnalysisRuns.WithLabelValues(status).Inc()
	}
}

// stripCodeFence снимает обрамление ```json ... ```, которым модели
// иногда оборачивают ответ.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
