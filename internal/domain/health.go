package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// HealthRecord — структурированное представление медицинских данных,
// извлеченных из текста документа. Шесть коллекций соответствуют
// вкладкам интерфейса: диагнозы, лекарства, прививки, даты, аллергии,
// показатели.
type HealthRecord struct {
	Conditions  []HealthItem `json:"conditions" validate:"dive"`
	Medications []HealthItem `json:"medications" validate:"dive"`
	Vaccines    []HealthItem `json:"vaccines" validate:"dive"`
	Dates       []DateItem   `json:"dates" validate:"dive"`
	Allergies   []HealthItem `json:"allergies" validate:"dive"`
	Vitals      []VitalItem  `json:"vitals" validate:"dive"`
}

// HealthItem — именованный элемент (диагноз, лекарство, прививка, аллергия).
// Confidence — оценка уверенности модели, обязана лежать в [0, 1].
type HealthItem struct {
	Name       string  `json:"name" validate:"required"`
	Date       string  `json:"date,omitempty"`
	Details    string  `json:"details,omitempty"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// DateItem — значимая дата с контекстом.
type DateItem struct {
	Date    string `json:"date" validate:"required"`
	Context string `json:"context"`
	Type    string `json:"type" validate:"oneof=appointment procedure vaccination prescription other"`
}

// VitalItem — измеренный показатель (давление, пульс и т.д.).
type VitalItem struct {
	Type  string `json:"type" validate:"oneof=blood_pressure heart_rate temperature weight height bmi"`
	Value string `json:"value" validate:"required"`
	Unit  string `json:"unit"`
	Date  string `json:"date,omitempty"`
}

// Допустимые значения DateItem.Type.
var dateTypes = map[string]bool{
	"appointment":  true,
	"procedure":    true,
	"vaccination":  true,
	"prescription": true,
	"other":        true,
}

var healthValidator = validator.New()

// NewEmptyHealthRecord возвращает запись с шестью пустыми коллекциями.
func NewEmptyHealthRecord() *HealthRecord {
	return &HealthRecord{
		Conditions:  []HealthItem{},
		Medications: []HealthItem{},
		Vaccines:    []HealthItem{},
		Dates:       []DateItem{},
		Allergies:   []HealthItem{},
		Vitals:      []VitalItem{},
	}
}

// IsEmpty сообщает, что все шесть коллекций пусты.
func (h *HealthRecord) IsEmpty() bool {
	return len(h.Conditions) == 0 &&
		len(h.Medications) == 0 &&
		len(h.Vaccines) == 0 &&
		len(h.Dates) == 0 &&
		len(h.Allergies) == 0 &&
		len(h.Vitals) == 0
}

// DecodeHealthRecord разбирает ответ модели как HealthRecord со строгой
// проверкой схемы: confidence вне [0, 1] и неизвестные типы показателей
// отклоняются, неизвестные типы дат приводятся к "other". Отсутствующие
// коллекции заменяются пустыми.
func DecodeHealthRecord(data []byte) (*HealthRecord, error) {
	var record HealthRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("invalid health record JSON: %w", err)
	}

	// Неизвестный тип даты не повод отбрасывать весь ответ
	for i := range record.Dates {
		if !dateTypes[record.Dates[i].Type] {
			record.Dates[i].Type = "other"
		}
	}

	record.normalize()

	if err := healthValidator.Struct(&record); err != nil {
		return nil, fmt.Errorf("health record failed schema validation: %w", err)
	}

	return &record, nil
}

// normalize заменяет nil-коллекции пустыми, чтобы сериализация всегда
// отдавала шесть массивов.
func (h *HealthRecord) normalize() {
	if h.Conditions == nil {
		h.Conditions = []HealthItem{}
	}
	if h.Medications == nil {
		h.Medications = []HealthItem{}
	}
	if h.Vaccines == nil {
		h.Vaccines = []HealthItem{}
	}
	if h.Dates == nil {
		h.Dates = []DateItem{}
	}
	if h.Allergies == nil {
		h.Allergies = []HealthItem{}
	}
	if h.Vitals == nil {
		h.Vitals = []VitalItem{}
	}
}

// Value сериализует запись в JSONB для сохранения в БД.
func (h HealthRecord) Value() (driver.Value, error) {
	return json.Marshal(h)
}

// Scan читает запись из JSONB-колонки.
func (h *HealthRecord) Scan(src interface{}) error {
	if src == nil {
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for health record: %T", src)
	}

	return json.Unmarshal(data, h)
}
