package service

import "errors"

// Ошибки уровня сервисов. Хендлеры сопоставляют их с HTTP-статусами,
// все остальное уходит как 500 с фиксированным сообщением.
var (
	ErrValidation  = errors.New("missing required input")
	ErrNotFound    = errors.New("file not found")
	ErrConflict    = errors.New("already in progress")
	ErrExtraction  = errors.New("extraction failed")
	ErrStorage     = errors.New("storage operation failed")
	ErrPersistence = errors.New("database operation failed")
)
