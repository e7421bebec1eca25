package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"healthvault/internal/domain"
)

// BlobIntentRepository хранит записи о незавершенных операциях с блобами.
type BlobIntentRepository struct {
	db *sqlx.DB
}

func NewBlobIntentRepository(db *sqlx.DB) *BlobIntentRepository {
	return &BlobIntentRepository{db: db}
}

// Create фиксирует намерение перед операцией с хранилищем.
func (r *BlobIntentRepository) Create(ctx context.Context, intent *domain.BlobIntent) error {
	query := `
        INSERT INTO blob_intents (s3_key, op)
        VALUES ($1, $2)
        RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query, intent.S3Key, intent.Op).
		Scan(&intent.ID, &intent.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create blob intent: %w", err)
	}

	return nil
}

// Delete снимает намерение после успешной пары блоб+метаданные.
func (r *BlobIntentRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM blob_intents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete blob intent: %w", err)
	}
	return nil
}

// ListStale возвращает намерения старше порога. Такие записи означают,
// что операция оборвалась между блобом и метаданными.
func (r *BlobIntentRepository) ListStale(ctx context.Context, olderThan time.Duration) ([]domain.BlobIntent, error) {
	var intents []domain.BlobIntent
	query := `SELECT * FROM blob_intents WHERE created_at < NOW() - $1::interval ORDER BY created_at`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	err := r.db.SelectContext(ctx, &intents, query, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale blob intents: %w", err)
	}

	return intents, nil
}

// HasFileWithKey сообщает, существует ли запись файла с данным URL-ключом.
// Используется сверкой, чтобы не удалить блоб под живой записью.
// Ключ сравнивается буквально: LIKE здесь нельзя, символ "_" в owner id
// работал бы как подстановочный знак.
func (r *BlobIntentRepository) HasFileWithKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM files WHERE right(url, length($1)) = $1)`

	err := r.db.GetContext(ctx, &exists, query, key)
	if err != nil {
		return false, fmt.Errorf("failed to check file existence for key: %w", err)
	}

	return exists, nil
}
