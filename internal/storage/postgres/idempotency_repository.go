package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

const idempotencyColumns = `key, request_hash, status, response_status, response_content_type, response_body, expires_at, created_at, updated_at`

// idempotencyRepository хранит ключи идемпотентности HTTP-команд.
type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

// Reserve вставляет запись или перезаписывает истёкшую одним запросом,
// поэтому два конкурентных запроса не могут занять один ключ.
func (r *idempotencyRepository) Reserve(ctx context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
	if record.Key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if record.RequestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (`+idempotencyColumns+`)
		VALUES ($1, $2, $3, 0, '', NULL, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    status = EXCLUDED.status,
		    response_status = 0,
		    response_content_type = '',
		    response_body = NULL,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
	`, record.Key, record.RequestHash, string(record.Status), record.ExpiresAt, record.CreatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 1 {
		return record.Clone(), nil
	}

	existing, err := r.Get(ctx, record.Key)
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			// ключ удалили между вставкой и чтением; клиент может повторить запрос
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyInProgress
		}
		return domain.IdempotencyRecord{}, err
	}
	return existing, existing.CheckReuse(record.RequestHash)
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key)
	record, err := scanIdempotencyRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	return record, nil
}

func (r *idempotencyRepository) Complete(ctx context.Context, key string, resp domain.StoredResponse) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2,
		    response_status = $3,
		    response_content_type = $4,
		    response_body = $5,
		    updated_at = $6
		WHERE key = $1
	`, key, string(resp.Outcome()), resp.Status, resp.ContentType, resp.Body, time.Now().UTC().Truncate(domain.TimeResolution))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired удаляет до limit истёкших ключей, начиная с самых старых; limit <= 0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `DELETE FROM idempotency_keys WHERE expires_at <= $1`
	args := []any{before}
	if limit > 0 {
		query = `
			DELETE FROM idempotency_keys
			WHERE key IN (
				SELECT key FROM idempotency_keys
				WHERE expires_at <= $1
				ORDER BY expires_at
				LIMIT $2
			)`
		args = append(args, limit)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

func scanIdempotencyRecord(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		record domain.IdempotencyRecord
		status string
	)
	err := row.Scan(
		&record.Key,
		&record.RequestHash,
		&status,
		&record.Response.Status,
		&record.Response.ContentType,
		&record.Response.Body,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("unknown idempotency status %q", status)
	}
	record.ExpiresAt = record.ExpiresAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
