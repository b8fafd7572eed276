package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	// opTimeout ограничивает одиночные запросы репозиториев.
	opTimeout = 5 * time.Second
	// listTimeout ограничивает потоковую выборку заказов целиком.
	listTimeout = 2 * time.Minute
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// poolLimits — настройки пула database/sql.
type poolLimits struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

var defaultPool = poolLimits{
	maxOpen:     25,
	maxIdle:     25,
	maxLifetime: 30 * time.Minute,
	maxIdleTime: 5 * time.Minute,
}

func (p poolLimits) apply(db *sql.DB) {
	db.SetMaxOpenConns(p.maxOpen)
	db.SetMaxIdleConns(p.maxIdle)
	db.SetConnMaxLifetime(p.maxLifetime)
	db.SetConnMaxIdleTime(p.maxIdleTime)
}

// Store владеет пулом подключений к PostgreSQL и отдаёт его репозиториям.
type Store struct {
	db *sql.DB
}

// Open разбирает DSN драйвером pgx, открывает пул и проверяет, что база отвечает.
func Open(ctx context.Context, dsn string) (*Store, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defaultPool.apply(db)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres %s:%d is unreachable: %w", connCfg.Host, connCfg.Port, err)
	}
	return store, nil
}

// DB отдаёт пул для запросов, которых нет в репозиториях.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется readiness-проверкой.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает пул; nil-Store закрывать безопасно.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// collectRows сканирует все строки и закрывает rows.
func collectRows[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// requireRow возвращает notFound, если запрос не затронул ни одной строки.
func requireRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
