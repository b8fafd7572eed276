package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// schemaLockID — ключ pg_advisory_lock, общий для всех экземпляров сервиса и CLI migrate.
const schemaLockID int64 = 0x53544f52

var migrationJournalDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
}

// ErrMigrationDrift — применённый up-скрипт отличается от встроенного в бинарник.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

// MigrationState описывает состояние схемы.
type MigrationState struct {
	Version int64
	Applied int
	Pending []string
	// Drifted — применённые миграции, чей файл изменился после применения.
	Drifted []string
}

// MigrateUp применяет up-миграции; steps=0 применяет все доступные.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withSchemaLock(ctx, func(conn *sql.Conn, set migrationSet, applied map[int64]string) error {
		if drifted := set.drifted(applied); len(drifted) > 0 {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, strings.Join(drifted, ", "))
		}
		return runMigrations(ctx, conn, limitSteps(set.pending(applied), steps), migrationUp)
	})
}

// MigrateDown откатывает миграции; steps<=0 означает один шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withSchemaLock(ctx, func(conn *sql.Conn, set migrationSet, applied map[int64]string) error {
		plan, err := set.rollback(applied)
		if err != nil {
			return err
		}
		return runMigrations(ctx, conn, limitSteps(plan, steps), migrationDown)
	})
}

// MigrationState возвращает версию схемы, список ещё не применённых и изменённых миграций.
func (s *Store) MigrationState(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	set, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	applied, err := readJournal(queryCtx, s.db)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(applied), Drifted: set.drifted(applied)}
	for v := range applied {
		state.Version = max(state.Version, v)
	}
	for _, m := range set.pending(applied) {
		state.Pending = append(state.Pending, m.String())
	}
	return state, nil
}

// withSchemaLock держит advisory lock на выделенном соединении, пока выполняется fn.
func (s *Store) withSchemaLock(ctx context.Context, fn func(*sql.Conn, migrationSet, map[int64]string) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	set, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, schemaLockID)
	}()

	applied, err := readJournal(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, set, applied)
}

func limitSteps(plan migrationSet, steps int) migrationSet {
	if steps > 0 && len(plan) > steps {
		return plan[:steps]
	}
	return plan
}

func runMigrations(ctx context.Context, conn *sql.Conn, plan migrationSet, direction migrationDirection) error {
	for _, m := range plan {
		if err := runMigration(ctx, conn, m, direction); err != nil {
			return err
		}
	}
	return nil
}

// runMigration выполняет скрипт и правку журнала в одной транзакции.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, direction migrationDirection) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.script(direction)); err != nil {
		return fmt.Errorf("run %s %s: %w", direction, m, err)
	}

	if direction == migrationUp {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.Checksum())
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("journal %s %s: %w", direction, m, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m, err)
	}
	return nil
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// readJournal создаёт журнал при необходимости и возвращает version -> checksum.
func readJournal(ctx context.Context, db execQueryer) (map[int64]string, error) {
	for _, ddl := range migrationJournalDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("ensure migration journal: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query migration journal: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan migration journal: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration journal: %w", err)
	}
	return applied, nil
}
