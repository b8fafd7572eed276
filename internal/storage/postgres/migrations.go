package postgres

import (
	"cmp"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql/migrations"

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// migration — пара up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// Checksum — sha256 up-скрипта; по нему видно, что применённый файл потом поменяли.
func (m migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.UpSQL))
	return hex.EncodeToString(sum[:])
}

func (m migration) script(direction migrationDirection) string {
	if direction == migrationDown {
		return m.DownSQL
	}
	return m.UpSQL
}

// migrationSet упорядочен по возрастанию версии.
type migrationSet []migration

// pending возвращает неприменённые миграции в порядке применения.
func (set migrationSet) pending(applied map[int64]string) migrationSet {
	var out migrationSet
	for _, m := range set {
		if _, ok := applied[m.Version]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// rollback возвращает применённые миграции от новой к старой.
func (set migrationSet) rollback(applied map[int64]string) (migrationSet, error) {
	versions := make([]int64, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	slices.Reverse(versions)

	out := make(migrationSet, 0, len(versions))
	for _, v := range versions {
		idx, found := slices.BinarySearchFunc(set, v, func(m migration, target int64) int {
			return cmp.Compare(m.Version, target)
		})
		if !found {
			return nil, fmt.Errorf("cannot roll back version %d: no migration file for it", v)
		}
		out = append(out, set[idx])
	}
	return out, nil
}

// drifted перечисляет применённые миграции, чей up-скрипт изменился после применения.
// Пустая контрольная сумма в журнале не проверяется.
func (set migrationSet) drifted(applied map[int64]string) []string {
	var out []string
	for _, m := range set {
		recorded, ok := applied[m.Version]
		if ok && recorded != "" && recorded != m.Checksum() {
			out = append(out, m.String())
		}
	}
	return out
}

// parseMigrationName разбирает имя вида 0003_add_index.up.sql.
func parseMigrationName(base string) (version int64, name string, direction migrationDirection, err error) {
	stem, ok := strings.CutSuffix(base, ".sql")
	if !ok {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	dot := strings.LastIndexByte(stem, '.')
	if dot < 0 {
		return 0, "", "", fmt.Errorf("migration %s has no up/down suffix", base)
	}
	direction = migrationDirection(stem[dot+1:])
	if direction != migrationUp && direction != migrationDown {
		return 0, "", "", fmt.Errorf("migration %s has unknown direction %q", base, direction)
	}

	rawVersion, name, ok := strings.Cut(stem[:dot], "_")
	if !ok || name == "" || strings.ContainsFunc(name, invalidNameRune) {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err = strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", "", fmt.Errorf("invalid migration version in %s", base)
	}
	return version, name, direction, nil
}

func invalidNameRune(r rune) bool {
	return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
}

// loadMigrations читает каталог миграций и проверяет, что у каждой версии есть оба скрипта.
func loadMigrations(fsys fs.FS) (migrationSet, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, direction, err := parseMigrationName(entry.Name())
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m := byVersion[version]
		switch {
		case m == nil:
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		case m.Name != name:
			return nil, fmt.Errorf("version %d is named both %s and %s", version, m.Name, name)
		}

		slot := &m.UpSQL
		if direction == migrationDown {
			slot = &m.DownSQL
		}
		if *slot != "" {
			return nil, fmt.Errorf("duplicate %s script for version %d", direction, version)
		}
		*slot = script
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	set := make(migrationSet, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m)
		}
		set = append(set, *m)
	}
	slices.SortFunc(set, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return set, nil
}
