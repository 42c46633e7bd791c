// Package migrate applies ordered, versioned migrations to the truth
// store: a registry-tracked, checksum-verified, lockable migrator that
// uses golang-migrate's Postgres driver for its advisory lock and drives
// statement execution itself.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"

	svcerrors "github.com/R3E-Network/swap-relayer/infrastructure/errors"
)

// rollbackMarker separates a migration file's up and down sections.
const rollbackMarker = "-- ROLLBACK --"

var (
	versionHeader     = regexp.MustCompile(`^-- Version:\s*(\d+)\s*$`)
	nameHeader        = regexp.MustCompile(`^-- Migration:\s*(.+)$`)
	descriptionHeader = regexp.MustCompile(`^-- Description:\s*(.*)$`)
	commentLine       = regexp.MustCompile(`^-- .+$`)
	fileNamePattern   = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)
)

// File is one parsed migration file.
type File struct {
	Version     int64
	Name        string
	Description string
	Up          string
	Down        string
	Checksum    string
	Path        string
}

// LoadDir parses every `{version}_{snake_name}.sql` file in dir, per the
// migration file contract: header comments declare version/name/description,
// the up and down sections are separated by the exact ROLLBACK marker, and
// comment lines are stripped from each section before hashing or execution.
func LoadDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: read dir %s: %w", dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if !fileNamePattern.MatchString(entry.Name()) {
			continue
		}
		f, err := parseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

func parseFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("migrate: read %s: %w", path, err)
	}

	lines := strings.Split(string(raw), "\n")
	markerIdx := -1
	var version int64
	var name, description string

	for i, line := range lines {
		if strings.TrimRight(line, "\r") == rollbackMarker {
			markerIdx = i
			break
		}
		if m := versionHeader.FindStringSubmatch(line); m != nil {
			version, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if m := nameHeader.FindStringSubmatch(line); m != nil {
			name = strings.TrimSpace(m[1])
		}
		if m := descriptionHeader.FindStringSubmatch(line); m != nil {
			description = strings.TrimSpace(m[1])
		}
	}
	if markerIdx < 0 {
		return File{}, fmt.Errorf("migrate: %s missing rollback marker %q", path, rollbackMarker)
	}

	up := stripComments(lines[:markerIdx])
	down := stripComments(lines[markerIdx+1:])

	sum := sha256.Sum256([]byte(up + down))
	return File{
		Version:     version,
		Name:        name,
		Description: description,
		Up:          up,
		Down:        down,
		Checksum:    hex.EncodeToString(sum[:]),
		Path:        path,
	}, nil
}

func stripComments(lines []string) string {
	var kept []string
	for _, line := range lines {
		if commentLine.MatchString(strings.TrimRight(line, "\r")) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// AppliedMigration is one row of the schema_migrations registry.
type AppliedMigration struct {
	Version         int64     `db:"version"`
	Name            string    `db:"name"`
	Description     string    `db:"description"`
	Checksum        string    `db:"checksum"`
	AppliedAt       time.Time `db:"applied_at"`
	ExecutionTimeMs int64     `db:"execution_time_ms"`
	AppliedBy       string    `db:"applied_by"`
}

// Issue describes one integrity problem found by CheckIntegrity.
type Issue struct {
	Kind    string `json:"kind"` // "checksum_mismatch" | "gap"
	Version int64  `json:"version"`
	Detail  string `json:"detail"`
}

// IntegrityReport is the result of CheckIntegrity.
type IntegrityReport struct {
	Healthy        bool    `json:"healthy"`
	CurrentVersion int64   `json:"current_version"`
	Issues         []Issue `json:"issues"`
}

// staleLockAfter is the age at which a held lock is considered abandoned
// and force-released once.
const staleLockAfter = 10 * time.Minute

// Migrator applies and rolls back migrations against the truth store,
// tracking applied versions in schema_migrations and serializing concurrent
// migrators through migration_lock plus golang-migrate's Postgres advisory
// lock as a second guard against a split-brain deploy.
type Migrator struct {
	db         *sqlx.DB
	dir        string
	appliedBy  string
	dbDriver   database.Driver
}

// New creates a Migrator reading migration files from dir and applying them
// through db, identifying itself as appliedBy in the registry.
func New(db *sqlx.DB, dir, appliedBy string) (*Migrator, error) {
	dbDriver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, svcerrors.StoreUnavailable("migrate_driver_init", err)
	}
	return &Migrator{db: db, dir: dir, appliedBy: appliedBy, dbDriver: dbDriver}, nil
}

// Initialize creates the schema_migrations and migration_lock registry
// tables if they do not already exist. Idempotent.
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL,
	execution_time_ms BIGINT NOT NULL,
	applied_by TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS migration_lock (
	id INT PRIMARY KEY DEFAULT 1,
	locked BOOLEAN NOT NULL DEFAULT FALSE,
	locked_at TIMESTAMPTZ,
	locked_by TEXT,
	process_id TEXT,
	CHECK (id = 1)
);
INSERT INTO migration_lock (id, locked) VALUES (1, FALSE) ON CONFLICT (id) DO NOTHING;
`)
	if err != nil {
		return svcerrors.StoreUnavailable("migrate_initialize", err)
	}
	return nil
}

func (m *Migrator) acquireLock(ctx context.Context, processID string) error {
	now := time.Now().UTC()
	res, err := m.db.ExecContext(ctx, `
UPDATE migration_lock
SET locked = TRUE, locked_at = $1, locked_by = $2, process_id = $3
WHERE id = 1 AND (locked = FALSE OR locked_at < $4)`,
		now, m.appliedBy, processID, now.Add(-staleLockAfter))
	if err != nil {
		return svcerrors.StoreUnavailable("migrate_lock", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return svcerrors.InternalInvariant("migration_lock held by another process")
	}
	if err := m.dbDriver.Lock(); err != nil {
		_ = m.releaseLock(ctx)
		return svcerrors.StoreUnavailable("migrate_advisory_lock", err)
	}
	return nil
}

func (m *Migrator) releaseLock(ctx context.Context) error {
	_ = m.dbDriver.Unlock()
	_, err := m.db.ExecContext(ctx,
		`UPDATE migration_lock SET locked = FALSE, locked_at = NULL, locked_by = NULL, process_id = NULL WHERE id = 1`)
	return err
}

// Migrate acquires the lock, loads files, computes pending = files \
// applied, applies each in order inside its own transaction, records a
// registry row per migration, then releases the lock.
func (m *Migrator) Migrate(ctx context.Context, processID string) error {
	if err := m.acquireLock(ctx, processID); err != nil {
		return err
	}
	defer m.releaseLock(ctx)

	files, err := LoadDir(m.dir)
	if err != nil {
		return err
	}

	var applied []AppliedMigration
	if err := m.db.SelectContext(ctx, &applied, `SELECT * FROM schema_migrations ORDER BY version`); err != nil {
		return svcerrors.StoreUnavailable("migrate_load_registry", err)
	}
	appliedVersions := make(map[int64]AppliedMigration, len(applied))
	for _, a := range applied {
		appliedVersions[a.Version] = a
	}

	for _, f := range files {
		if existing, ok := appliedVersions[f.Version]; ok {
			if existing.Checksum != f.Checksum {
				return svcerrors.StoreSchemaMismatch(
					fmt.Sprintf("version %d checksum mismatch: file=%s applied=%s", f.Version, f.Checksum, existing.Checksum))
			}
			continue
		}
		if err := m.applyOne(ctx, f, processID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) applyOne(ctx context.Context, f File, processID string) error {
	start := time.Now()
	sqlTx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return svcerrors.StoreUnavailable("migrate_begin", err)
	}

	if _, err := sqlTx.ExecContext(ctx, f.Up); err != nil {
		_ = sqlTx.Rollback()
		return svcerrors.StoreSchemaMismatch(fmt.Sprintf("migration %d (%s) failed: %v", f.Version, f.Name, err))
	}

	elapsed := time.Since(start)
	row := AppliedMigration{
		Version:         f.Version,
		Name:            f.Name,
		Description:     f.Description,
		Checksum:        f.Checksum,
		AppliedAt:       time.Now().UTC(),
		ExecutionTimeMs: elapsed.Milliseconds(),
		AppliedBy:       processID,
	}
	_, err = sqlTx.NamedExecContext(ctx, `
INSERT INTO schema_migrations (version, name, description, checksum, applied_at, execution_time_ms, applied_by)
VALUES (:version, :name, :description, :checksum, :applied_at, :execution_time_ms, :applied_by)`, row)
	if err != nil {
		_ = sqlTx.Rollback()
		return svcerrors.StoreUnavailable("migrate_record", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return svcerrors.StoreUnavailable("migrate_commit", err)
	}
	return nil
}

// Rollback applies each recorded migration's down section in descending
// order down to (but not including) targetVersion, deleting its registry
// row in the same transaction.
func (m *Migrator) Rollback(ctx context.Context, targetVersion int64, processID string) error {
	if err := m.acquireLock(ctx, processID); err != nil {
		return err
	}
	defer m.releaseLock(ctx)

	files, err := LoadDir(m.dir)
	if err != nil {
		return err
	}
	byVersion := make(map[int64]File, len(files))
	for _, f := range files {
		byVersion[f.Version] = f
	}

	var applied []AppliedMigration
	if err := m.db.SelectContext(ctx, &applied, `SELECT * FROM schema_migrations WHERE version > $1 ORDER BY version DESC`, targetVersion); err != nil {
		return svcerrors.StoreUnavailable("migrate_load_registry", err)
	}

	for _, a := range applied {
		f, ok := byVersion[a.Version]
		if !ok {
			return svcerrors.StoreSchemaMismatch(fmt.Sprintf("no migration file for applied version %d", a.Version))
		}
		sqlTx, err := m.db.BeginTxx(ctx, nil)
		if err != nil {
			return svcerrors.StoreUnavailable("migrate_begin", err)
		}
		if _, err := sqlTx.ExecContext(ctx, f.Down); err != nil {
			_ = sqlTx.Rollback()
			return svcerrors.StoreSchemaMismatch(fmt.Sprintf("rollback %d (%s) failed: %v", f.Version, f.Name, err))
		}
		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, a.Version); err != nil {
			_ = sqlTx.Rollback()
			return svcerrors.StoreUnavailable("migrate_deregister", err)
		}
		if err := sqlTx.Commit(); err != nil {
			return svcerrors.StoreUnavailable("migrate_commit", err)
		}
	}
	return nil
}

// CheckIntegrity reports checksum mismatches between recorded and on-disk
// migrations, and gaps in the applied-version sequence below the max.
func (m *Migrator) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	files, err := LoadDir(m.dir)
	if err != nil {
		return IntegrityReport{}, err
	}
	byVersion := make(map[int64]File, len(files))
	for _, f := range files {
		byVersion[f.Version] = f
	}

	var applied []AppliedMigration
	if err := m.db.SelectContext(ctx, &applied, `SELECT * FROM schema_migrations ORDER BY version`); err != nil {
		return IntegrityReport{}, svcerrors.StoreUnavailable("migrate_load_registry", err)
	}

	report := IntegrityReport{Healthy: true}
	var maxVersion int64
	seen := make(map[int64]bool, len(applied))
	for _, a := range applied {
		seen[a.Version] = true
		if a.Version > maxVersion {
			maxVersion = a.Version
		}
		if f, ok := byVersion[a.Version]; ok && f.Checksum != a.Checksum {
			report.Issues = append(report.Issues, Issue{
				Kind: "checksum_mismatch", Version: a.Version,
				Detail: fmt.Sprintf("file checksum %s != applied checksum %s", f.Checksum, a.Checksum),
			})
		}
	}
	for _, f := range files {
		if f.Version < maxVersion && !seen[f.Version] {
			report.Issues = append(report.Issues, Issue{
				Kind: "gap", Version: f.Version, Detail: "version below max was never applied",
			})
		}
	}
	report.CurrentVersion = maxVersion
	report.Healthy = len(report.Issues) == 0
	return report, nil
}

// Generate emits a new migration file template with a fresh timestamp
// version, in the fixed header/marker format LoadDir expects.
func Generate(dir, name, description string) (string, error) {
	version := time.Now().UTC().UnixNano() / int64(time.Millisecond)
	snake := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	fileName := fmt.Sprintf("%d_%s.sql", version, snake)
	path := filepath.Join(dir, fileName)

	content := fmt.Sprintf(`-- Version: %d
-- Migration: %s
-- Description: %s

-- TODO: write the up statements here

%s

-- TODO: write the down statements here
`, version, name, description, rollbackMarker)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("migrate: write %s: %w", path, err)
	}
	return path, nil
}
