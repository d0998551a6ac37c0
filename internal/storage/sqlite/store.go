// Package sqlite provides the SQLite-backed licensing store.
//
// The store is constructed explicitly with Open and injected into the
// services that need it; nothing in this package holds process-wide state.
// The one concurrency-sensitive write, AdmitMachine, is expressed as a single
// conditional UPDATE so two requests racing for the last seat on a license can
// never both be admitted.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apierrors "keyserve/internal/errors"
	"keyserve/internal/license"
	"keyserve/internal/storage/sqlite/migrations"
	"keyserve/pkg/contracts/domain"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const migrationTable = "schema_migrations"

// Store persists licensing state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the licensing store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite applies pragmas via repeated _pragma parameters;
	// the mattn-style _journal_mode form is silently ignored by this driver.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Writers in the same process contend on the database lock faster than
	// busy_timeout can arbitrate; a single connection serializes them instead
	// of surfacing SQLITE_BUSY to callers.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping verifies the underlying database handle is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// InsertProduct inserts one product record.
func (s *Store) InsertProduct(ctx context.Context, p domain.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("product id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("product name is required")
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO products (id, name, description, plan, price, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Name,
		p.Description,
		p.Plan,
		p.Price,
		p.Status,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// GetProduct loads one product by id. Returns ErrProductNotFound when absent.
func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, description, plan, price, status, created_at
		 FROM products WHERE id = ?`,
		id,
	)
	var p domain.Product
	var createdAt int64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Plan, &p.Price, &p.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// ListProducts returns all product records in insertion order.
func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, name, description, plan, price, status, created_at
		 FROM products ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Plan, &p.Price, &p.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.CreatedAt = fromMillis(createdAt)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// InsertLicense inserts one license record. A duplicate key surfaces as
// ErrKeyConflict so the issuer can redraw.
func (s *Store) InsertLicense(ctx context.Context, lic license.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(lic.ID) == "" {
		return fmt.Errorf("license id is required")
	}
	if !license.ValidKeyFormat(lic.Key) {
		return fmt.Errorf("insert license %s: %w", lic.ID, apierrors.ErrInvalidKeyFormat)
	}

	activations, err := json.Marshal(lic.Activations)
	if err != nil {
		return fmt.Errorf("encode activations: %w", err)
	}
	var expiresAt interface{}
	if lic.ExpiresAt != nil {
		expiresAt = toMillis(*lic.ExpiresAt)
	}
	createdAt := lic.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO licenses (id, product_id, key, assigned_to, status, max_activations, activations, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.ID,
		lic.ProductID,
		lic.Key,
		lic.AssignedTo,
		string(lic.Status),
		lic.MaxActivations,
		string(activations),
		expiresAt,
		toMillis(createdAt),
	)
	if err != nil {
		if isKeyUniqueViolation(err) {
			return fmt.Errorf("insert license: %w", apierrors.ErrKeyConflict)
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// GetLicenseByKey loads one license by its key. Returns ErrLicenseNotFound
// when absent.
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*license.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, product_id, key, assigned_to, status, max_activations, activations, expires_at, created_at
		 FROM licenses WHERE key = ?`,
		key,
	)
	lic, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

// ListLicenses returns license records, optionally filtered by product id,
// in insertion order.
func (s *Store) ListLicenses(ctx context.Context, productID string) ([]license.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `SELECT id, product_id, key, assigned_to, status, max_activations, activations, expires_at, created_at
		 FROM licenses`
	args := []interface{}{}
	if productID != "" {
		query += ` WHERE product_id = ?`
		args = append(args, productID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	licenses := make([]license.License, 0)
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, *lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return licenses, nil
}

// AdmitMachine appends machineID to the license's activation list and marks
// the license active, in one conditional UPDATE. The write applies only when
// the license is in an activatable state, the machine does not already hold a
// seat, and a seat is free. It reports whether the write applied; when it did
// not, the caller re-reads the record to classify the rejection.
func (s *Store) AdmitMachine(ctx context.Context, key, machineID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(machineID) == "" {
		return false, fmt.Errorf("machine id is required")
	}

	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE licenses
		 SET activations = json_insert(activations, '$[#]', ?),
		     status = 'active'
		 WHERE key = ?
		   AND status IN ('unused', 'active')
		   AND json_array_length(activations) < max_activations
		   AND NOT EXISTS (
		       SELECT 1 FROM json_each(licenses.activations)
		       WHERE json_each.value = ?
		   )`,
		machineID,
		key,
		machineID,
	)
	if err != nil {
		return false, fmt.Errorf("admit machine: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("admit machine: %w", err)
	}
	return affected == 1, nil
}

// UpdateStatus overwrites the stored status of a license. The admission path
// never calls this; it exists for external suspend/expire tooling.
func (s *Store) UpdateStatus(ctx context.Context, id string, status license.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if !status.Valid() {
		return fmt.Errorf("unknown license status %q", status)
	}

	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE licenses SET status = ? WHERE id = ?`,
		string(status),
		id,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if affected == 0 {
		return apierrors.ErrLicenseNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var lic license.License
	var status string
	var activations string
	var expiresAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(
		&lic.ID,
		&lic.ProductID,
		&lic.Key,
		&lic.AssignedTo,
		&status,
		&lic.MaxActivations,
		&activations,
		&expiresAt,
		&createdAt,
	); err != nil {
		return nil, err
	}
	lic.Status = license.Status(status)
	if err := json.Unmarshal([]byte(activations), &lic.Activations); err != nil {
		return nil, fmt.Errorf("decode activations: %w", err)
	}
	if lic.Activations == nil {
		lic.Activations = []string{}
	}
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		lic.ExpiresAt = &t
	}
	lic.CreatedAt = fromMillis(createdAt)
	return &lic, nil
}

func isKeyUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "licenses.key")
}

// applyMigrations executes embedded migrations at most once per file.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range sqlFiles {
		var found int
		err := sqlDB.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
