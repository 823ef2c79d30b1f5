package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLite is the Index implementation backed by a local SQLite database.
// The file_id primary key provides the atomic check-then-insert the
// collision discipline relies on.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the index database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Exists(ctx context.Context, fileID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM file_index WHERE file_id = ?)", fileID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: check file id: %v", ErrUnavailable, err)
	}
	return exists, nil
}

func (s *SQLite) Insert(ctx context.Context, e Entry) error {
	var crc any
	if e.HasCRC32 {
		crc = int64(e.CRC32)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_index (
			file_id, group_name, store_path_index, file_path, source_path,
			file_size, crc32, create_time, modify_time, imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.FileID, e.GroupName, e.StorePathIndex, e.FilePath, e.SourcePath,
		e.FileSize, crc, e.CreateTime.Unix(), e.ModifyTime.Unix(),
		e.ImportedAt.Unix(),
	)
	if err != nil {
		// Only a key collision counts as a duplicate; other constraint
		// violations are store failures.
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, e.FileID)
		}
		return fmt.Errorf("%w: insert %s: %v", ErrUnavailable, e.FileID, err)
	}
	return nil
}

func (s *SQLite) Lookup(ctx context.Context, fileID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, group_name, store_path_index, file_path, source_path,
		       file_size, crc32, create_time, modify_time, imported_at
		FROM file_index WHERE file_id = ?`, fileID)
	return scanEntry(row)
}

func (s *SQLite) FindBySource(ctx context.Context, sourcePath string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, group_name, store_path_index, file_path, source_path,
		       file_size, crc32, create_time, modify_time, imported_at
		FROM file_index WHERE source_path = ?
		ORDER BY imported_at DESC LIMIT 1`, sourcePath)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e                            Entry
		crc                          sql.NullInt64
		createUnix, modUnix, impUnix int64
	)
	err := row.Scan(&e.FileID, &e.GroupName, &e.StorePathIndex, &e.FilePath,
		&e.SourcePath, &e.FileSize, &crc, &createUnix, &modUnix, &impUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan entry: %v", ErrUnavailable, err)
	}
	if crc.Valid {
		e.CRC32 = uint32(crc.Int64)
		e.HasCRC32 = true
	}
	e.CreateTime = time.Unix(createUnix, 0)
	e.ModifyTime = time.Unix(modUnix, 0)
	e.ImportedAt = time.Unix(impUnix, 0)
	return &e, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
