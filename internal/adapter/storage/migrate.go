package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rl1809/escrow-market/internal/adapter/storage/migrations"
)

const migrationTable = "schema_migrations"

// Migrate applies the embedded schema for the dialect, each file at most once.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name VARCHAR(255) PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrations.FS, dialect.Name)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		if err := applyMigration(ctx, db, dialect, file); err != nil {
			return fmt.Errorf("migration %s: %w", file, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, dialect Dialect, file string) error {
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+migrationTable+` WHERE name = ?`, file,
	).Scan(&count); err != nil {
		return fmt.Errorf("check applied: %w", err)
	}
	if count > 0 {
		return nil
	}

	content, err := fs.ReadFile(migrations.FS, path.Join(dialect.Name, file))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	// MySQL DDL commits implicitly, so statements run one by one rather than
	// in a transaction. Every statement is idempotent.
	for _, stmt := range splitStatements(string(content)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
		file, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record applied: %w", err)
	}
	return nil
}

func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	return line
}
