package pgxaudit

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationFiles returns migration file names embedded in the package.
func MigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// CopyMigrations writes embedded migration files into dstDir.
// It fails if any target file already exists.
func CopyMigrations(dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	files, err := MigrationFiles()
	if err != nil {
		return err
	}

	for _, name := range files {
		target := filepath.Join(dstDir, name)
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("migration already exists: %s", target)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking existing migration %s: %w", target, err)
		}

		content, err := fs.ReadFile(embeddedMigrations, path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("reading embedded migration %s: %w", name, err)
		}

		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("writing migration %s: %w", target, err)
		}
	}

	return nil
}

// Migrate applies the embedded migrations that have not run yet, each in
// its own transaction, recording them in audit.schema_migrations.
func Migrate(ctx context.Context, db DB) ([]string, error) {
	if _, err := db.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS audit`); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	if _, err := db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS audit.schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	); err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}

	files, err := MigrationFiles()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range files {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM audit.schema_migrations WHERE name = $1)`, name,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		content, err := fs.ReadFile(embeddedMigrations, path.Join("migrations", name))
		if err != nil {
			return applied, fmt.Errorf("reading embedded migration %s: %w", name, err)
		}

		if err := applyMigration(ctx, db, name, string(content)); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}

	return applied, nil
}

func applyMigration(ctx context.Context, db DB, name, sql string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("applying migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO audit.schema_migrations (name) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migration %s: %w", name, err)
	}
	return nil
}
