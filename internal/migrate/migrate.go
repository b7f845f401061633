// Package migrate applies the embedded SQL schema to the shared store
// database, tracking applied versions in a schema_migrations table.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Napageneral/reviewqueue/internal/store"
)

//go:embed sql/store/*.sql
var storeMigrations embed.FS

// Migrate runs all store database migrations against dbPath, creating the
// file if it does not already exist.
func Migrate(dbPath string) error {
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return runMigrations(db, storeMigrations, "sql/store")
}

func runMigrations(db *sql.DB, fs embed.FS, migrationDir string) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("failed to read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		if err := executeMigration(db, fs, path.Join(migrationDir, filename), filename); err != nil {
			return fmt.Errorf("migration %s failed: %w", filename, err)
		}
	}

	return nil
}

func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_ts INTEGER NOT NULL
		)
	`)
	return err
}

func executeMigration(db *sql.DB, fs embed.FS, filePath, filename string) error {
	var exists bool
	err := db.QueryRow("SELECT 1 FROM schema_migrations WHERE version = ?", filename).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	content, err := fs.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_ts) VALUES (?, ?)",
		filename,
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
