package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const migrationsTestPrefix = "db:migrations_test"

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("%s - failed to write %s: %v", migrationsTestPrefix, name, err)
		}
	}
}

func TestLoadMigrationFiles_SortedSQLOnly(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"0003_third.sql":  "THIRD",
		"0001_first.sql":  "FIRST",
		"0002_second.sql": "SECOND",
		"README.md":       "# notes",
		"seed.json":       "{}",
	})
	if err := os.Mkdir(filepath.Join(dir, "0004_dir.sql"), 0o755); err != nil {
		t.Fatalf("%s - mkdir: %v", migrationsTestPrefix, err)
	}

	got, err := LoadMigrationFiles(dir)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
	}
	want := []string{"FIRST", "SECOND", "THIRD"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("%s - got %v, want %v", migrationsTestPrefix, got, want)
	}
}

func TestLoadMigrationFiles_EmptyAndMissingDirs(t *testing.T) {
	got, err := LoadMigrationFiles(t.TempDir())
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
	}
	if len(got) != 0 {
		t.Errorf("%s - expected no migrations, got %d", migrationsTestPrefix, len(got))
	}

	if _, err := LoadMigrationFiles(filepath.Join(t.TempDir(), "nonexistent")); err == nil {
		t.Errorf("%s - expected error for a missing directory", migrationsTestPrefix)
	}
}

func TestLoadMigrationFiles_Embedded(t *testing.T) {
	got, err := LoadMigrationFiles("")
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
	}
	if len(got) < 1 {
		t.Fatalf("%s - expected embedded migrations", migrationsTestPrefix)
	}
	if !strings.Contains(got[0], "CREATE TABLE IF NOT EXISTS invocations") {
		t.Errorf("%s - first embedded migration should create the invocations table", migrationsTestPrefix)
	}
}
