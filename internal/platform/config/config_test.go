package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFileIgnoresMissingFile(t *testing.T) {
	dir := t.TempDir()
	originalWD, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(originalWD) })
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	t.Setenv("MDM_ENV", "testing")
	if env := LoadEnvFile(); env != Testing {
		t.Fatalf("expected environment %q, got %q", Testing, env)
	}
}

func TestLoadEnvFileLoadsVariables(t *testing.T) {
	dir := t.TempDir()
	originalWD, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(originalWD) })
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	if err := os.Mkdir("config", 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	envFile := filepath.Join("config", "development.env")
	if err := os.WriteFile(envFile, []byte("DB_HOST=env-file-host\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("MDM_ENV", "")
	os.Unsetenv("DB_HOST")

	if env := LoadEnvFile(); env != Development {
		t.Fatalf("expected default environment %q, got %q", Development, env)
	}
	if got := GetEnv("DB_HOST", ""); got != "env-file-host" {
		t.Fatalf("expected DB_HOST loaded from config/development.env, got %q", got)
	}
}

func TestGetEnvIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("PROJECTION_REBUILD_BATCH_SIZE", "not-a-number")
	if got := GetEnvInt("PROJECTION_REBUILD_BATCH_SIZE", 500); got != 500 {
		t.Fatalf("expected fallback 500, got %d", got)
	}
}

func TestGetEnvBoolAcceptsYesNoVariants(t *testing.T) {
	t.Setenv("FEATURE_FLAG", "yes")
	if !GetEnvBool("FEATURE_FLAG", false) {
		t.Fatal("expected yes to parse as true")
	}
	t.Setenv("FEATURE_FLAG", "n")
	if GetEnvBool("FEATURE_FLAG", true) {
		t.Fatal("expected n to parse as false")
	}
}

func TestDatabaseConfigDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, Name: "mdm", User: "u", Password: "p"}
	want := "host=db port=5432 dbname=mdm user=u password=p sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("DSN mismatch: got %q want %q", got, want)
	}
}
