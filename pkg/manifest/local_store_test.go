package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func setupLocalStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dir
}

func TestLocalStore_Read(t *testing.T) {
	store, dir := setupLocalStore(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "values.yaml"), []byte("replicas: 2\n"), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	content, err := store.Read(ctx, "values.yaml")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if content != "replicas: 2\n" {
		t.Errorf("Expected content, got %q", content)
	}
	if store.Cached() != 1 {
		t.Errorf("Expected 1 cached file, got %d", store.Cached())
	}

	if _, err := store.Read(ctx, "missing.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLocalStore_RejectsEscape(t *testing.T) {
	store, _ := setupLocalStore(t)

	if _, err := store.Read(context.Background(), "../etc/passwd"); err == nil {
		t.Error("Expected error for path outside root")
	}
}

func TestLocalStore_InvalidatesOnChange(t *testing.T) {
	store, dir := setupLocalStore(t)
	ctx := context.Background()
	path := filepath.Join(dir, "values.yaml")

	if err := os.WriteFile(path, []byte("v: 1\n"), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := store.Read(ctx, "values.yaml"); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("v: 2\n"), 0o600); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		content, err := store.Read(ctx, "values.yaml")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if content == "v: 2\n" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Expected cached content to be invalidated after change")
}
