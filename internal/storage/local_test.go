package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLocalStorage_PutGet(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	objectPath := "snapshots/2024-01-01.ndjson.sz"
	content := []byte("hello world")

	if err := storage.Put(ctx, objectPath, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := storage.Get(ctx, objectPath)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	// Overwrite
	if err := storage.Put(ctx, objectPath, []byte("v2")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	got, _ = storage.Get(ctx, objectPath)
	if string(got) != "v2" {
		t.Errorf("expected overwritten content, got %q", got)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_GetNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	_, err = storage.Get(context.Background(), "nonexistent/object")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_DeleteNonExistent(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	// Delete should be idempotent
	if err := storage.Delete(context.Background(), "nonexistent/object"); err != nil {
		t.Errorf("Delete of non-existent object should not fail: %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	base := t.TempDir()
	storage, err := NewLocalStorage(base)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, p := range []string{"snapshots/b", "snapshots/a", "other/c"} {
		if err := storage.Put(ctx, p, []byte(p)); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}
	// Leftover temp files are not objects
	if err := os.WriteFile(filepath.Join(base, "snapshots", ".put-123"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := storage.ListObjects(ctx, "snapshots")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"snapshots/a", "snapshots/b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListObjects = %v, want %v", got, want)
	}

	got, err = storage.ListObjects(ctx, "missing")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no objects, got %v", got)
	}
}

func TestLocalStorage_ContextCancellation(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := storage.Put(ctx, "x", []byte("x")); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := storage.Get(ctx, "x"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBatchGetter(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	paths := []string{"a", "b", "c", "d", "e"}
	for _, p := range paths[:4] {
		if err := storage.Put(ctx, p, []byte("data-"+p)); err != nil {
			t.Fatal(err)
		}
	}

	result, err := NewBatchGetter(storage, 2).Get(ctx, paths)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(result.Objects) != 4 {
		t.Errorf("expected 4 objects, got %d", len(result.Objects))
	}
	if string(result.Objects["c"]) != "data-c" {
		t.Errorf("unexpected content for c: %q", result.Objects["c"])
	}
	if !errors.Is(result.Errors["e"], ErrObjectNotFound) {
		t.Errorf("expected not found for e, got %v", result.Errors["e"])
	}
}
