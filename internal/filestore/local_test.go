package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return store
}

func TestLocalWriteAndRead(t *testing.T) {
	store := newTestLocal(t)
	ctx := context.Background()

	w, err := store.Write(ctx, "a/b/obj.txt")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "hello")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := store.Read(ctx, "a/b/obj.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestLocalReadNotExist(t *testing.T) {
	store := newTestLocal(t)
	_, err := store.Read(context.Background(), "missing")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	store := newTestLocal(t)
	ctx := context.Background()
	if err := store.Delete(ctx, "ghost"); err != nil {
		t.Fatalf("delete of missing file should be nil, got %v", err)
	}

	w, _ := store.Write(ctx, "tmp")
	io.WriteString(w, "x")
	w.Close()

	if err := store.Delete(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}
	ok, err := store.Exists(ctx, "tmp")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected file to be gone after delete")
	}
}

func TestLocalExists(t *testing.T) {
	store := newTestLocal(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false for missing file")
	}

	w, _ := store.Write(ctx, "present")
	io.WriteString(w, "data")
	w.Close()

	ok, err = store.Exists(ctx, "present")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true for existing file")
	}
}

func TestLocalWriteTruncates(t *testing.T) {
	store := newTestLocal(t)
	ctx := context.Background()

	w, _ := store.Write(ctx, "f")
	io.WriteString(w, "long content here")
	w.Close()

	w, _ = store.Write(ctx, "f")
	io.WriteString(w, "short")
	w.Close()

	r, _ := store.Read(ctx, "f")
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "short" {
		t.Fatalf("got %q, want short", got)
	}
}

func TestLocalWriteCreatesParentDirs(t *testing.T) {
	store := newTestLocal(t)
	ctx := context.Background()

	w, err := store.Write(ctx, "deep/nested/dir/file.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "x")
	w.Close()

	if _, err := os.Stat(filepath.Join(store.root, "deep", "nested", "dir", "file.bin")); err != nil {
		t.Fatalf("expected file to exist on disk: %v", err)
	}
}
