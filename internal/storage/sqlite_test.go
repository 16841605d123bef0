package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	backend, err := NewSQLiteBackend(SQLiteConfig{Path: filepath.Join(t.TempDir(), "vigil.db")})
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	if err := backend.Write(ctx, "models/cpu.usage/lof", []byte("blob-1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := backend.Read(ctx, "models/cpu.usage/lof")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "blob-1" {
		t.Fatalf("Read returned %q, want blob-1", got)
	}

	// INSERT OR REPLACE semantics.
	if err := backend.Write(ctx, "models/cpu.usage/lof", []byte("blob-2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = backend.Read(ctx, "models/cpu.usage/lof")
	if err != nil {
		t.Fatalf("Read after overwrite: %v", err)
	}
	if string(got) != "blob-2" {
		t.Fatalf("Read returned %q after overwrite, want blob-2", got)
	}
}

func TestSQLiteBackendMissingKey(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	_, err := backend.Read(ctx, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read missing key returned %v, want ErrNotFound", err)
	}

	exists, err := backend.Exists(ctx, "nope")
	if err != nil || exists {
		t.Fatalf("Exists(nope) = %v, %v; want false, nil", exists, err)
	}

	if err := backend.Delete(ctx, "nope"); err != nil {
		t.Fatalf("Delete of missing key errored: %v", err)
	}
}

func TestSQLiteBackendListOrdersKeys(t *testing.T) {
	backend := newTestSQLite(t)
	ctx := context.Background()

	for _, key := range []string{"batches/b", "batches/a", "models/x/iso"} {
		if err := backend.Write(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Write(%q): %v", key, err)
		}
	}

	keys, err := backend.List(ctx, "batches/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "batches/a" || keys[1] != "batches/b" {
		t.Fatalf("List returned %v, want [batches/a batches/b]", keys)
	}
}

func TestSQLiteBackendClosedErrors(t *testing.T) {
	backend := newTestSQLite(t)
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := backend.Write(context.Background(), "k", []byte("v")); err == nil {
		t.Fatal("Write on closed backend succeeded")
	}
}
