package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/internal/storage/storagetest"
)

func openStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "reqprof_test.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteConformance(t *testing.T) {
	storagetest.Run(t, openStore)
}

func TestOpenIsIdempotent(t *testing.T) {
	file := filepath.Join(t.TempDir(), "reqprof_test.db")
	first, err := Open(file, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first.Close()

	// Re-opening the same file must not fail re-applying migrations.
	second, err := Open(file, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	if err := second.Ping(context.Background()); err != nil {
		t.Fatalf("ping after reopen: %v", err)
	}
}

func TestGetRejectsNonNumericID(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "not-a-number"); err != storage.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
