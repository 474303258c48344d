package gormstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/internal/storage/storagetest"
)

// Conformance runs against a live PostgreSQL only; point TEST_POSTGRES_URL
// at a scratch database to enable it.
func openStore(t *testing.T) storage.Storage {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	table := fmt.Sprintf("measurements_test_%d", time.Now().UnixNano())
	store, err := Open(dsn, table, nil)
	if err != nil {
		t.Fatalf("open gorm store: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.DeleteAll(context.Background())
		store.Close()
	})
	return store
}

func TestGORMConformance(t *testing.T) {
	storagetest.Run(t, openStore)
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open("", "measurements", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestGetRejectsNonNumericID(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "not-a-number"); err != storage.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
