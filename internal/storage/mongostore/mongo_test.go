package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/internal/storage/storagetest"
)

// Conformance runs against a live cluster only; point TEST_MONGO_URL at
// a scratch deployment to enable it.
func openStore(t *testing.T) storage.Storage {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URL")
	if uri == "" {
		t.Skip("TEST_MONGO_URL not set")
	}
	collection := fmt.Sprintf("measurements_test_%d", time.Now().UnixNano())
	store, err := Open(uri, "reqprof_test", collection, nil)
	if err != nil {
		t.Fatalf("open mongo store: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.DeleteAll(context.Background())
		store.Close()
	})
	return store
}

func TestMongoConformance(t *testing.T) {
	storagetest.Run(t, openStore)
}

func TestOpenRejectsEmptyURI(t *testing.T) {
	if _, err := Open("", "reqprof", "measurements", nil); err == nil {
		t.Fatal("expected error for empty uri")
	}
}

func TestGetRejectsMalformedID(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "not-an-object-id"); err != storage.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
