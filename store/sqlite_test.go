package store_test

import (
	"path/filepath"
	"testing"

	"github.com/dshills/revgraph-go/store"
	"github.com/dshills/revgraph-go/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	storetest.Suite(t, func(t *testing.T) store.Store {
		dbPath := filepath.Join(t.TempDir(), "revgraph-test.db")
		s, err := store.NewSQLite(dbPath)
		if err != nil {
			t.Fatalf("NewSQLite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
