package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/dshills/revgraph-go/store"
	"github.com/dshills/revgraph-go/store/storetest"
)

// TestMySQLConformance runs the conformance suite against a real MySQL
// instance reachable via TEST_MYSQL_DSN (e.g.
// "user:pass@tcp(127.0.0.1:3306)/revgraph_test?parseTime=true"). Skipped
// when that variable is unset, since CI does not provision MySQL by
// default.
func TestMySQLConformance(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	storetest.Suite(t, func(t *testing.T) store.Store {
		s, err := store.NewMySQL(context.Background(), dsn)
		if err != nil {
			t.Fatalf("NewMySQL: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
