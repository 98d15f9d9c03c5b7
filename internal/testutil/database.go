package testutil

import (
	"testing"

	"cbak-go/internal/cbak"
	"cbak-go/internal/database"
)

// NewTestIndex creates an in-memory SQLite index with migrations applied.
// The index is closed when the test completes.
func NewTestIndex(t *testing.T, clock cbak.Clock, idgen cbak.IDGenerator) *database.SQLiteIndex {
	t.Helper()

	idx, err := database.NewSQLiteIndex(":memory:", clock, idgen)
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() {
		idx.Close()
	})
	return idx
}
