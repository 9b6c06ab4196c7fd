// Package testing provides test helpers shared by the riskdesk packages.
package testing

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/aristath/riskdesk/internal/database"
	"github.com/stretchr/testify/require"
)

// NewTestDB opens a migrated SQLite database in a temp dir. name selects the
// embedded schema (history, cache, portfolio, client_data); other names get an
// empty database. The returned cleanup closes it and may be called more than once.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// A file rather than :memory: so every pooled connection shares one database
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err, "open test database %s", name)

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		require.NoError(t, err, "migrate test database %s", name)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := db.Close(); err != nil {
				t.Logf("closing test database %s: %v", name, err)
			}
		})
	}
	t.Cleanup(cleanup)
	return db, cleanup
}
