package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsim/migrations"
)

func TestPendingFiles(t *testing.T) {
	files := fstest.MapFS{
		"sql/000002_entries.up.sql":    {Data: []byte("SELECT 2")},
		"sql/000001_accounts.up.sql":   {Data: []byte("SELECT 1")},
		"sql/000001_accounts.down.sql": {Data: []byte("SELECT 0")},
		"sql/README.md":                {Data: []byte("notes")},
	}

	names, err := PendingFiles(files, "sql", map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_accounts.up.sql", "000002_entries.up.sql"}, names)

	names, err = PendingFiles(files, "sql", map[string]bool{"000001": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"000002_entries.up.sql"}, names)
}

func TestPendingFiles_Embedded(t *testing.T) {
	names, err := PendingFiles(migrations.Postgres, "postgres", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_accounts.up.sql", "000002_schedule_entries.up.sql"}, names)
}
