package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
}

func TestLoadMigrations_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_late.sql":   {Data: []byte("SELECT 10;")},
		"migrations/002_second.sql": {Data: []byte("SELECT 2;")},
		"migrations/README.md":      {Data: []byte("ignored")},
	}
	ms, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, []int{2, 10}, []int{ms[0].Version, ms[1].Version})
	assert.Equal(t, "late", ms[1].Name)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"unnumbered": {"migrations/init.sql": {Data: []byte("SELECT 1;")}},
		"zero":       {"migrations/000_init.sql": {Data: []byte("SELECT 1;")}},
		"duplicate": {
			"migrations/001_a.sql": {Data: []byte("SELECT 1;")},
			"migrations/1_b.sql":   {Data: []byte("SELECT 1;")},
		},
		"missing dir": {},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrations(fsys)
			assert.Error(t, err)
		})
	}
}

func TestSplitStatements(t *testing.T) {
	script := `
-- header comment; with a semicolon
CREATE TABLE a (id TEXT); -- trailing
-- only a comment;

CREATE INDEX i ON a(id);
`
	got := splitStatements(script)
	require.Len(t, got, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", got[0])
	assert.Equal(t, "CREATE INDEX i ON a(id)", got[1])
}

func TestSplitStatements_EmbeddedSchema(t *testing.T) {
	ms, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	for _, stmt := range splitStatements(ms[0].SQL) {
		assert.Regexp(t, `^CREATE (TABLE|INDEX) IF NOT EXISTS`, stmt)
	}
}
