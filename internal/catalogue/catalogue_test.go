package catalogue

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func seedCatalogue(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE inv_info (typeID INTEGER PRIMARY KEY, typeName TEXT, groupID INTEGER, groupName TEXT, categoryID INTEGER, categoryName TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO inv_info VALUES
		(34, 'Tritanium', 18, 'Mineral', 4, 'Material'),
		(587, 'Rifter', 25, 'Frigate', 6, 'Ship')`)
	require.NoError(t, err)
	return db
}

func TestByName_Found(t *testing.T) {
	cat := New(seedCatalogue(t))
	entry, ok, err := cat.ByName(context.Background(), "Tritanium")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 34, entry.TypeID)
	assert.Equal(t, "Material", entry.CategoryName)
}

func TestByName_NotFound(t *testing.T) {
	cat := New(seedCatalogue(t))
	_, ok, err := cat.ByName(context.Background(), "Not A Real Item")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveNames_PartialMatch(t *testing.T) {
	cat := New(seedCatalogue(t))
	resolved, missing, err := cat.ResolveNames(context.Background(), []string{"Tritanium", "Ghost Item", "Rifter"})
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
	assert.Equal(t, []string{"Ghost Item"}, missing)
}

func TestResolveIDs_PartialMatch(t *testing.T) {
	cat := New(seedCatalogue(t))
	resolved, missing, err := cat.ResolveIDs(context.Background(), []int{34, 9999})
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
	assert.Equal(t, []int{9999}, missing)
}
