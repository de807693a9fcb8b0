package reliability

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestJob_RunSkipsWhenBackupDisabled(t *testing.T) {
	health := NewHealthMonitor(zerolog.Nop())
	job := NewJob(health, nil, nil, t.TempDir(), zerolog.Nop())
	assert.Equal(t, "store_backup", job.Name())
	require.NoError(t, job.Run())
}

func TestJob_RunContextSkipsSnapshotsWhenBackupDisabled(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", dir+"/market.db")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE watchlist (type_id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	health := NewHealthMonitor(zerolog.Nop())
	stores := []StoreHandle{{Alias: "wcmkt_test", Engine: db}}

	job := NewJob(health, nil, stores, dir, zerolog.Nop())
	require.NoError(t, job.RunContext(context.Background()), "nil backup service still returns nil without touching stores")
}
