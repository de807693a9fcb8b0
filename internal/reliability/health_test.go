package reliability

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_SnapshotReadsCurrentHost(t *testing.T) {
	h := NewHealthMonitor(zerolog.Nop())
	stats, err := h.Snapshot(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, stats.DiskFreeGB, 0.0)
	assert.GreaterOrEqual(t, stats.MemUsedPct, 0.0)
}

func TestHealthMonitor_CheckBackupEligibleOnHealthyHost(t *testing.T) {
	h := NewHealthMonitor(zerolog.Nop())
	ok, err := h.CheckBackupEligible(t.TempDir())
	require.NoError(t, err)
	assert.True(t, ok, "a CI/dev host should have more than the 0.5GB floor free")
}
