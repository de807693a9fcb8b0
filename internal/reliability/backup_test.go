package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/wcmkt/market-sync/internal/config"
)

func TestNewBackupService_DisabledWithoutCredentials(t *testing.T) {
	svc, err := NewBackupService(context.Background(), config.BackupConfig{}, t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, svc, "absent credentials must disable the job, not error")
}

func TestSnapshotDB_ProducesReadableConsistentCopy(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.db")
	db, err := sql.Open("sqlite", srcPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (name) VALUES ('a'), ('b')")
	require.NoError(t, err)

	destPath := filepath.Join(dir, "snapshot.db")
	require.NoError(t, snapshotDB(context.Background(), db, destPath))

	snap, err := sql.Open("sqlite", destPath)
	require.NoError(t, err)
	defer snap.Close()

	var count int
	require.NoError(t, snap.QueryRow("SELECT count(*) FROM t").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestBackupService_ChecksumManifestAndArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "wcmkt_test.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("fake sqlite bytes"), 0o644))

	b := &BackupService{dataDir: dir, log: zerolog.Nop()}
	fm, err := b.checksum(sourceFile{Name: "wcmkt_test.db", Path: dbPath})
	require.NoError(t, err)
	assert.Equal(t, "wcmkt_test.db", fm.Name)
	assert.NotEmpty(t, fm.Checksum)
	assert.Equal(t, int64(len("fake sqlite bytes")), fm.SizeBytes)

	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, b.writeManifest(manifestPath, archiveMetadata{Files: []fileMetadata{fm}}))

	archivePath := filepath.Join(dir, "out.tar.gz")
	require.NoError(t, b.writeArchive(archivePath, []sourceFile{{Name: "wcmkt_test.db", Path: dbPath}}, manifestPath))

	names := readArchiveEntryNames(t, archivePath)
	assert.ElementsMatch(t, []string{"wcmkt_test.db", "manifest.json"}, names)
}

func readArchiveEntryNames(t *testing.T, archivePath string) []string {
	t.Helper()
	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}
