package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/errs"
)

// StoreHandle is the subset of store.Store the backup job needs: a handle
// to snapshot, its alias for naming, and its engine for VACUUM INTO.
type StoreHandle struct {
	Alias  string
	Engine *sql.DB
}

// Job runs the health-gated backup: VACUUM INTO a consistent snapshot of
// each store (the same atomic-copy technique as the teacher's
// backupDatabase), then archive and upload. It satisfies the scheduler.Job
// contract (Run() error, Name() string) and runs on its own hourly
// schedule. Nothing orders it relative to the cycle job, so a backup can
// run while a cycle is writing; each snapshot is still consistent.
type Job struct {
	health  *HealthMonitor
	backup  *BackupService // nil disables the job entirely
	stores  []StoreHandle
	dataDir string
	log     zerolog.Logger
}

// NewJob builds a Job. backup may be nil (config.BackupConfig.Enabled()
// was false); Run then logs and returns nil rather than an error.
func NewJob(health *HealthMonitor, backup *BackupService, stores []StoreHandle, dataDir string, log zerolog.Logger) *Job {
	return &Job{health: health, backup: backup, stores: stores, dataDir: dataDir, log: log.With().Str("component", "backup_job").Logger()}
}

// Name identifies this job to the Scheduler.
func (j *Job) Name() string { return "store_backup" }

// Run performs one backup pass. A disabled backup service, or a failed
// health-eligibility check, is logged and skipped — never escalated as a
// cycle failure, since backups are best-effort.
func (j *Job) Run() error {
	return j.RunContext(context.Background())
}

// RunContext is Run with an explicit context, for callers (the CLI, tests)
// that already have one scoped to the calling operation.
func (j *Job) RunContext(ctx context.Context) error {
	if j.backup == nil {
		j.log.Debug().Msg("backup disabled, no credentials configured")
		return nil
	}

	if ok, err := j.health.CheckBackupEligible(j.dataDir); !ok {
		j.log.Error().Err(err).Msg("skipping backup, host not eligible")
		return nil
	}

	stagingDir := filepath.Join(j.dataDir, "backup-snapshots")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return errs.DataError("create backup snapshot dir", err)
	}
	defer removeAll(stagingDir, j.log)

	var sources []sourceFile
	for _, store := range j.stores {
		snapPath := filepath.Join(stagingDir, store.Alias+".db")
		if err := snapshotDB(ctx, store.Engine, snapPath); err != nil {
			return err
		}
		sources = append(sources, sourceFile{Name: store.Alias + ".db", Path: snapPath})
	}

	return j.backup.CreateAndUpload(ctx, sources)
}

// snapshotDB takes a consistent point-in-time copy of db via SQLite's
// VACUUM INTO, the same technique the teacher's backupDatabase uses: it
// produces a compact, WAL-free file safe to read without racing an open
// write transaction.
func snapshotDB(ctx context.Context, db *sql.DB, destPath string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return errs.DataError(fmt.Sprintf("snapshot %s", destPath), err)
	}
	return nil
}

func removeAll(dir string, log zerolog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to clean up backup staging dir")
	}
}
