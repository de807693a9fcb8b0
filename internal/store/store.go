// Package store wraps one embedded SQLite database file with an optional
// remote libSQL replica, in the style of the teacher's internal/database
// package (connection pool tuning, PRAGMA profiles) composed with the
// embedded-replica sync contract used by the Python reference
// implementation's dbhandler.sync_db (local file + sync_url + auth_token +
// conn.sync()).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	libsql "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite" // pure-Go driver, used when no remote replica is configured

	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/schema"
)

// Config describes one database alias's file + optional replica.
type Config struct {
	Alias     string
	Path      string // local on-disk file
	RemoteURL string // empty disables replication; local-only modernc.org/sqlite is used instead
	AuthToken string
	SchemaFor schema.Store
}

// Store is a replicated SQLite database: a local connection pool, and,
// when configured, a libsql embedded-replica connector kept in sync with
// a remote primary.
type Store struct {
	alias     string
	path      string
	remoteURL string
	authToken string
	schemaFor schema.Store
	db        *sql.DB
	connector *libsql.Connector // nil when running local-only
	log       zerolog.Logger
}

// dbInfoSidecar mirrors the JSON shape the go-libsql embedded-replica
// connector maintains alongside the local file at "<path>-info":
// generation and durable_frame_num track how far the local replica has
// caught up with the remote primary.
type dbInfoSidecar struct {
	Generation      int64 `json:"generation"`
	DurableFrameNum int64 `json:"durable_frame_num"`
}

// Open creates the local connection pool, applies PRAGMAs, runs an initial
// sync if a remote replica is configured, and migrates the schema.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.DataError(fmt.Sprintf("create data dir for %s", cfg.Alias), err)
	}

	s := &Store{
		alias:     cfg.Alias,
		path:      cfg.Path,
		remoteURL: cfg.RemoteURL,
		authToken: cfg.AuthToken,
		schemaFor: cfg.SchemaFor,
		log:       log.With().Str("store", cfg.Alias).Logger(),
	}

	if cfg.RemoteURL != "" {
		connector, err := libsql.NewEmbeddedReplicaConnector(
			cfg.Path, cfg.RemoteURL,
			libsql.WithAuthToken(cfg.AuthToken),
			libsql.WithSyncInterval(0), // sync only on explicit Sync() calls
		)
		if err != nil {
			return nil, errs.DataError(fmt.Sprintf("open embedded replica for %s", cfg.Alias), err)
		}
		s.connector = connector
		s.db = sql.OpenDB(connector)
	} else {
		connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		db, err := sql.Open("sqlite", connStr)
		if err != nil {
			return nil, errs.DataError(fmt.Sprintf("open local sqlite for %s", cfg.Alias), err)
		}
		s.db = db
	}

	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(2)
	s.db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return nil, errs.DataError(fmt.Sprintf("ping %s", cfg.Alias), err)
	}

	if cfg.RemoteURL != "" {
		if err := s.Sync(ctx); err != nil {
			return nil, err
		}
	}

	// An empty SchemaFor means this alias ships its schema out-of-band
	// (the static data export, read-only and pre-built) rather than
	// through this module's migrations.
	if cfg.SchemaFor != "" {
		if err := schema.Migrate(ctx, s.db, cfg.SchemaFor); err != nil {
			return nil, errs.DataError(fmt.Sprintf("migrate %s", cfg.Alias), err)
		}
	}

	return s, nil
}

// Engine returns the local connection pool. All reads during derivation,
// and all writes during ingest, go through this pool.
func (s *Store) Engine() *sql.DB { return s.db }

// Alias returns the alias this store was opened with.
func (s *Store) Alias() string { return s.alias }

// Path returns the local on-disk file backing this store.
func (s *Store) Path() string { return s.path }

// Close releases the underlying connection pool and connector.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.connector != nil {
		if cerr := s.connector.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Sync brings the local file up to the remote replica's latest committed
// state. A local-only store (no connector) is a no-op: it already is the
// sole copy. The sidecar's generation/durable_frame_num counters are read
// before and after, and the frames synced and generation delta logged, the
// way the teacher logs connection-pool state transitions.
func (s *Store) Sync(ctx context.Context) error {
	if s.connector == nil {
		return nil
	}

	var before, after dbInfoSidecar
	if data, err := os.ReadFile(s.sidecarPath()); err == nil {
		_ = json.Unmarshal(data, &before)
	}
	start := time.Now()
	s.log.Info().
		Int64("generation", before.Generation).
		Int64("durable_frame_num", before.DurableFrameNum).
		Msg("database sync started")

	if err := s.connector.Sync(); err != nil {
		return errs.DataError(fmt.Sprintf("sync %s", s.alias), err)
	}

	if data, err := os.ReadFile(s.sidecarPath()); err == nil {
		_ = json.Unmarshal(data, &after)
	}
	s.log.Info().
		Dur("elapsed", time.Since(start)).
		Int64("frames_synced", after.DurableFrameNum-before.DurableFrameNum).
		Int64("generation_delta", after.Generation-before.Generation).
		Msg("database synced")
	return nil
}

// ValidateSync compares max(watermarkColumn) of table between the local
// replica and a freshly-synced view of the remote, returning whether they
// agree. There is no default column: the cycle's sync gate, the validate
// command and /readyz all pass market_orders.order_id; marketstats.last_update
// is not checked. A local-only store always agrees. Used as a gate before a derivation
// stage runs against data that must be known-fresh.
func (s *Store) ValidateSync(ctx context.Context, table, watermarkColumn string) (bool, error) {
	localMax, err := s.watermark(ctx, table, watermarkColumn)
	if err != nil {
		return false, err
	}

	if s.connector == nil {
		return true, nil // nothing to diverge from
	}

	if err := s.Sync(ctx); err != nil {
		return false, err
	}

	remoteMax, err := s.watermark(ctx, table, watermarkColumn)
	if err != nil {
		return false, err
	}

	match := localMax == remoteMax
	s.log.Info().
		Str("table", table).
		Str("local_watermark", localMax).
		Str("remote_watermark", remoteMax).
		Bool("match", match).
		Msg("validate_sync")
	return match, nil
}

func (s *Store) watermark(ctx context.Context, table, column string) (string, error) {
	var v sql.NullString
	q := fmt.Sprintf("SELECT max(%s) FROM %s", column, table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return "", errs.DataError(fmt.Sprintf("read watermark %s.%s", table, column), err)
	}
	return v.String, nil
}

// VerifyExists checks that the data file and, for a replicated store, its
// libsql "<path>-info" sidecar both exist and are mutually consistent
// (readable JSON with non-negative generation/durable_frame_num), and that
// every table schema expects is present. On any inconsistency it nukes the
// data file, its sidecar, and any WAL/SHM siblings, then reopens the store
// (triggering a fresh sync for a replicated alias, a clean migration for a
// local-only one) — partial local state is worse than a slow cold start.
func (s *Store) VerifyExists(ctx context.Context, tables []string) (bool, error) {
	consistent, err := s.verifyArtifacts(ctx, tables)
	if err != nil {
		return false, err
	}
	if consistent {
		return true, nil
	}

	s.log.Warn().Msg("db artifacts missing or inconsistent, nuking and resyncing")
	if err := s.nukeAndResync(ctx); err != nil {
		return false, err
	}
	return s.verifyArtifacts(ctx, tables)
}

func (s *Store) verifyArtifacts(ctx context.Context, tables []string) (bool, error) {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.DataError("stat db file", err)
	}

	if s.connector != nil {
		ok, err := s.verifySidecar()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	for _, table := range tables {
		var name string
		err := s.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, errs.DataError("verify_db_exists", err)
		}
	}
	return true, nil
}

// sidecarPath is the libsql embedded-replica connector's metadata file,
// maintained alongside the local db file it describes.
func (s *Store) sidecarPath() string { return s.path + "-info" }

func (s *Store) verifySidecar() (bool, error) {
	data, err := os.ReadFile(s.sidecarPath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.DataError("read sidecar", err)
	}
	var info dbInfoSidecar
	if err := json.Unmarshal(data, &info); err != nil {
		return false, nil // corrupt sidecar: inconsistent, not fatal
	}
	if info.Generation < 0 || info.DurableFrameNum < 0 {
		return false, nil
	}
	return true, nil
}

// nukeAndResync closes the current connection/connector, removes the data
// file, its sidecar, and any WAL/SHM siblings, then reopens this alias from
// scratch in place.
func (s *Store) nukeAndResync(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return errs.DataError("close before nuke", err)
	}

	for _, p := range []string{s.path, s.sidecarPath(), s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.DataError(fmt.Sprintf("remove %s", p), err)
		}
	}

	reopened, err := Open(ctx, Config{
		Alias:     s.alias,
		Path:      s.path,
		RemoteURL: s.remoteURL,
		AuthToken: s.authToken,
		SchemaFor: s.schemaFor,
	}, s.log)
	if err != nil {
		return err
	}
	*s = *reopened
	return nil
}

// TableList returns every user table name present in the database.
func (s *Store) TableList(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, errs.DataError("table_list", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.DataError("table_list scan", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TableColumns returns the column names of table in declaration order.
func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, errs.DataError("table_columns", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, errs.DataError("table_columns scan", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// RowCount returns the current row count of table.
func (s *Store) RowCount(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, errs.DataError("row_count", err)
	}
	return n, nil
}
