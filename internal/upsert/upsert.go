// Package upsert is the single write path for raw and derived tables: a
// transactional, chunked bulk write with a row-count invariant check before
// commit.
//
// Chunk-size arithmetic and the wipe-then-insert-then-verify transaction
// shape are grounded directly on the Python reference implementation's
// dbhandler.update_remote_database (SQLite's ~32,768 bound-parameter
// ceiling, divided by column count, capped at 2000 rows per statement).
package upsert

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/schema"
)

// maxParameters is SQLite's bound-parameter ceiling budget this engine
// targets; chosen conservatively rather than against SQLITE_MAX_VARIABLE_NUMBER
// directly, matching the reference implementation's 256KB/8-bytes-per-param
// derivation.
const maxParameters = 32768

// maxRowsPerChunk is the hard ceiling on rows per statement regardless of
// how few columns a table has.
const maxRowsPerChunk = 2000

// Row is one record to write, keyed by column name. Every row passed to
// Upsert for a given table must carry exactly the columns schema.Columns
// returns for that table.
type Row map[string]any

// Engine executes chunked, transactional upserts against one *sql.DB.
type Engine struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates an Engine bound to db.
func New(db *sql.DB, log zerolog.Logger) *Engine {
	return &Engine{db: db, log: log.With().Str("component", "upsert").Logger()}
}

// Upsert writes rows to table under one transaction. Wipe-and-replace
// tables (schema.IsWipeAndReplace) are deleted in full before insertion.
// Conditionally-upserted tables instead use INSERT ... ON CONFLICT(pk) DO
// UPDATE, so unrelated existing rows are left untouched. Before commit, the
// resulting row count is checked inside the transaction against the
// invariant appropriate to the table's strategy; a violation rolls back.
func (e *Engine) Upsert(ctx context.Context, table string, rows []Row) (int, error) {
	cols := schema.Columns(table)
	if cols == nil {
		return 0, errs.UpsertError(fmt.Sprintf("unknown table %q", table), nil)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	chunkSize := chunkSize(len(cols))
	wipe := schema.IsWipeAndReplace(table)
	pk, hasPK := schema.PrimaryKey(table)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.UpsertError("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if wipe {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return 0, errs.UpsertError(fmt.Sprintf("wipe %s", table), err)
		}
	}

	stmtSQL := insertSQL(table, cols, chunkSize, wipe, pk, hasPK)
	lastChunkSQL := ""
	var lastChunkStmt *sql.Stmt

	chunks := 0
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		chunks++

		sqlText := stmtSQL
		if len(chunk) != chunkSize {
			sqlText = insertSQL(table, cols, len(chunk), wipe, pk, hasPK)
		}

		var stmt *sql.Stmt
		if sqlText == lastChunkSQL && lastChunkStmt != nil {
			stmt = lastChunkStmt
		} else {
			if lastChunkStmt != nil {
				lastChunkStmt.Close()
			}
			stmt, err = tx.PrepareContext(ctx, sqlText)
			if err != nil {
				return 0, errs.UpsertError(fmt.Sprintf("prepare chunk insert for %s", table), err)
			}
			lastChunkSQL, lastChunkStmt = sqlText, stmt
		}

		args := flatten(chunk, cols)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, errs.UpsertError(fmt.Sprintf("insert chunk %d into %s", chunks, table), err)
		}
		e.log.Debug().Str("table", table).Int("chunk", chunks).Int("rows", len(chunk)).Msg("chunk written")
	}
	if lastChunkStmt != nil {
		lastChunkStmt.Close()
	}

	var count int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, errs.UpsertError(fmt.Sprintf("row count for %s", table), err)
	}

	if wipe && count != len(rows) {
		return 0, errs.UpsertError(
			fmt.Sprintf("row count mismatch for %s: expected %d, got %d", table, len(rows), count), nil)
	}
	if !wipe && count < len(rows) {
		return 0, errs.UpsertError(
			fmt.Sprintf("row count too low for %s: wrote %d rows, table has %d", table, len(rows), count), nil)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.UpsertError(fmt.Sprintf("commit %s", table), err)
	}

	e.log.Info().Str("table", table).Int("rows", len(rows)).Int("chunks", chunks).Msg("upsert committed")
	return count, nil
}

// chunkSize implements min(2000, 32768/column_count).
func chunkSize(columnCount int) int {
	if columnCount == 0 {
		return maxRowsPerChunk
	}
	n := maxParameters / columnCount
	if n > maxRowsPerChunk {
		n = maxRowsPerChunk
	}
	if n < 1 {
		n = 1
	}
	return n
}

func insertSQL(table string, cols []string, rowCount int, wipe bool, pk string, hasPK bool) string {
	placeholderGroup := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	groups := make([]string, rowCount)
	for i := range groups {
		groups[i] = placeholderGroup
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES %s", table, strings.Join(cols, ", "), strings.Join(groups, ", "))

	if !wipe && hasPK {
		updates := make([]string, 0, len(cols)-1)
		for _, c := range cols {
			if c == pk {
				continue
			}
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		fmt.Fprintf(&b, " ON CONFLICT(%s) DO UPDATE SET %s", pk, strings.Join(updates, ", "))
	}
	return b.String()
}

func flatten(rows []Row, cols []string) []any {
	args := make([]any, 0, len(rows)*len(cols))
	for _, row := range rows {
		for _, c := range cols {
			args = append(args, row[c])
		}
	}
	return args
}
