// Package watchlist implements Watchlist Maintenance: idempotently adding
// catalogue-resolved type_ids to the market store's watchlist table from
// operator commands, never during a cycle.
package watchlist

import (
	"context"
	"database/sql"

	"github.com/wcmkt/market-sync/internal/catalogue"
	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/upsert"
)

// Target selects which replica a maintenance command writes through; both
// resolve to the same upsert.Engine bound to the market store's local
// connection, the remote replica being brought up to date on the next sync.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// Result reports what AddToWatchlist did.
type Result struct {
	Added   []int
	Missing []int // ids with no catalogue entry; skipped, never written
}

// Maintainer adds catalogue-resolved ids to the market store's watchlist.
type Maintainer struct {
	db  *sql.DB
	cat *catalogue.Catalogue
	eng *upsert.Engine
}

// New creates a Maintainer bound to the market store's connection and the
// sde catalogue used to resolve ids.
func New(db *sql.DB, cat *catalogue.Catalogue, eng *upsert.Engine) *Maintainer {
	return &Maintainer{db: db, cat: cat, eng: eng}
}

// AddToWatchlist resolves ids against the catalogue, skips ids already
// present in watchlist, and inserts the rest. Re-running with the same
// (or overlapping) id set is a no-op for ids already present.
func (m *Maintainer) AddToWatchlist(ctx context.Context, ids []int, target Target) (Result, error) {
	existing, err := m.existingIDs(ctx)
	if err != nil {
		return Result{}, err
	}

	var toResolve []int
	for _, id := range ids {
		if !existing[id] {
			toResolve = append(toResolve, id)
		}
	}

	resolved, missing, err := m.cat.ResolveIDs(ctx, toResolve)
	if err != nil {
		return Result{}, err
	}

	rows := make([]upsert.Row, 0, len(resolved))
	added := make([]int, 0, len(resolved))
	for _, id := range toResolve {
		entry, ok := resolved[id]
		if !ok {
			continue
		}
		rows = append(rows, upsert.Row{
			"type_id": entry.TypeID, "type_name": entry.TypeName,
			"group_id": entry.GroupID, "group_name": entry.GroupName,
			"category_id": entry.CategoryID, "category_name": entry.CategoryName,
		})
		added = append(added, id)
	}

	if len(rows) > 0 {
		if _, err := m.eng.Upsert(ctx, schema.Watchlist, rows); err != nil {
			return Result{}, err
		}
	}

	return Result{Added: added, Missing: missing}, nil
}

func (m *Maintainer) existingIDs(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT type_id FROM watchlist")
	if err != nil {
		return nil, errs.DataError("load existing watchlist ids", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, errs.DataError("scan watchlist id", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
