// Package catalogue is a read-only lookup over the static item catalogue
// ("SDE") store: resolving a type_id or type name to its full
// {type, group, category} triple. Grounded on the Python reference
// implementation's inv_info view
// (SELECT typeID, typeName, groupID, groupName, categoryID, categoryName
// FROM inv_info).
package catalogue

import (
	"context"
	"database/sql"

	"github.com/wcmkt/market-sync/internal/errs"
)

// Entry is one resolved catalogue row.
type Entry struct {
	TypeID       int
	TypeName     string
	GroupID      int
	GroupName    string
	CategoryID   int
	CategoryName string
}

// Catalogue reads the read-only sde store.
type Catalogue struct {
	db *sql.DB
}

// New binds a Catalogue to the sde store's connection pool.
func New(db *sql.DB) *Catalogue {
	return &Catalogue{db: db}
}

// ByID resolves type_id to its catalogue entry.
func (c *Catalogue) ByID(ctx context.Context, typeID int) (Entry, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT typeID, typeName, groupID, groupName, categoryID, categoryName
		FROM inv_info WHERE typeID = ?`, typeID)
	return scanEntry(row)
}

// ByName resolves an exact type name to its catalogue entry. EFT fit text
// and CSV watchlist imports both key components by name, not id.
func (c *Catalogue) ByName(ctx context.Context, name string) (Entry, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT typeID, typeName, groupID, groupName, categoryID, categoryName
		FROM inv_info WHERE typeName = ?`, name)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (Entry, bool, error) {
	var e Entry
	err := row.Scan(&e.TypeID, &e.TypeName, &e.GroupID, &e.GroupName, &e.CategoryID, &e.CategoryName)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errs.DataError("resolve catalogue entry", err)
	}
	return e, true, nil
}

// ResolveNames resolves a batch of names, returning the resolved entries
// keyed by name and the subset of names that had no catalogue match.
func (c *Catalogue) ResolveNames(ctx context.Context, names []string) (map[string]Entry, []string, error) {
	resolved := make(map[string]Entry, len(names))
	var missing []string
	for _, name := range names {
		entry, ok, err := c.ByName(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved[name] = entry
	}
	return resolved, missing, nil
}

// ResolveIDs resolves a batch of type_ids, returning the resolved entries
// keyed by id and the subset of ids that had no catalogue match.
func (c *Catalogue) ResolveIDs(ctx context.Context, ids []int) (map[int]Entry, []int, error) {
	resolved := make(map[int]Entry, len(ids))
	var missing []int
	for _, id := range ids {
		entry, ok, err := c.ByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		resolved[id] = entry
	}
	return resolved, missing, nil
}
