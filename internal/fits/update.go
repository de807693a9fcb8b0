package fits

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/catalogue"
	"github.com/wcmkt/market-sync/internal/derive"
	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/upsert"
	"github.com/wcmkt/market-sync/internal/watchlist"
)

// Target mirrors watchlist.Target: which replica a write targets.
type Target = watchlist.Target

// ResolvedItem is a ParsedItem after catalogue resolution.
type ResolvedItem struct {
	Flag     string
	TypeID   int
	TypeName string
	Quantity int
}

// Metadata is operator-supplied context for the fit being updated.
type Metadata struct {
	DoctrineID int // 0 means "not linked to a doctrine"
	ShipTarget int // desired doctrine stock level; 0 means "no target set"
}

// Preview is returned for dry_run=true: parsing and resolution only, no
// writes.
type Preview struct {
	ShipTypeID   int
	Items        []ResolvedItem
	MissingItems []string
}

// Updater implements update_fit against the fittings store, with catalogue
// resolution, watchlist propagation, and a doctrines rebuild against the
// market store.
type Updater struct {
	fittingsDB     *sql.DB
	cat            *catalogue.Catalogue
	watch          *watchlist.Maintainer
	fittingsDerive *derive.Engine
	marketDerive   *derive.Engine
	marketUpsert   *upsert.Engine
}

// New creates an Updater. marketDB is the market store's connection: after
// a successful write, the Updater reloads the doctrine template and the
// already-computed marketstats to rebuild doctrines, the same wipe-and-
// replace the cycle runs, without waiting for the next scheduled cycle.
func New(fittingsDB, marketDB *sql.DB, cat *catalogue.Catalogue, watch *watchlist.Maintainer, log zerolog.Logger) *Updater {
	return &Updater{
		fittingsDB:     fittingsDB,
		cat:            cat,
		watch:          watch,
		fittingsDerive: derive.New(fittingsDB),
		marketDerive:   derive.New(marketDB),
		marketUpsert:   upsert.New(marketDB, log),
	}
}

// UpdateFit parses fitText, resolves every component against the static
// catalogue, and — unless dryRun — writes the fit header and items,
// optionally clearing existing items first, links the fit to meta's
// doctrine, and propagates newly-seen component type_ids to the watchlist.
// dryRun performs only parsing and resolution and returns a Preview with
// no database writes.
func (u *Updater) UpdateFit(ctx context.Context, fitID int, fitText string, meta Metadata, target Target, clearExisting, dryRun bool) (Preview, error) {
	parsed, err := ParseEFT(fitText)
	if err != nil {
		return Preview{}, err
	}

	shipEntry, shipFound, err := u.cat.ByName(ctx, parsed.ShipName)
	if err != nil {
		return Preview{}, err
	}

	var missing []string
	if !shipFound {
		missing = append(missing, parsed.ShipName)
	}

	names := make([]string, len(parsed.Items))
	for i, item := range parsed.Items {
		names[i] = item.ItemName
	}
	resolvedByName, unresolvedNames, err := u.cat.ResolveNames(ctx, names)
	if err != nil {
		return Preview{}, err
	}
	missing = append(missing, unresolvedNames...)

	resolved := make([]ResolvedItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entry, ok := resolvedByName[item.ItemName]
		if !ok {
			continue
		}
		resolved = append(resolved, ResolvedItem{
			Flag: item.Flag, TypeID: entry.TypeID, TypeName: entry.TypeName, Quantity: item.Quantity,
		})
	}

	preview := Preview{ShipTypeID: shipEntry.TypeID, Items: resolved, MissingItems: missing}
	if dryRun {
		return preview, nil
	}

	if err := u.write(ctx, fitID, parsed, shipEntry, resolved, meta, clearExisting); err != nil {
		return Preview{}, err
	}

	if err := u.rebuildDoctrines(ctx); err != nil {
		return Preview{}, err
	}

	if u.watch != nil {
		seen := map[int]bool{shipEntry.TypeID: true}
		ids := []int{shipEntry.TypeID}
		for _, r := range resolved {
			if seen[r.TypeID] {
				continue
			}
			seen[r.TypeID] = true
			ids = append(ids, r.TypeID)
		}
		if _, err := u.watch.AddToWatchlist(ctx, ids, target); err != nil {
			return Preview{}, err
		}
	}

	return preview, nil
}

func (u *Updater) write(ctx context.Context, fitID int, parsed ParsedFit, ship catalogue.Entry, items []ResolvedItem, meta Metadata, clearExisting bool) error {
	tx, err := u.fittingsDB.BeginTx(ctx, nil)
	if err != nil {
		return errs.UpsertError("begin fit update transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fittings_fitting (id, ship_id, ship_name, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ship_id=excluded.ship_id, ship_name=excluded.ship_name, name=excluded.name, updated_at=excluded.updated_at`,
		fitID, ship.TypeID, ship.TypeName, parsed.FitName, now, now)
	if err != nil {
		return errs.UpsertError("upsert fit header", err)
	}

	if clearExisting {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fittings_fittingitem WHERE fit_id = ?`, fitID); err != nil {
			return errs.UpsertError("clear existing fit items", err)
		}
	}

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fittings_fittingitem (fit_id, type_id, type_name, flag, quantity)
			VALUES (?, ?, ?, ?, ?)`,
			fitID, item.TypeID, item.TypeName, item.Flag, item.Quantity)
		if err != nil {
			return errs.UpsertError("insert fit item", err)
		}
	}

	if meta.DoctrineID != 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO doctrine_map (doctrine_id, fit_id) VALUES (?, ?)
			ON CONFLICT(doctrine_id, fit_id) DO NOTHING`, meta.DoctrineID, fitID)
		if err != nil {
			return errs.UpsertError("link fit to doctrine", err)
		}
	}

	if meta.ShipTarget > 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ship_targets (fit_id, fit_name, ship_id, ship_name, ship_target, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(fit_id) DO UPDATE SET fit_name=excluded.fit_name, ship_id=excluded.ship_id,
				ship_name=excluded.ship_name, ship_target=excluded.ship_target`,
			fitID, parsed.FitName, ship.TypeID, ship.TypeName, meta.ShipTarget, now)
		if err != nil {
			return errs.UpsertError("upsert ship target", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.UpsertError("commit fit update", err)
	}
	return nil
}

// rebuildDoctrines reloads the doctrine template (now reflecting the just-
// written fit) and the existing marketstats rows, then re-expands doctrines
// wipe-and-replace — the same derivation the cycle runs, triggered
// immediately instead of waiting for the next scheduled CALC_DOCTRINES
// stage.
func (u *Updater) rebuildDoctrines(ctx context.Context) error {
	template, err := derive.LoadDoctrineTemplate(ctx, u.fittingsDerive)
	if err != nil {
		return err
	}
	stats, err := derive.LoadMarketStats(ctx, u.marketDerive)
	if err != nil {
		return err
	}
	_, err = u.marketDerive.CalcDoctrines(ctx, u.marketUpsert, template, stats, time.Now().UTC())
	return err
}
