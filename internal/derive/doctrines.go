package derive

import (
	"context"
	"time"

	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/upsert"
)

// DoctrineRow mirrors schema.Doctrines's column set.
type DoctrineRow struct {
	FitID        int
	ShipID       int
	ShipName     string
	Hulls        int
	TypeID       int
	TypeName     string
	FitQty       int
	FitsOnMkt    int
	TotalStock   int
	Price        float64
	AvgVol       float64
	Days         float64
	GroupID      int
	GroupName    string
	CategoryID   int
	CategoryName string
	Timestamp    time.Time
}

// doctrineTemplateRow is one (fit_id, component type_id) pairing sourced
// from the fittings store's doctrine_map + fittings_fittingitem join.
type doctrineTemplateRow struct {
	fitID    int
	shipID   int
	shipName string
	typeID   int
	typeName string
	fitQty   int
}

// CalcDoctrines expands the doctrine template (one row per fit/component)
// against the just-computed marketstats, writing the result wipe-and-replace.
// statsByType indexes the rows CalcStats returned by type_id so this stage
// never re-reads marketstats from disk.
func (e *Engine) CalcDoctrines(ctx context.Context, eng *upsert.Engine, template []doctrineTemplateRow, stats []MarketStatsRow, now time.Time) ([]DoctrineRow, error) {
	statsByType := make(map[int]MarketStatsRow, len(stats))
	for _, s := range stats {
		statsByType[s.TypeID] = s
	}

	rows := make([]DoctrineRow, 0, len(template))
	for _, t := range template {
		shipStats := statsByType[t.shipID]
		compStats := statsByType[t.typeID]

		row := DoctrineRow{
			FitID:        t.fitID,
			ShipID:       t.shipID,
			ShipName:     t.shipName,
			Hulls:        shipStats.TotalVolumeRemain,
			TypeID:       t.typeID,
			TypeName:     t.typeName,
			FitQty:       t.fitQty,
			TotalStock:   compStats.TotalVolumeRemain,
			Price:        compStats.Price,
			AvgVol:       compStats.AvgVolume,
			Days:         compStats.DaysRemaining,
			GroupID:      compStats.GroupID,
			GroupName:    compStats.GroupName,
			CategoryID:   compStats.CategoryID,
			CategoryName: compStats.CategoryName,
			Timestamp:    compStats.LastUpdate,
		}
		if row.Timestamp.IsZero() {
			row.Timestamp = now
		}
		if t.fitQty > 0 {
			row.FitsOnMkt = int(round1(float64(row.TotalStock) / float64(t.fitQty)))
		}
		rows = append(rows, row)
	}

	if err := e.writeDoctrines(ctx, eng, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// LoadDoctrineTemplate reads the (fit_id, component) rows from the
// fittings store, joined against doctrine_map so only fits that belong to
// an active doctrine are expanded.
func LoadDoctrineTemplate(ctx context.Context, fittingsEngine *Engine) ([]doctrineTemplateRow, error) {
	rows, err := fittingsEngine.db.QueryContext(ctx, `
		SELECT fi.fit_id, f.ship_id, f.ship_name, fi.type_id, fi.type_name, fi.quantity
		FROM fittings_fittingitem fi
		JOIN fittings_fitting f ON f.id = fi.fit_id
		WHERE fi.fit_id IN (SELECT DISTINCT fit_id FROM doctrine_map)
		ORDER BY fi.fit_id, fi.type_id`)
	if err != nil {
		return nil, errs.DataError("load doctrine template", err)
	}
	defer rows.Close()

	var out []doctrineTemplateRow
	for rows.Next() {
		var t doctrineTemplateRow
		if err := rows.Scan(&t.fitID, &t.shipID, &t.shipName, &t.typeID, &t.typeName, &t.fitQty); err != nil {
			return nil, errs.DataError("scan doctrine template row", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (e *Engine) writeDoctrines(ctx context.Context, eng *upsert.Engine, rows []DoctrineRow) error {
	upsertRows := make([]upsert.Row, len(rows))
	for i, r := range rows {
		upsertRows[i] = upsert.Row{
			"fit_id": r.FitID, "ship_id": r.ShipID, "ship_name": r.ShipName, "hulls": r.Hulls,
			"type_id": r.TypeID, "type_name": r.TypeName, "fit_qty": r.FitQty, "fits_on_mkt": r.FitsOnMkt,
			"total_stock": r.TotalStock, "price": r.Price, "avg_vol": r.AvgVol, "days": r.Days,
			"group_id": r.GroupID, "group_name": r.GroupName, "category_id": r.CategoryID, "category_name": r.CategoryName,
			"timestamp": r.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	_, err := eng.Upsert(ctx, schema.Doctrines, upsertRows)
	return err
}
