// Package cycle is the Cycle Orchestrator: the serial stage driver that
// fetches orders (and, optionally, history) from ESI, re-synchronizes the
// local replica, and derives marketstats and doctrines. It implements the
// teacher's Job interface shape (Run() error, Name() string) so it can be
// registered with both the CLI and the Scheduler, grounded on
// trader-go/internal/scheduler/scheduler.go's Job contract.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/derive"
	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/esi"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/store"
	"github.com/wcmkt/market-sync/internal/upsert"
)

// State names the cycle's current stage, logged and recorded to UpdateLog.
type State string

const (
	StateIdle            State = "IDLE"
	StateFetchOrders     State = "FETCH_ORDERS"
	StateFetchHistory    State = "FETCH_HISTORY"
	StateSync            State = "SYNC"
	StateCalcStats       State = "CALC_STATS"
	StateCalcDoctrines   State = "CALC_DOCTRINES"
	StateDone            State = "DONE"
	StateFail            State = "FAIL"
)

// maxSyncAttempts caps how many times the orchestrator retries a failed
// validate_sync before treating the cycle as fatal: one retry beyond the
// initial attempt, per the sync-gate contract.
const maxSyncAttempts = 2

// Market identifies which corp market this cycle ingests.
type Market struct {
	RegionID      int
	StructureID   int64
	FetchHistory  bool // FETCH_HISTORY is optional, gated by this flag
}

// Orchestrator drives one cycle: FETCH_ORDERS -> [FETCH_HISTORY] -> SYNC ->
// CALC_STATS -> SYNC -> CALC_DOCTRINES -> DONE. Any stage failing moves the
// cycle to FAIL; no derived products are published if a prior stage failed.
type Orchestrator struct {
	log             zerolog.Logger
	market          *store.Store
	fittings        *store.Store
	esiClient       *esi.Client
	upsertEngine    *upsert.Engine
	statsEngine     *derive.Engine
	fittingsEngine  *derive.Engine
	marketCfg       Market

	ordersETag  string
	state       State
}

// New builds an Orchestrator. market and fittings are the two replicated
// stores this cycle reads and writes; esiClient is the authenticated ESI
// client used for FETCH_ORDERS/FETCH_HISTORY.
func New(market, fittings *store.Store, esiClient *esi.Client, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		log:            log.With().Str("component", "cycle").Logger(),
		market:         market,
		fittings:       fittings,
		esiClient:      esiClient,
		upsertEngine:   upsert.New(market.Engine(), log),
		statsEngine:    derive.New(market.Engine()),
		fittingsEngine: derive.New(fittings.Engine()),
		state:          StateIdle,
	}
}

// Name identifies this job to the Scheduler and CLI.
func (o *Orchestrator) Name() string { return "market_cycle" }

// State returns the orchestrator's current stage, for the operational
// /readyz endpoint (cycle_state).
func (o *Orchestrator) State() State { return o.state }

// Run executes one full cycle for market, returning a non-nil error (and
// leaving State at StateFail) on any stage failure. Credential validity is
// assumed already checked by the caller (config.Validate, run before any
// network I/O); Run itself never touches process environment.
func (o *Orchestrator) Run(ctx context.Context, market Market) error {
	o.marketCfg = market
	start := time.Now().UTC()

	if err := o.fetchOrders(ctx); err != nil {
		return o.fail(ctx, StateFetchOrders, err)
	}

	if market.FetchHistory {
		if err := o.fetchHistory(ctx); err != nil {
			return o.fail(ctx, StateFetchHistory, err)
		}
	}

	if err := o.syncGate(ctx); err != nil {
		return o.fail(ctx, StateSync, err)
	}

	stats, err := o.calcStats(ctx, start)
	if err != nil {
		return o.fail(ctx, StateCalcStats, err)
	}

	if err := o.syncGate(ctx); err != nil {
		return o.fail(ctx, StateSync, err)
	}

	if err := o.calcDoctrines(ctx, stats, start); err != nil {
		return o.fail(ctx, StateCalcDoctrines, err)
	}

	o.state = StateDone
	o.log.Info().Dur("elapsed", time.Since(start)).Msg("cycle complete")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, at State, cause error) error {
	o.state = StateFail
	o.log.Error().Err(cause).Str("stage", string(at)).Msg("cycle failed")
	_ = o.logStage(ctx, "cycle_failed_at_"+string(at), 0)
	return fmt.Errorf("cycle failed at %s: %w", at, cause)
}

func (o *Orchestrator) fetchOrders(ctx context.Context) error {
	o.state = StateFetchOrders
	orders, etag, err := o.esiClient.StructureOrders(ctx, o.marketCfg.StructureID, o.ordersETag)
	if err != nil {
		return err
	}
	o.ordersETag = etag
	if len(orders) == 0 {
		o.log.Info().Msg("orders not modified since last fetch")
		return nil
	}

	names, err := o.resolveOrderNames(ctx, orders)
	if err != nil {
		return err
	}

	rows := make([]upsert.Row, len(orders))
	for i, ord := range orders {
		rows[i] = upsert.Row{
			"order_id": ord.OrderID, "is_buy_order": ord.IsBuyOrder, "type_id": ord.TypeID,
			"type_name": names[ord.TypeID], "duration": ord.Duration, "issued": ord.Issued,
			"price": ord.Price, "volume_remain": ord.VolumeRemain,
		}
	}
	n, err := o.upsertEngine.Upsert(ctx, schema.MarketOrders, rows)
	if err != nil {
		return err
	}
	return o.logStage(ctx, schema.MarketOrders, n)
}

func (o *Orchestrator) resolveOrderNames(ctx context.Context, orders []esi.Order) (map[int]string, error) {
	seen := make(map[int]bool)
	var ids []int
	for _, ord := range orders {
		if seen[ord.TypeID] {
			continue
		}
		seen[ord.TypeID] = true
		ids = append(ids, ord.TypeID)
	}
	resolved, err := o.esiClient.ResolveNames(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(resolved))
	for id, entry := range resolved {
		names[id] = entry.Name
	}
	return names, nil
}

func (o *Orchestrator) fetchHistory(ctx context.Context) error {
	o.state = StateFetchHistory
	typeIDs, err := o.watchlistTypeIDs(ctx)
	if err != nil {
		return err
	}
	if len(typeIDs) == 0 {
		return nil
	}

	results, err := o.esiClient.FetchHistory(ctx, o.marketCfg.RegionID, typeIDs)
	if err != nil {
		return err
	}

	names, err := o.resolveTypeIDNames(ctx, typeIDs)
	if err != nil {
		return err
	}

	var rows []upsert.Row
	for _, result := range results {
		for _, rec := range result.Data {
			rows = append(rows, upsert.Row{
				"id":          fmt.Sprintf("%d-%s", result.TypeID, rec.Date),
				"date":        rec.Date,
				"type_id":     result.TypeID,
				"type_name":   names[result.TypeID],
				"average":     rec.Average,
				"volume":      rec.Volume,
				"highest":     rec.Highest,
				"lowest":      rec.Lowest,
				"order_count": rec.OrderCount,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	n, err := o.upsertEngine.Upsert(ctx, schema.MarketHistory, rows)
	if err != nil {
		return err
	}
	return o.logStage(ctx, schema.MarketHistory, n)
}

func (o *Orchestrator) resolveTypeIDNames(ctx context.Context, ids []int) (map[int]string, error) {
	resolved, err := o.esiClient.ResolveNames(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(resolved))
	for id, entry := range resolved {
		names[id] = entry.Name
	}
	return names, nil
}

func (o *Orchestrator) watchlistTypeIDs(ctx context.Context) ([]int, error) {
	rows, err := o.market.Engine().QueryContext(ctx, "SELECT type_id FROM watchlist")
	if err != nil {
		return nil, errs.DataError("load watchlist type_ids", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, errs.DataError("scan watchlist type_id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// syncGate pulls the local replica up to date and validates it against the
// remote watermark, retrying sync once more before treating the failure as
// fatal for the cycle, per §4.8's sync-gate contract.
func (o *Orchestrator) syncGate(ctx context.Context) error {
	o.state = StateSync
	var lastErr error
	for attempt := 1; attempt <= maxSyncAttempts; attempt++ {
		ok, err := o.market.ValidateSync(ctx, schema.MarketOrders, "order_id")
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		lastErr = errs.ValidationError("validate_sync returned false after pull", nil)
	}
	return lastErr
}

func (o *Orchestrator) calcStats(ctx context.Context, now time.Time) ([]derive.MarketStatsRow, error) {
	o.state = StateCalcStats
	rows, err := o.statsEngine.CalcStats(ctx, o.upsertEngine, now)
	if err != nil {
		return nil, err
	}
	if err := o.logStage(ctx, schema.MarketStats, len(rows)); err != nil {
		return nil, err
	}
	return rows, nil
}

func (o *Orchestrator) calcDoctrines(ctx context.Context, stats []derive.MarketStatsRow, now time.Time) error {
	o.state = StateCalcDoctrines
	template, err := derive.LoadDoctrineTemplate(ctx, o.fittingsEngine)
	if err != nil {
		return err
	}
	rows, err := o.statsEngine.CalcDoctrines(ctx, o.upsertEngine, template, stats, now)
	if err != nil {
		return err
	}
	return o.logStage(ctx, schema.Doctrines, len(rows))
}

// Job adapts an Orchestrator to the scheduler.Job interface (Run() error,
// Name() string), fixing the context and Market for each scheduled tick.
type Job struct {
	ctx    context.Context
	orch   *Orchestrator
	market Market
}

// NewJob wraps orch so it can be registered with the Scheduler.
func NewJob(ctx context.Context, orch *Orchestrator, market Market) *Job {
	return &Job{ctx: ctx, orch: orch, market: market}
}

// Name identifies this job to the Scheduler.
func (j *Job) Name() string { return j.orch.Name() }

// Run executes one cycle.
func (j *Job) Run() error { return j.orch.Run(j.ctx, j.market) }

// logStage records one successful stage completion to update_log.
func (o *Orchestrator) logStage(ctx context.Context, table string, rows int) error {
	_, err := o.upsertEngine.Upsert(ctx, schema.UpdateLog, []upsert.Row{{
		"table_name": table,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"rows":       rows,
	}})
	return err
}
