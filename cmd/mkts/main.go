// Command mkts is the corporate market ingestion and derivation pipeline's
// CLI entry point: it wires the application container and either runs a
// single command or starts the scheduler and operational server for
// unattended operation.
//
// Grounded on the teacher's cmd entrypoint shape: config.Load -> di.Wire ->
// command dispatch -> graceful shutdown on signal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/config"
	"github.com/wcmkt/market-sync/internal/cycle"
	"github.com/wcmkt/market-sync/internal/di"
	"github.com/wcmkt/market-sync/internal/errs"
	"github.com/wcmkt/market-sync/internal/fits"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/watchlist"
	"github.com/wcmkt/market-sync/pkg/logger"
)

// shutdownGrace bounds how long the operational server waits for
// in-flight requests to finish on a shutdown signal.
const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

// run implements the exit-code contract: 0 success, 1 validation/config
// failure, 2 runtime failure.
func run(args []string) int {
	log := logger.New(logger.Config{Level: getLogLevel(), Pretty: isDevMode()})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration invalid")
		return 1
	}

	if len(args) > 0 && args[0] == "--validate-env" {
		log.Info().Msg("configuration valid")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to wire application")
		return 1
	}
	defer container.Close()

	if len(args) == 0 {
		return runDaemon(ctx, container, log)
	}
	return dispatch(ctx, container, args, log)
}

func dispatch(ctx context.Context, c *di.Container, args []string, log zerolog.Logger) int {
	switch args[0] {
	case "sync":
		if err := c.Market.Sync(ctx); err != nil {
			log.Error().Err(err).Msg("sync failed")
			return 2
		}
		return 0

	case "validate":
		ok, err := c.Market.ValidateSync(ctx, schema.MarketOrders, "order_id")
		if err != nil {
			log.Error().Err(err).Msg("validate failed")
			return 2
		}
		if !ok {
			log.Error().Msg("replica not in sync with primary")
			return 2
		}
		return 0

	case "--check_tables":
		ok, err := c.Market.VerifyExists(ctx, []string{schema.MarketOrders, schema.MarketHistory, schema.MarketStats, schema.Doctrines, schema.Watchlist, schema.UpdateLog})
		if err != nil {
			log.Error().Err(err).Msg("table check failed")
			return 2
		}
		if !ok {
			log.Error().Msg("one or more expected tables missing")
			return 2
		}
		return 0

	case "add_watchlist":
		return runAddWatchlist(ctx, c, args[1:], log)

	case "update-fit":
		return runUpdateFit(ctx, c, args[1:], log)

	case "--history":
		return runCycle(ctx, c, true, log)

	default:
		log.Error().Str("command", args[0]).Msg("unknown command")
		return 1
	}
}

func runDaemon(ctx context.Context, c *di.Container, log zerolog.Logger) int {
	if err := c.Scheduler.AddJob("0 */30 * * * *", cycle.NewJob(ctx, c.Orchestrator, cycleMarket(c))); err != nil {
		log.Error().Err(err).Msg("failed to register cycle job")
		return 2
	}
	if err := c.Scheduler.AddJob("@hourly", c.BackupJob); err != nil {
		log.Error().Err(err).Msg("failed to register backup job")
		return 2
	}
	c.Scheduler.Start()
	defer c.Scheduler.Stop()

	go func() {
		if err := c.Server.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("operational server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := c.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return 0
}

func runCycle(ctx context.Context, c *di.Container, fetchHistory bool, log zerolog.Logger) int {
	market := cycleMarket(c)
	market.FetchHistory = fetchHistory
	if err := c.Orchestrator.Run(ctx, market); err != nil {
		log.Error().Err(err).Msg("cycle failed")
		return 2
	}
	return 0
}

func cycleMarket(c *di.Container) cycle.Market {
	return cycle.Market{
		RegionID:    c.Config.Market.RegionID,
		StructureID: c.Config.Market.StructureID,
	}
}

func runAddWatchlist(ctx context.Context, c *di.Container, args []string, log zerolog.Logger) int {
	fs := flag.NewFlagSet("add_watchlist", flag.ContinueOnError)
	typeIDs := fs.String("type_id", "", "comma-separated type IDs")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *typeIDs == "" {
		log.Error().Msg("add_watchlist requires --type_id")
		return 1
	}

	ids, err := parseIDs(*typeIDs)
	if err != nil {
		log.Error().Err(err).Msg("invalid --type_id")
		return 1
	}

	result, err := c.Watchlist.AddToWatchlist(ctx, ids, watchlist.TargetLocal)
	if err != nil {
		log.Error().Err(err).Msg("add_watchlist failed")
		return 2
	}
	log.Info().Ints("added", result.Added).Ints("missing", result.Missing).Msg("watchlist updated")
	return 0
}

func runUpdateFit(ctx context.Context, c *di.Container, args []string, log zerolog.Logger) int {
	fs := flag.NewFlagSet("update-fit", flag.ContinueOnError)
	fitFile := fs.String("fit-file", "", "path to EFT fit text")
	metaFile := fs.String("meta-file", "", "path to fit metadata JSON (fit_id, doctrine_id, ship_target)")
	noClear := fs.Bool("no-clear", false, "do not clear existing fit items before writing")
	dryRun := fs.Bool("dry-run", false, "parse and resolve only, no writes")
	remote := fs.Bool("remote", false, "propagate watchlist additions to the remote target")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *fitFile == "" || *metaFile == "" {
		log.Error().Msg("update-fit requires --fit-file and --meta-file")
		return 1
	}

	fitText, err := os.ReadFile(*fitFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to read fit file")
		return 1
	}

	fitID, meta, err := readFitMeta(*metaFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to read meta file")
		return 1
	}

	target := watchlist.TargetLocal
	if *remote {
		target = watchlist.TargetRemote
	}

	preview, err := c.FitUpdate.UpdateFit(ctx, fitID, string(fitText), meta, target, !*noClear, *dryRun)
	if err != nil {
		if errs.Is(err, errs.KindData) {
			log.Error().Err(err).Msg("fit update failed: unresolved data")
			return 2
		}
		log.Error().Err(err).Msg("fit update failed")
		return 2
	}
	log.Info().Int("ship_type_id", preview.ShipTypeID).Int("item_count", len(preview.Items)).Strs("missing", preview.MissingItems).Msg("update-fit complete")
	return 0
}

// fitMetaFile is the on-disk JSON shape for --meta-file: the fit's
// identity and operator-supplied doctrine linkage.
type fitMetaFile struct {
	FitID      int `json:"fit_id"`
	DoctrineID int `json:"doctrine_id"`
	ShipTarget int `json:"ship_target"`
}

func readFitMeta(path string) (int, fits.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fits.Metadata{}, err
	}
	var m fitMetaFile
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, fits.Metadata{}, fmt.Errorf("parse meta file: %w", err)
	}
	return m.FitID, fits.Metadata{DoctrineID: m.DoctrineID, ShipTarget: m.ShipTarget}, nil
}

func parseIDs(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid type_id %q: %w", p, err)
		}
		ids = append(ids, n)
	}
	return ids, nil
}

func getLogLevel() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}

func isDevMode() bool {
	return os.Getenv("APP_ENVIRONMENT") != string(config.Production)
}
