// Package di wires the application together: config -> stores -> auth ->
// esi client -> upsert/derive engines -> cycle orchestrator -> scheduler
// -> reliability jobs -> operational server.
//
// Grounded on the teacher's internal/di package: a staged Wire() function
// building a Container, with cleanup-on-error at every stage, scaled down
// to this module's much smaller dependency graph.
package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/wcmkt/market-sync/internal/auth"
	"github.com/wcmkt/market-sync/internal/catalogue"
	"github.com/wcmkt/market-sync/internal/config"
	"github.com/wcmkt/market-sync/internal/cycle"
	"github.com/wcmkt/market-sync/internal/esi"
	"github.com/wcmkt/market-sync/internal/fits"
	"github.com/wcmkt/market-sync/internal/reliability"
	"github.com/wcmkt/market-sync/internal/schema"
	"github.com/wcmkt/market-sync/internal/scheduler"
	"github.com/wcmkt/market-sync/internal/server"
	"github.com/wcmkt/market-sync/internal/store"
	"github.com/wcmkt/market-sync/internal/upsert"
	"github.com/wcmkt/market-sync/internal/watchlist"
)

// Container holds every long-lived service instance the CLI and
// scheduler share.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	Market   *store.Store
	Fittings *store.Store
	SDE      *store.Store

	Tokens *auth.Store
	ESI    *esi.Client

	Catalogue *catalogue.Catalogue
	Watchlist *watchlist.Maintainer
	FitUpdate *fits.Updater

	Orchestrator *cycle.Orchestrator
	Scheduler    *scheduler.Scheduler
	Server       *server.Server
	Health       *reliability.HealthMonitor
	Backup       *reliability.BackupService
	BackupJob    *reliability.Job
}

// Wire builds a fully-initialized Container. On any failure it closes
// every store opened so far before returning the error.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	if err := c.openStores(ctx); err != nil {
		return nil, err
	}

	c.Tokens = auth.New(auth.Config{
		Path:             filepath.Join(cfg.DataDir, "token.json"),
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.SecretKey,
		TokenURL:         cfg.TokenURL,
		BootstrapRefresh: cfg.RefreshToken,
	})

	c.ESI = esi.New(esi.Config{
		BaseURL:           cfg.ESIBaseURL,
		UserAgent:         cfg.UserAgent,
		CompatibilityDate: cfg.CompatibilityDate,
		Tokens:            c.Tokens,
	}, log)

	c.Catalogue = catalogue.New(c.SDE.Engine())
	upsertEngine := upsert.New(c.Market.Engine(), log)
	c.Watchlist = watchlist.New(c.Market.Engine(), c.Catalogue, upsertEngine)
	c.FitUpdate = fits.New(c.Fittings.Engine(), c.Market.Engine(), c.Catalogue, c.Watchlist, log)

	c.Orchestrator = cycle.New(c.Market, c.Fittings, c.ESI, log)

	c.Scheduler = scheduler.New(log)
	c.Health = reliability.NewHealthMonitor(log)

	backupSvc, err := reliability.NewBackupService(ctx, cfg.Backup, cfg.DataDir, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Backup = backupSvc
	c.BackupJob = reliability.NewJob(c.Health, c.Backup, []reliability.StoreHandle{
		{Alias: string(cfg.MarketAlias()), Engine: c.Market.Engine()},
		{Alias: string(config.AliasFittings), Engine: c.Fittings.Engine()},
	}, cfg.DataDir, log)

	c.Server = server.New(server.Config{
		Port:    operationalPort(cfg),
		Log:     log,
		Market:  c.Market,
		Fitting: c.Fittings,
		Orch:    c.Orchestrator,
		DevMode: cfg.Environment == config.Development,
	})

	log.Info().Msg("dependency wiring complete")
	return c, nil
}

func (c *Container) openStores(ctx context.Context) error {
	marketCfg, err := c.Config.Database(c.Config.MarketAlias())
	if err != nil {
		return err
	}
	c.Market, err = store.Open(ctx, store.Config{
		Alias: string(marketCfg.Alias), Path: filepath.Join(c.Config.DataDir, marketCfg.FileName),
		RemoteURL: marketCfg.RemoteURL, AuthToken: marketCfg.AuthToken, SchemaFor: schema.StoreMarket,
	}, c.Log)
	if err != nil {
		return err
	}

	fittingsCfg, err := c.Config.Database(config.AliasFittings)
	if err != nil {
		c.Close()
		return err
	}
	c.Fittings, err = store.Open(ctx, store.Config{
		Alias: string(fittingsCfg.Alias), Path: filepath.Join(c.Config.DataDir, fittingsCfg.FileName),
		RemoteURL: fittingsCfg.RemoteURL, AuthToken: fittingsCfg.AuthToken, SchemaFor: schema.StoreFittings,
	}, c.Log)
	if err != nil {
		c.Close()
		return err
	}

	sdeCfg, err := c.Config.Database(config.AliasSDE)
	if err != nil {
		c.Close()
		return err
	}
	// The static data export has no schema of its own: it ships read-only
	// with the environment, so nothing here runs schema.Migrate against it.
	c.SDE, err = store.Open(ctx, store.Config{
		Alias: string(sdeCfg.Alias), Path: filepath.Join(c.Config.DataDir, sdeCfg.FileName),
		RemoteURL: sdeCfg.RemoteURL, AuthToken: sdeCfg.AuthToken, SchemaFor: schema.Store(""),
	}, c.Log)
	if err != nil {
		c.Close()
		return err
	}
	return nil
}

func operationalPort(cfg *config.Config) int {
	if cfg.Environment == config.Development {
		return 8081
	}
	return 8080
}

// Close releases every open store. Safe to call multiple times and on a
// partially-initialized Container.
func (c *Container) Close() error {
	var firstErr error
	for _, s := range []*store.Store{c.Market, c.Fittings, c.SDE} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close store: %w", err)
		}
	}
	return firstErr
}
