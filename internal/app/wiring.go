package app

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"prefixsync/internal/config"
	"prefixsync/internal/controller"
	"prefixsync/internal/controller/vmanage"
	"prefixsync/internal/database"
	"prefixsync/internal/feed"
	"prefixsync/internal/metrics"
	"prefixsync/internal/notification"
	"prefixsync/internal/prefix"
	"prefixsync/internal/snapshot"
	"prefixsync/internal/syncer"
)

// deps are the collaborators a command needs. Fetcher is nil when no feed URL
// is configured and History is nil unless HISTORY_ENABLED is set.
type deps struct {
	Controller controller.Client
	Fetcher    feed.Fetcher
	Store      snapshot.Store
	Metrics    *metrics.Registry
	History    *database.History
	Reporters  []syncer.Reporter

	closers []func() error
}

func (d *deps) Close() {
	for _, fn := range d.closers {
		if err := fn(); err != nil {
			log.Warn("Failed to release resource", "error", err)
		}
	}
}

type depsBuilder func(ctx context.Context, cfg config.Config, logger *log.Logger) (*deps, error)

func buildDeps(_ context.Context, cfg config.Config, logger *log.Logger) (*deps, error) {
	client, err := vmanage.New(vmanage.Config{
		Host:      cfg.VManage.Host,
		Port:      cfg.VManage.Port,
		Username:  cfg.VManage.Username,
		Password:  cfg.VManage.Password,
		VerifyTLS: cfg.VManage.VerifyTLS,
		RateLimit: cfg.VManage.RateLimit,
		BaseURL:   cfg.VManage.BaseURL,
	}, logger)
	if err != nil {
		return nil, err
	}

	d := &deps{
		Controller: client,
		Store:      snapshot.NewFileStore(cfg.BackupDir),
		Metrics:    metrics.Get(),
	}
	if cfg.Feed.URL != "" {
		d.Fetcher = feed.NewHTTPFetcher(cfg.Feed.URL, cfg.VManage.VerifyTLS, logger)
	}
	d.Reporters = append(d.Reporters, d.Metrics)

	if cfg.TeamsWebhookURL != "" {
		target := cfg.VManage.Host
		if target == "" {
			target = cfg.VManage.BaseURL
		}
		d.Reporters = append(d.Reporters, notification.NewTeams(cfg.TeamsWebhookURL, target, cfg.VManage.VerifyTLS, logger))
	}

	if cfg.History.Enabled {
		db, err := database.SetupDB(cfg.History)
		if err != nil {
			return nil, fmt.Errorf("sync history: %w", err)
		}
		sqlDB, err := db.DB()
		if err == nil {
			d.closers = append(d.closers, sqlDB.Close)
		}
		d.History = database.NewHistory(db, logger)
		d.Reporters = append(d.Reporters, d.History)
	}

	return d, nil
}

func (c *cli) deps(ctx context.Context) (*deps, error) {
	d, err := c.build(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, &ExitError{Code: 3, Err: err}
	}
	return d, nil
}

func (c *cli) orchestrator(d *deps, dryRun bool) (*syncer.Orchestrator, error) {
	fetcher := d.Fetcher
	if fetcher == nil {
		// restore and snapshot never fetch
		fetcher = feed.Static(nil)
	}

	o, err := syncer.New(fetcher, d.Controller, d.Store, syncer.Options{
		BaseName:          c.cfg.Sync.BaseName,
		Capacity:          c.cfg.Sync.MaxChunk,
		MaxRemovalPercent: c.cfg.Sync.MaxRemovePercent,
		Family:            prefix.Filter(c.cfg.Feed.Family),
		DryRun:            dryRun,
	}, syncer.WithLogger(c.logger), syncer.WithReporters(d.Reporters...))
	if err != nil {
		return nil, &ExitError{Code: 1, Err: err}
	}
	return o, nil
}
