package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/playbooks/internal/config"
	"github.com/kingrea/playbooks/internal/feed"
	"github.com/kingrea/playbooks/internal/logbook"
	"github.com/kingrea/playbooks/internal/logging"
	"github.com/kingrea/playbooks/internal/metrics"
	"github.com/kingrea/playbooks/internal/playbook/catalog"
	"github.com/kingrea/playbooks/internal/playbook/manager"
	"github.com/kingrea/playbooks/internal/recommend"
	"github.com/kingrea/playbooks/internal/store"
	"github.com/kingrea/playbooks/internal/store/httpstore"
	"github.com/kingrea/playbooks/internal/store/kv"
	"github.com/kingrea/playbooks/internal/store/sqlite"
)

// AuditFileName is the logbook written next to the process log.
const AuditFileName = "audit.log"

// runtime wires the components every command shares.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       store.Store
	catalog     *catalog.Catalog
	audit       *logbook.Logbook
	metrics     *metrics.Metrics
	feed        *feed.Router
	manager     *manager.Manager
	recommender *recommend.Client

	closers []io.Closer
}

type runtimeOptions struct {
	// quiet discards process logs unless a log dir is configured, so they do
	// not draw over the board.
	quiet   bool
	withAPI bool
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func openLogger(cfg *config.Config, quiet bool) (*slog.Logger, io.Closer, error) {
	settings := logging.Settings{Level: cfg.Log.Level, Format: cfg.Log.Format, Dir: cfg.Log.Dir}
	if quiet && cfg.Log.Dir == "" {
		settings.Output = io.Discard
	}
	return logging.New(settings)
}

func loadCatalog(cfg *config.Config, logger *slog.Logger) (*catalog.Catalog, error) {
	return catalog.Load(
		catalog.WithExtraDir(cfg.Catalog.ExtraDir, cfg.Catalog.Pattern),
		catalog.WithLogger(logger),
	)
}

func openRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	logger, logCloser, err := openLogger(cfg, opts.quiet)
	if err != nil {
		return rt, err
	}
	rt.logger = logger
	rt.closers = append(rt.closers, logCloser)

	if rt.catalog, err = loadCatalog(cfg, logger); err != nil {
		return rt, err
	}

	st, closer, err := openStore(ctx, cfg)
	if err != nil {
		return rt, err
	}
	rt.store = st
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	managerOpts := []manager.Option{manager.WithLogger(logger)}
	if cfg.Log.Dir != "" {
		lb, err := logbook.New(filepath.Join(cfg.Log.Dir, AuditFileName))
		if err != nil {
			return rt, fmt.Errorf("open audit log: %w", err)
		}
		rt.audit = lb
		managerOpts = append(managerOpts, manager.WithAudit(lb))
	}
	if opts.withAPI {
		rt.feed = feed.NewRouter(feed.WithLogger(logger))
		managerOpts = append(managerOpts, manager.WithNotifier(rt.feed))
		if cfg.MetricsEnabled() {
			rt.metrics = metrics.New()
			managerOpts = append(managerOpts, manager.WithMetrics(rt.metrics))
		}
	}
	if rt.manager, err = manager.New(rt.catalog, rt.store, managerOpts...); err != nil {
		return rt, err
	}

	if cfg.Recommendations.BaseURL != "" {
		rt.recommender, err = recommend.New(cfg.Recommendations.BaseURL, cfg.Recommendations.Timeout,
			recommend.WithTenantHeader(cfg.Server.TenantHeader),
			recommend.WithLogger(logger),
		)
		if err != nil {
			return rt, err
		}
	}
	logger.Debug("runtime ready",
		"store", cfg.Store.Driver,
		"playbooks", rt.catalog.Len(),
		"recommendations", rt.recommender != nil,
	)
	return rt, nil
}

// openStore builds the configured persistence backend. The closer is nil for
// backends without resources to release.
func openStore(ctx context.Context, full *config.Config) (store.Store, io.Closer, error) {
	cfg := full.Store
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil, nil
	case config.DriverFile:
		st, err := store.NewFile(cfg.Path)
		return st, nil, err
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case config.DriverNATS:
		st, err := kv.Connect(ctx, cfg.NATSURL, cfg.Bucket, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case config.DriverHTTP:
		st, err := httpstore.New(cfg.BaseURL, cfg.Timeout, httpstore.WithTenantHeader(full.Server.TenantHeader))
		return st, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
