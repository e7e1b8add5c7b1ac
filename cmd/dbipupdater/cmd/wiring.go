package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/austindbirch/dbip_updater/internal/config"
	"github.com/austindbirch/dbip_updater/internal/configstore"
	"github.com/austindbirch/dbip_updater/internal/db"
	"github.com/austindbirch/dbip_updater/internal/health"
	"github.com/austindbirch/dbip_updater/internal/logging"
	"github.com/austindbirch/dbip_updater/internal/notify"
	"github.com/austindbirch/dbip_updater/internal/settings"
	"github.com/austindbirch/dbip_updater/internal/updater"
)

// app holds the dependencies shared by the subcommands.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	settings *settings.Accessor
	host     *configstore.INIStore
	checks   map[string]health.Check
	closers  []func()
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetDefaultService(cfg.AppName)

	a := &app{
		cfg:    cfg,
		logger: logging.New(cfg.AppName, logging.WithOutput(os.Stdout), logging.WithLevel(level)),
		host:   configstore.NewINIStore(cfg.HostConfigPath),
		checks: map[string]health.Check{},
	}
	a.checks["host_config"] = a.host.Check

	store, err := a.openSettingsStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.settings = settings.NewAccessor(store)
	return a, nil
}

func (a *app) openSettingsStore(ctx context.Context) (settings.Store, error) {
	switch a.cfg.Settings.Backend {
	case "sqlite":
		s, err := settings.NewSQLiteStore(a.cfg.Settings.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.checks["settings_store"] = s.Ping
		return s, nil
	case "postgres":
		pool, err := db.Connect(ctx, a.cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		s := settings.NewPGStore(pool)
		a.checks["settings_store"] = s.Ping
		return s, nil
	case "file":
		s, err := settings.NewFileStore(a.cfg.Settings.FilePath)
		if err != nil {
			return nil, err
		}
		a.checks["settings_store"] = s.Ping
		return s, nil
	}
	return nil, fmt.Errorf("unknown settings backend %q", a.cfg.Settings.Backend)
}

// newTask builds the update task, publishing change events when nsqd is
// configured.
func (a *app) newTask() (*updater.Task, error) {
	opts := []updater.Option{
		updater.WithLogger(a.logger),
		updater.WithUserAgent("DbipUpdater/" + Version),
	}
	if addr := a.cfg.NSQ.NsqdTCPAddr; addr != "" {
		pub, prod, err := notify.NewNSQPublisher(addr, a.cfg.NSQ.Topic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, prod.Stop)
		a.checks["nsq"] = func(context.Context) error { return prod.Ping() }
		opts = append(opts, updater.WithNotifier(pub))
	}
	return updater.New(a.settings, a.host, opts...), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
