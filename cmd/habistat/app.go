package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ilyaizen/habistat/internal/auth"
	"github.com/ilyaizen/habistat/internal/remote"
	"github.com/ilyaizen/habistat/internal/sync"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
	"github.com/ilyaizen/habistat/pkg/migrate"
)

// appOptions are the root flags shared by every subcommand.
type appOptions struct {
	userID   string
	logLevel string
	daemon   bool
}

// app holds the client process: its local store, the remote it syncs with and
// the sync service tying them together.
type app struct {
	cfg     *config.Config
	logg    *logger.Logger
	local   *db.Client
	sync    *sync.Service
	reg     *prometheus.Registry
	closers []func() error
}

func newApp(ctx context.Context, opts appOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.App.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logOpts := logger.Options{
		ServiceName: "habistat",
		Level:       logger.ParseLevel(level),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      logger.FormatConsole,
		Output:      stderr,
	}
	if opts.daemon {
		logOpts.Format = cfg.App.LogFormat
		if cfg.App.LogFile != "" {
			logOpts.File = &logger.FileOptions{
				Path:       cfg.App.LogFile,
				MaxSizeMB:  cfg.App.LogMaxSizeMB,
				MaxBackups: cfg.App.LogMaxBackups,
				MaxAgeDays: cfg.App.LogMaxAgeDays,
			}
		}
	}
	logg := logger.New(logOpts)

	a := &app{cfg: cfg, logg: logg, reg: prometheus.NewRegistry()}
	a.closers = append(a.closers, logg.Close)

	local, err := db.New(ctx, cfg.Local.DBConfig(), logg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.local = local
	a.closers = append(a.closers, local.Close)

	if err := migrate.Up(ctx, local); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	store, err := a.remoteStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	tokens := auth.FromConfig(cfg, opts.userID)
	if !a.hasRemote() {
		// A credential with nowhere to send it is still offline.
		tokens = auth.NewStaticProvider("")
	}

	svc, err := sync.NewService(sync.ServiceParams{
		Local:   local.DB(),
		Remote:  store,
		Tokens:  tokens,
		Config:  cfg.Sync,
		Metrics: metrics.NewSyncMetrics(a.reg),
		Logger:  logg,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sync = svc
	return a, nil
}

// remoteStore picks the sync API when a URL is configured, the account
// database directly when only a DSN is, and otherwise nothing: the client
// then stays offline and keeps working against the local store.
func (a *app) remoteStore(ctx context.Context) (remote.Store, error) {
	switch {
	case a.cfg.Sync.RemoteURL != "":
		client, err := remote.NewHTTPClient(a.cfg.Sync.RemoteURL, a.cfg.Sync.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("remote client: %w", err)
		}
		return client, nil

	case a.cfg.DB.DSN != "":
		accountDB, err := db.New(ctx, a.cfg.DB, a.logg)
		if err != nil {
			return nil, fmt.Errorf("open account store: %w", err)
		}
		a.closers = append(a.closers, accountDB.Close)
		if err := migrate.Up(ctx, accountDB); err != nil {
			return nil, fmt.Errorf("migrate account store: %w", err)
		}
		return remote.NewInProcess(remote.NewServer(accountDB.DB()), a.cfg.JWT), nil

	default:
		return unconfiguredRemote{}, nil
	}
}

func (a *app) hasRemote() bool {
	return a.cfg.Sync.RemoteURL != "" || a.cfg.DB.DSN != ""
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// unconfiguredRemote stands in when neither a sync URL nor an account DSN is
// set. The app pairs it with an empty token provider, so the service never
// reaches it.
type unconfiguredRemote struct{}

func (unconfiguredRemote) Query(context.Context, *auth.Credential, models.Kind, remote.Filter) (remote.Page, error) {
	return remote.Page{}, errNoRemote
}

func (unconfiguredRemote) Mutate(context.Context, *auth.Credential, models.Kind, remote.Record) (remote.MutateResult, error) {
	return remote.MutateResult{}, errNoRemote
}

var errNoRemote = pkgerrors.New(pkgerrors.CodeDependency, "no remote configured: set HABISTAT_SYNC_REMOTE_URL")
