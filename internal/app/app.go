// Package app assembles the relay's subsystems from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/exoml/relay/internal/abuse"
	"github.com/exoml/relay/internal/cloudflare"
	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/db"
	"github.com/exoml/relay/internal/gate"
	"github.com/exoml/relay/internal/ledger"
	"github.com/exoml/relay/internal/notify"
	"github.com/exoml/relay/internal/router"
	"github.com/exoml/relay/internal/server"
	"github.com/exoml/relay/internal/usage"
)

// shutdownGrace bounds how long in-flight requests may run after a signal.
const shutdownGrace = 30 * time.Second

// App is the assembled relay.
type App struct {
	cfg     *config.Config
	store   *config.Store
	watcher *config.Watcher
	monitor *abuse.Monitor
	httpSrv *http.Server
}

// New builds every subsystem from the loaded configuration.
func New(cfg *config.Config) (*App, error) {
	store := config.NewStore(cfg.ProvidersPath(), cfg.UsersPath())
	store.Load()

	watcher, errWatcher := config.NewWatcher(store)
	if errWatcher != nil {
		return nil, errWatcher
	}

	g := gate.New(store, cfg)
	if errPromo := g.EnsurePromoAccount(""); errPromo != nil {
		log.Warnf("promotional account setup failed: %v", errPromo)
	}

	var blocker abuse.Blocker
	if cfg.Cloudflare.Enabled() {
		blocker = cloudflare.New(cfg.Cloudflare.ZoneID, cfg.Cloudflare.AuthEmail, cfg.Cloudflare.AuthKey)
		log.Info("cloudflare IP blocking enabled")
	} else {
		log.Info("cloudflare credentials missing, IP blocks stay local")
	}
	var notifier abuse.Notifier
	if cfg.WebhookURL != "" {
		notifier = notify.NewDiscord(cfg.WebhookURL)
	}
	monitor := abuse.NewMonitor(abuse.Options{
		AttackThreshold: cfg.Abuse.AttackThreshold,
		PerIPThreshold:  cfg.Abuse.PerIPThreshold,
		Whitelist:       cfg.WhitelistedIPs,
		MitigatedPath:   cfg.MitigatedIPsPath(),
	}, blocker, notifier)

	var recorder *usage.Recorder
	if cfg.RequestLogDSN != "" {
		conn, errOpen := db.Open(cfg.RequestLogDSN)
		if errOpen != nil {
			log.Errorf("request log database unavailable, auditing disabled: %v", errOpen)
		} else if errMigrate := db.Migrate(conn); errMigrate != nil {
			log.Errorf("request log migration failed, auditing disabled: %v", errMigrate)
		} else {
			recorder = usage.NewRecorder(conn)
			if cleaner := usage.NewRetentionCleaner(conn, cfg.RequestLogRetentionDays); cleaner != nil {
				cleaner.Start(context.Background())
			}
		}
	}

	srv := server.New(cfg, store, g, ledger.New(store), router.NewDispatcher(store), monitor, recorder)

	return &App{
		cfg:     cfg,
		store:   store,
		watcher: watcher,
		monitor: monitor,
		httpSrv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	// A restart invalidates local block state; remote rules from the previous
	// process are cleared so they cannot outlive their timers.
	cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
	a.monitor.CleanupOnStartup(cleanupCtx)
	cancel()

	a.watcher.Start()
	defer a.watcher.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", a.cfg.Listen)
		errCh <- a.httpSrv.ListenAndServe()
	}()

	select {
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	return a.httpSrv.Shutdown(shutdownCtx)
}
