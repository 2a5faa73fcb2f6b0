package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jessevdk/go-flags"
	"google.golang.org/api/calendar/v3"

	"studiosync/internal/billing"
	"studiosync/internal/classify"
	"studiosync/internal/config"
	"studiosync/internal/gcal"
	"studiosync/internal/ics"
	"studiosync/internal/lock"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/reconcile"
	"studiosync/internal/scheduler"
	"studiosync/internal/store"
	"studiosync/internal/token"
	"studiosync/internal/web"
)

var version = "dev"

// cliFlags are parsed before the config file; set values override it.
type cliFlags struct {
	ConfigPath string `long:"config" env:"STUDIOSYNC_CONFIG" default:"/etc/studiosync/config.yaml" description:"Path to config file"`
	Listen     string `long:"listen" env:"STUDIOSYNC_LISTEN" description:"HTTP listen address (overrides config if set)"`
	Once       bool   `long:"once" description:"Run one sweep over all feeds and exit"`
	LogLevel   string `long:"log-level" env:"STUDIOSYNC_LOG_LEVEL" description:"debug, info, warn or error (overrides config if set)"`
}

func main() {
	var cli cliFlags
	if _, err := flags.NewParser(&cli, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	appLog.Info("studiosync starting", "version", version)

	conf, err := config.Load(cli.ConfigPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", cli.ConfigPath)
		os.Exit(1)
	}
	if cli.Listen != "" {
		conf.Listen = cli.Listen
	}
	if cli.LogLevel != "" {
		conf.LogLevel = cli.LogLevel
	}
	appLog.SetLevel(conf.LogLevel)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database_path", conf.DatabasePath,
		"sweep_cron", conf.Sync.SweepCron,
		"concurrency", conf.Sync.Concurrency,
		"horizon_months", conf.Sync.HorizonMonths,
		"lock_backend", conf.Lock.Backend,
		"google_enabled", conf.OAuth.Google.ClientID != "",
		"once", cli.Once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, cli.Once); err != nil {
		appLog.Error("studiosync failed", err)
		os.Exit(1)
	}
	appLog.Info("studiosync exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	if dir := filepath.Dir(conf.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	db, err := store.Open(conf.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db)

	var locker lock.Locker = lock.NewMemoryLocker()
	if conf.Lock.Backend == "postgres" {
		pool, err := lock.NewPostgresPool(ctx, conf.Lock.PostgresURL, int32(conf.Sync.Concurrency+2))
		if err != nil {
			return err
		}
		defer pool.Close()
		locker = lock.NewPostgresLocker(pool)
	}

	timeout := conf.Sync.FetchTimeout()
	providers := map[model.Provider]reconcile.Provider{}
	if g := conf.OAuth.Google; g.ClientID != "" {
		providers[model.ProviderGoogle] = reconcile.Provider{
			Client: gcal.New(gcal.Config{Endpoint: g.APIEndpoint, Timeout: timeout}),
			Tokens: token.NewManager(token.Config{
				Provider:      model.ProviderGoogle,
				ClientID:      g.ClientID,
				ClientSecret:  g.ClientSecret,
				AuthURL:       g.AuthURL,
				TokenURL:      g.TokenURL,
				RedirectURL:   g.RedirectURL,
				Scopes:        []string{calendar.CalendarReadonlyScope},
				RefreshMargin: g.RefreshMargin(),
				Timeout:       timeout,
			}),
		}
	}

	payouts := billing.NewService(st)
	engine := reconcile.New(reconcile.Config{
		DefaultPastMonths:      conf.Sync.DefaultWindowPastMonths,
		DefaultFutureMonths:    conf.Sync.DefaultWindowFutureMonths,
		HorizonMonths:          conf.Sync.HorizonMonths,
		MaxOccurrencesPerEvent: conf.Sync.MaxOccurrencesPerEvent,
		FetchTimeout:           timeout,
		Location:               conf.Location(),
	}, reconcile.Deps{
		Store: st,
		Fetcher: ics.NewFetcher(ics.FetcherConfig{
			Timeout:      timeout,
			MaxRedirects: conf.Sync.MaxRedirects,
			UserAgent:    conf.Sync.UserAgent,
			CacheDir:     conf.CacheDir,
		}),
		Providers:  providers,
		Classifier: classify.New(),
		Locker:     locker,
		Payouts:    payouts,
	})

	sched := scheduler.New(scheduler.Config{
		Schedule:    conf.Sync.SweepCron,
		Concurrency: conf.Sync.Concurrency,
		MaxRetries:  conf.Sync.MaxRetries,
	}, st, engine, appLog.Logger())

	if once {
		rep := sched.SweepOnce(ctx)
		if rep.Failed > 0 {
			return errors.New("sweep finished with failed feeds")
		}
		return nil
	}

	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, st, engine, payouts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
