package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/net/publicsuffix"

	"github.com/iliyamo/facility-portal/internal/api"
	"github.com/iliyamo/facility-portal/internal/clock"
	"github.com/iliyamo/facility-portal/internal/config"
	"github.com/iliyamo/facility-portal/internal/database"
	"github.com/iliyamo/facility-portal/internal/events"
	"github.com/iliyamo/facility-portal/internal/guard"
	"github.com/iliyamo/facility-portal/internal/interceptor"
	"github.com/iliyamo/facility-portal/internal/portal"
	"github.com/iliyamo/facility-portal/internal/querycache"
	"github.com/iliyamo/facility-portal/internal/session"
	"github.com/iliyamo/facility-portal/internal/storage"
	"github.com/iliyamo/facility-portal/internal/validation"
)

func main() {
	envFile := pflag.String("env-file", "", "read environment variables from this file before the process environment")
	addr := pflag.String("addr", "", "listen address (overrides PORTAL_ADDR)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("portal stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	routes, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return err
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	} else if cfg.Redis.Addr != "" {
		log.Warn("redis unreachable, using in-process cache", "addr", cfg.Redis.Addr)
	}

	store, closeStore, err := openStorage(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	// Both clients share the jar so cookies set by the backend travel
	// with every call.
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	raw := api.NewClient(cfg.APIBaseURL, &http.Client{Jar: jar, Timeout: cfg.APITimeout}, log)

	clk := clock.Real()
	sess := session.New(session.Options{
		Storage:          store,
		Refresher:        raw,
		Clock:            clk,
		Logger:           log,
		BootstrapTimeout: cfg.Session.BootstrapTimeout,
		InactivityWindow: cfg.Session.InactivityWindow,
	})

	nav := portal.NewNavigator()
	transport := interceptor.New(interceptor.Options{
		Session:   sess,
		Navigator: nav,
		Logger:    log,
	})
	client := api.NewClient(cfg.APIBaseURL, &http.Client{Jar: jar, Timeout: cfg.APITimeout, Transport: transport}, log)

	gate := validation.NewGate(client, clk, cfg.Session.ValidationTTL, log)
	sess.AddObserver(gate)

	var ident querycache.Cache = querycache.NewMemory(clk, cfg.Session.IdentityTTL)
	if rdb != nil {
		ident = querycache.NewRedis(rdb, cfg.Storage.Prefix, cfg.Storage.DeviceID, cfg.Session.IdentityTTL, log)
	}
	sess.AddObserver(ident)

	if cfg.Events.Enabled {
		pub := events.NewPublisher(events.AMQPSender{URL: cfg.Events.URL}, cfg.Events.Queue, cfg.Storage.DeviceID, clk, log)
		sess.AddObserver(pub)
		go pub.Run(ctx)

		consumer := &events.Consumer{URL: cfg.Events.URL, Queue: cfg.Events.Queue, Dir: "logs", Logger: log}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("session audit consumer", "err", err)
			}
		}()
	}

	boot := &session.Bootstrapper{Store: sess, Identity: client, Logger: log}
	go func() {
		if err := <-boot.Run(ctx); err != nil {
			log.Info("session not restored", "err", err)
		}
	}()

	e := portal.New(portal.Options{
		Store:     sess,
		API:       client,
		Gate:      gate,
		Identity:  ident,
		Navigator: nav,
		Routes:    routes,
		Guards: guard.Config{
			Clock:        clk,
			PollInterval: cfg.Session.GuardPollInterval,
			MaxAttempts:  cfg.Session.GuardMaxAttempts,
			Logger:       log,
		},
		Limiter: portal.LoginLimiter(cfg.Limit, rdb, log),
		Logger:  log,
	})

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "env", cfg.Env, "storage", cfg.Storage.Driver)
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// openStorage picks the durable mirror named by STORAGE_DRIVER.
func openStorage(ctx context.Context, cfg config.Config, rdb *redis.Client) (storage.Store, func(), error) {
	noop := func() {}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
		return storage.NewMemory(), noop, nil
	case "file":
		f, err := storage.NewFile(cfg.Storage.FilePath, cfg.Storage.FileSecret)
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("STORAGE_DRIVER=redis but redis is not reachable")
		}
		return storage.NewRedis(rdb, cfg.Storage.Prefix, cfg.Storage.DeviceID), noop, nil
	case "mysql":
		db, err := database.Open(ctx, cfg.MySQL)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewMySQL(db, cfg.Storage.DeviceID), func() { closeDB(db) }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("close mysql", "err", err)
	}
}
