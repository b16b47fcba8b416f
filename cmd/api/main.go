package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/capacity"
	"github.com/ariefcatur/go-production-scheduler/internal/config"
	"github.com/ariefcatur/go-production-scheduler/internal/httpx"
	"github.com/ariefcatur/go-production-scheduler/internal/inventory"
	kafkax "github.com/ariefcatur/go-production-scheduler/internal/kafka"
	"github.com/ariefcatur/go-production-scheduler/internal/pipeline"
	"github.com/ariefcatur/go-production-scheduler/internal/postgres"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/ariefcatur/go-production-scheduler/internal/redisx"
	"github.com/ariefcatur/go-production-scheduler/internal/scheduler"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	log := logger.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	if err != nil {
		zap.S().Fatalw("load config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		zap.S().Fatalw("db connect", "error", err)
	}
	defer db.Close()
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			zap.S().Fatalw("db migrate", "error", err)
		}
	}
	store := &postgres.Store{DB: db}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	locker := redisx.NewLocker(rdb, cfg.LockTTL)

	// History events
	prodCtx, stopProducer := context.WithCancel(context.Background())
	prod := kafkax.NewProducer(cfg.KafkaBrokers, production.TopicHistory, 1024)
	prod.Start(prodCtx)
	history := &production.Recorder{Publisher: &kafkax.HistoryPublisher{P: prod}, Producer: cfg.ServiceName}

	cal, err := capacity.NewCalendar(cfg.SaturdayFactor)
	if err != nil {
		zap.S().Fatalw("calendar", "error", err)
	}
	sched := scheduler.New(store,
		scheduler.Config{Calendar: cal, DefaultMolds: cfg.DefaultMolds, Location: cfg.Location()},
		scheduler.WithLocker(locker), scheduler.WithHistory(history))
	engine := inventory.NewEngine(store, sched, inventory.WithLocker(locker), inventory.WithHistory(history))
	ledger := pipeline.NewLedger(store, history)

	router := httpx.NewRouter(store.Ping)
	h := &httpx.Handler{
		Queue:       sched,
		Allocations: engine,
		Stages:      ledger,
		Products:    sched,
		Cache:       redisx.NewQueueCache(rdb),
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.S().Infow("HTTP listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.S().Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		zap.S().Errorw("server exit", "error", err)
	}

	// requests are finished, flush what they recorded
	stopProducer()
	prod.WaitClosed()
}
