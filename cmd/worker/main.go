package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-production-scheduler/internal/capacity"
	"github.com/ariefcatur/go-production-scheduler/internal/config"
	"github.com/ariefcatur/go-production-scheduler/internal/inventory"
	kafkax "github.com/ariefcatur/go-production-scheduler/internal/kafka"
	"github.com/ariefcatur/go-production-scheduler/internal/pipeline"
	"github.com/ariefcatur/go-production-scheduler/internal/postgres"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/ariefcatur/go-production-scheduler/internal/redisx"
	"github.com/ariefcatur/go-production-scheduler/internal/scheduler"
	kafkago "github.com/segmentio/kafka-go"
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
	service := cfg.ServiceName + "-worker"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		zap.S().Fatalw("db connect", "error", err)
	}
	defer db.Close()
	store := &postgres.Store{DB: db}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	locker := redisx.NewLocker(rdb, cfg.LockTTL)
	dedup := redisx.NewDeduper(rdb, service)
	cache := redisx.NewQueueCache(rdb)

	prodCtx, stopProducer := context.WithCancel(context.Background())
	prod := kafkax.NewProducer(cfg.KafkaBrokers, production.TopicHistory, 1024)
	prod.Start(prodCtx)
	history := &production.Recorder{Publisher: &kafkax.HistoryPublisher{P: prod}, Producer: service}

	cal, err := capacity.NewCalendar(cfg.SaturdayFactor)
	if err != nil {
		zap.S().Fatalw("calendar", "error", err)
	}
	sched := scheduler.New(store,
		scheduler.Config{Calendar: cal, DefaultMolds: cfg.DefaultMolds, Location: cfg.Location()},
		scheduler.WithLocker(locker), scheduler.WithHistory(history))

	lines := &inventory.Service{
		Engine: inventory.NewEngine(store, sched, inventory.WithLocker(locker), inventory.WithHistory(history)),
		Dedup:  dedup,
	}
	stages := &pipeline.Service{
		Ledger: pipeline.NewLedger(store, history),
		Output: sched,
		Dedup:  dedup,
	}

	// the API caches the queue listing; both handlers can change it
	invalidating := func(h kafkax.Handler) kafkax.Handler {
		return func(ctx context.Context, m kafkago.Message) error {
			err := h(ctx, m)
			if cerr := cache.Invalidate(context.WithoutCancel(ctx)); cerr != nil {
				zap.S().Warnw("invalidate queue cache", "error", cerr)
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	consume := func(topic string, h kafkax.Handler) {
		g.Go(func() error {
			c := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, topic, cfg.Workers)
			zap.S().Infow("consumer started", "group", cfg.WorkerGroup, "topic", topic, "workers", cfg.Workers)
			return c.Start(gctx, invalidating(h))
		})
	}
	consume(production.TopicOrderLineCreated, lines.HandleOrderLineCreated)
	consume(production.TopicStageAdvanced, stages.HandleStageAdvanced)

	if err := g.Wait(); err != nil {
		zap.S().Errorw("consumer exit", "error", err)
	}
	zap.S().Info("shutting down consumers...")
	stopProducer()
	prod.WaitClosed()
}
