package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/pebble"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"matchcore/api/grpcserver"
	"matchcore/config"
	"matchcore/domain/matching"
	"matchcore/infra/breaker"
	"matchcore/infra/kafka"
	"matchcore/infra/logger"
	"matchcore/infra/memstore"
	"matchcore/infra/metrics"
	"matchcore/infra/outbox"
	"matchcore/infra/pebblestore"
	"matchcore/infra/redis"
	"matchcore/jobs/broadcaster"
	"matchcore/jobs/pruner"
	"matchcore/service"
	"matchcore/snapshot"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	var logFile *logger.FileConfig
	if cfg.Log.File != "" {
		logFile = &logger.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	_ = logger.Init(cfg.Log.Level, cfg.Log.JSON, logFile)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error(ctx, "matchcore stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info(ctx, "matchcore stopped")
}

type stores struct {
	snapshots snapshot.Store
	sequences snapshot.SequenceStore
	dedup     service.DedupStore
	pruner    *pruner.Pruner
	closers   []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()

	// the outbox always lives in pebble; with the memory backend it is
	// in-memory too
	var (
		db  *pebble.DB
		err error
	)
	if cfg.Store.Backend == config.BackendMemory {
		db, err = pebblestore.OpenInMemory()
	} else {
		db, err = pebblestore.Open(cfg.Store.PebbleDir)
	}
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := openStores(cfg, db)
	if err != nil {
		return err
	}
	defer st.Close()

	ob, err := outbox.Open(db)
	if err != nil {
		return err
	}

	dedup := breaker.NewDedup(st.dedup, breaker.Settings{
		MaxRequests: cfg.Dedup.CircuitBreaker.MaxRequests,
		Interval:    cfg.Dedup.CircuitBreaker.Interval,
		Timeout:     cfg.Dedup.CircuitBreaker.Timeout,
		MaxFailures: cfg.Dedup.CircuitBreaker.MaxFailures,
	})

	rc := service.NewRecoveryCoordinator(cfg.Engine.Pairs, st.snapshots, st.sequences,
		matching.WithQuantityScale(cfg.Engine.QuantityScale))
	intake := service.NewIntake(rc, dedup, ob, m)

	health := grpcserver.New()

	g, gctx := errgroup.WithContext(ctx)

	// ops endpoints come up first so probes see NOT_SERVING during recovery
	g.Go(func() error { return health.ListenAndServe(gctx, cfg.GRPC.Addr) })
	g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Addr) })

	sc, err := kafka.NewSaramaConfig(cfg.Kafka.ClientID, cfg.Kafka.Version)
	if err != nil {
		return err
	}
	committed, err := kafka.CommittedOffsets(cfg.Kafka.Brokers, sc, cfg.Kafka.Group, cfg.Kafka.Topics)
	if err != nil {
		return errors.Wrap(err, "fetch committed offsets")
	}
	if err := rc.Bootstrap(gctx, committed); err != nil {
		return err
	}

	consumer, err := kafka.NewConsumer(kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		Group:    cfg.Kafka.Group,
		Topics:   cfg.Kafka.Topics,
		ClientID: cfg.Kafka.ClientID,
		Version:  cfg.Kafka.Version,
	}, sc, intake, func(err error) bool {
		return errors.Is(err, service.ErrStateDiverged)
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
	defer producer.Close()

	bc := broadcaster.New(ob, producer, cfg.Jobs.BroadcastInterval, cfg.Jobs.BroadcastBatch, m)
	snapJob := service.NewSnapshotJob(rc, st.snapshots, cfg.Jobs.SnapshotInterval, m)
	seqJob := service.NewSequenceJob(rc, st.sequences, cfg.Jobs.SequenceInterval)

	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return bc.Run(gctx) })
	g.Go(func() error { return snapJob.Run(gctx) })
	g.Go(func() error { return seqJob.Run(gctx) })
	if st.pruner != nil {
		g.Go(func() error { return st.pruner.Run(gctx) })
	}

	health.SetServing(true)
	logger.Info(ctx, "matchcore running",
		zap.Strings("pairs", cfg.Engine.Pairs),
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.String("store", cfg.Store.Backend),
	)

	return g.Wait()
}

func openStores(cfg *config.Config, db *pebble.DB) (*stores, error) {
	switch cfg.Store.Backend {
	case config.BackendPebble:
		store := pebblestore.New(db)
		dedup := pebblestore.NewDedup(db, cfg.Dedup.TTL)
		return &stores{
			snapshots: store,
			sequences: store,
			dedup:     dedup,
			pruner:    pruner.New(dedup, cfg.Jobs.PruneInterval),
		}, nil

	case config.BackendRedis:
		client := redis.NewClient(redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Timeout:  cfg.Store.Timeout,
		})
		store := redis.NewStore(client)
		return &stores{
			snapshots: store,
			sequences: store,
			dedup:     redis.NewDedup(client, cfg.Dedup.TTL),
			closers:   []func() error{client.Close},
		}, nil

	case config.BackendMemory:
		store := memstore.NewStore()
		return &stores{
			snapshots: store,
			sequences: store,
			dedup:     memstore.NewDedup(),
		}, nil
	}
	return nil, errors.Errorf("unknown store backend %q", cfg.Store.Backend)
}
