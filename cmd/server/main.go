package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/replicated-ledger/internal/api"
	"github.com/sheikh-saqib/replicated-ledger/internal/config"
	"github.com/sheikh-saqib/replicated-ledger/internal/consensus"
	"github.com/sheikh-saqib/replicated-ledger/internal/events/kafka"
	"github.com/sheikh-saqib/replicated-ledger/internal/fsm"
	"github.com/sheikh-saqib/replicated-ledger/internal/idempotency"
	"github.com/sheikh-saqib/replicated-ledger/internal/ledger"
	"github.com/sheikh-saqib/replicated-ledger/internal/loader"
	"github.com/sheikh-saqib/replicated-ledger/internal/logging"
	"github.com/sheikh-saqib/replicated-ledger/internal/metrics"
	"github.com/sheikh-saqib/replicated-ledger/internal/ordering"
	"github.com/sheikh-saqib/replicated-ledger/internal/storage/bolt"
	"github.com/sheikh-saqib/replicated-ledger/internal/storage/postgres"
	"github.com/sheikh-saqib/replicated-ledger/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}

// closer releases one resource during shutdown, in reverse start order.
type closer struct {
	name string
	fn   func() error
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (err error) {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].fn(); cerr != nil {
				logger.Error().Err(cerr).Str("resource", closers[i].name).Msg("shutdown step failed")
			}
		}
	}()

	store, err := bolt.Open(filepath.Join(cfg.DataDir, "ledger.db"), bolt.Options{})
	if err != nil {
		return err
	}
	closers = append(closers, closer{"store", store.Close})
	logger.Info().Str("path", store.Path()).Msg("fast-path store opened")

	m := metrics.New()

	var mirror *postgres.PostgresMirrorStore
	if cfg.DatabaseURL != "" {
		mirror, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"mirror", mirror.Close})
		if err := mirror.Migrate(ctx); err != nil {
			return err
		}
		logger.Info().Msg("relational mirror connected")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, running without the relational mirror")
	}

	var machineOpts []fsm.Option
	machineOpts = append(machineOpts, fsm.WithLogger(logger))

	var w *writer.Writer
	if mirror != nil {
		writerOpts := []writer.Option{
			writer.WithBatchSize(cfg.WriterBatchSize),
			writer.WithFlushInterval(cfg.WriterFlushInterval),
			writer.WithWorkers(cfg.WriterWorkers),
			writer.WithBufferSize(cfg.WriterBufferSize),
			writer.WithBlockOnFull(cfg.WriterBlockOnFull),
			writer.WithObserver(m),
			writer.WithLogger(logger),
		}
		if len(cfg.KafkaBrokers) > 0 {
			publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
			closers = append(closers, closer{"kafka", publisher.Close})
			writerOpts = append(writerOpts, writer.WithPublisher(publisher))
			logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("transaction events enabled")
		}

		w = writer.New(mirror, writerOpts...)
		if err := w.Start(ctx); err != nil {
			return err
		}
		closers = append(closers, closer{"writer", w.Stop})
		machineOpts = append(machineOpts, fsm.WithEmitter(w))

		m.RegisterGauge("writer_pending_events", "Mirror events waiting in the writer buffer.", func() float64 {
			return float64(w.Metrics().Pending)
		})
	}

	machine := fsm.New(store, machineOpts...)

	cache := idempotency.New(store,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithCleanupInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithLogger(logger),
	)
	m.RegisterGauge("idempotency_entries", "Idempotency keys held in memory.", func() float64 {
		return float64(cache.Stats().Total)
	})

	// load fills an empty store from the mirror and rebuilds the cache.
	load := func(ctx context.Context) error {
		if mirror != nil {
			opts := []loader.Option{loader.WithForce(cfg.LoaderForce), loader.WithLogger(logger)}
			if _, err := loader.New(mirror, store, machine, opts...).Load(ctx); err != nil {
				return err
			}
		}
		n, err := cache.Restore()
		if err != nil {
			return err
		}
		logger.Info().Int("keys", n).Msg("idempotency cache restored")
		return nil
	}

	if err := load(ctx); err != nil {
		return err
	}
	cache.Start(ctx)
	closers = append(closers, closer{"idempotency cache", func() error { cache.Stop(); return nil }})

	var (
		channel     ordering.Channel
		raftStatus  func() any
		leaderAddrs map[string]string
	)
	switch cfg.Mode {
	case config.ModeCluster:
		node, replicated, err := startCluster(cfg, machine, load, logger)
		if err != nil {
			return err
		}
		closers = append(closers,
			closer{"raft", node.Shutdown},
			closer{"ordering", func() error { replicated.Stop(); return nil }},
		)
		channel = replicated
		raftStatus = func() any { return node.Status() }
		if leaderAddrs, err = httpAddressBook(cfg); err != nil {
			return err
		}
	default:
		fifo := ordering.NewFIFO(machine,
			ordering.WithQueueSize(cfg.FIFOQueueSize),
			ordering.WithFIFOLogger(logger),
		)
		fifo.Start()
		closers = append(closers, closer{"ordering", func() error { fifo.Stop(); return nil }})
		m.RegisterGauge("fifo_pending_commands", "Commands waiting in the FIFO channel.", func() float64 {
			return float64(fifo.Pending())
		})
		channel = fifo
	}

	svc := ledger.NewLedger(store, channel, cache,
		ledger.WithSubmitTimeout(cfg.SubmitTimeout),
		ledger.WithObserver(m),
		ledger.WithLogger(logger),
	)

	apiOpts := []api.Option{
		api.WithIdempotencyStats(cache.Stats),
		api.WithMetricsHandler(m.Handler()),
		api.WithLogger(logger),
	}
	if w != nil {
		apiOpts = append(apiOpts, api.WithWriterMetrics(w.Metrics))
	}
	if raftStatus != nil {
		apiOpts = append(apiOpts, api.WithRaftStatus(raftStatus))
	}
	if leaderAddrs != nil {
		apiOpts = append(apiOpts, api.WithLeaderAddresses(leaderAddrs))
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(svc, apiOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("mode", string(cfg.Mode)).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// startCluster opens the raft node and the channel on top of it. The channel
// accepts writes only after load succeeded on a freshly elected leader.
func startCluster(cfg *config.Config, machine *fsm.Machine, load ordering.LeaderStartFunc, logger zerolog.Logger) (*consensus.Node, *ordering.Replicated, error) {
	peers, err := consensus.ParsePeers(cfg.Raft.Peers)
	if err != nil {
		return nil, nil, err
	}

	node, err := consensus.Open(consensus.Config{
		NodeID:           cfg.Raft.NodeID,
		BindAddr:         cfg.Raft.BindAddr,
		AdvertiseAddr:    cfg.Raft.AdvertiseAddr,
		DataDir:          filepath.Join(cfg.DataDir, "raft"),
		Peers:            peers,
		Bootstrap:        cfg.Raft.Bootstrap,
		ElectionTimeout:  cfg.Raft.ElectionTimeout,
		SnapshotInterval: cfg.Raft.SnapshotInterval,
	}, machine,
		consensus.WithLogger(logger),
		consensus.WithRaftLogger(logging.NewHCLog("raft", logger)),
	)
	if err != nil {
		return nil, nil, err
	}

	replicated := ordering.NewReplicated(node,
		ordering.WithApplyTimeout(cfg.Raft.ApplyTimeout),
		ordering.WithLeaderStart(load),
		ordering.WithReplicatedLogger(logger),
	)
	node.OnLeadershipChange(replicated.OnLeadershipChange)

	logger.Info().
		Str("node_id", cfg.Raft.NodeID).
		Str("bind_addr", cfg.Raft.BindAddr).
		Int("peers", len(peers)).
		Msg("raft node started")
	return node, replicated, nil
}

// httpAddressBook resolves raft leader addresses to the HTTP addresses
// listed in RAFT_HTTP_PEERS.
func httpAddressBook(cfg *config.Config) (map[string]string, error) {
	raftPeers, err := consensus.ParsePeers(cfg.Raft.Peers)
	if err != nil {
		return nil, err
	}
	httpPeers, err := consensus.ParsePeers(cfg.Raft.HTTPPeers)
	if err != nil {
		return nil, err
	}
	return consensus.AddressBook(raftPeers, httpPeers), nil
}
