// Command coordinatord wires the polyglot-persistence coordinator's
// components together for operational use, grounded on the teacher's
// cobra+viper command wiring. Per spec.md's Non-goals, this is
// deliberately a minimal process entrypoint — no HTTP server, no
// authentication — it only constructs the core and exposes a couple of
// maintenance subcommands plus a "serve" command that keeps the process
// alive with the saga coordinator wired and its cache sweeper running.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/streadway/amqp"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/adapter/couchdb"
	"github.com/evalgo-org/polyglot-coordinator/internal/adapter/neo4j"
	"github.com/evalgo-org/polyglot-coordinator/internal/adapter/postgres"
	"github.com/evalgo-org/polyglot-coordinator/internal/adapter/rediscache"
	"github.com/evalgo-org/polyglot-coordinator/internal/adapter/s3blob"
	"github.com/evalgo-org/polyglot-coordinator/internal/adapter/vectorstore"
	"github.com/evalgo-org/polyglot-coordinator/internal/cache"
	"github.com/evalgo-org/polyglot-coordinator/internal/config"
	"github.com/evalgo-org/polyglot-coordinator/internal/events"
	"github.com/evalgo-org/polyglot-coordinator/internal/logging"
	"github.com/evalgo-org/polyglot-coordinator/internal/retry"
	"github.com/evalgo-org/polyglot-coordinator/internal/saga"
	"github.com/evalgo-org/polyglot-coordinator/internal/service"
	"github.com/evalgo-org/polyglot-coordinator/internal/streaming"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "coordinatord",
		Short: "Polyglot-persistence saga coordinator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file")

	root.AddCommand(healthCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// healthCmd probes every configured adapter and reports reachability,
// mirroring spec.md §6's "coordinator probes health() at startup".
func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured backend adapter and print its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			adapters, closeFn, err := buildAdapters(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			probe(ctx, log, "relational", adapters.Relational)
			probe(ctx, log, "document", adapters.Document)
			probe(ctx, log, "blob", adapters.Blob)
			probe(ctx, log, "vector", adapters.Vector)
			probe(ctx, log, "graph", adapters.Graph)
			return nil
		},
	}
}

func probe(ctx context.Context, log *logrus.Entry, name string, a adapter.Adapter) {
	if a == nil {
		log.WithField("adapter", name).Info("not configured")
		return
	}
	h := a.Health(ctx)
	entry := log.WithFields(logrus.Fields{"adapter": name, "state": h.State})
	if h.LastError != nil {
		entry = entry.WithError(h.LastError)
	}
	entry.Info("health")
}

// replayCmd loads every incomplete saga from the durable log, per
// spec.md §4.5's idempotent-replay contract. Resuming a specific saga
// requires its step definitions (payload source, vectors, relations),
// which only the original caller holds, so this command reports what is
// outstanding rather than attempting to reconstruct and re-run them.
func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "List every incomplete saga found in the durable log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.Saga.DurableLogPath == "" {
				log.Warn("replay: saga.durable_log_path is unset, nothing to replay")
				return nil
			}

			durable, err := saga.NewFileLog(cfg.Saga.DurableLogPath)
			if err != nil {
				return fmt.Errorf("replay: open durable log: %w", err)
			}
			defer durable.Close()

			incomplete, err := durable.LoadIncompleteSagas()
			if err != nil {
				return fmt.Errorf("replay: load incomplete sagas: %w", err)
			}
			log.WithField("count", len(incomplete)).Info("replay: found incomplete sagas")

			for _, rec := range incomplete {
				log.WithFields(logrus.Fields{
					"saga_id": rec.SagaID, "document_id": rec.DocumentID, "status": rec.Status,
				}).Warn("replay: incomplete saga; re-submit its write/delete request to resume")
			}
			return nil
		},
	}
}

// serveCmd constructs the full component graph (adapters, streaming
// pipeline config, cache, saga coordinator, event publisher, service
// façade) and blocks until SIGINT/SIGTERM, running the cache sweeper and
// accepting no inbound traffic of its own — per the Non-goals, any
// network-facing surface on top of Service is left to the embedder.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Wire the coordinator core and run until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			adapters, closeAdapters, err := buildAdapters(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeAdapters()

			coordinator, cacheInst, closeCoord, err := buildCoordinator(cfg, log)
			if err != nil {
				return err
			}
			defer closeCoord()

			publisher, closePublisher, err := buildPublisher(cfg, log)
			if err != nil {
				return err
			}
			defer closePublisher()

			streamCfg := streaming.Config{
				ChunkSizeBytes:      cfg.Streaming.ChunkSizeBytes,
				MaxAttemptsPerChunk: cfg.Streaming.MaxAttemptsPerChunk,
				BackoffInitial:      cfg.Streaming.BackoffInitial(),
				BackoffMultiplier:   cfg.Streaming.BackoffMultiplier,
			}

			svc := service.New(adapters, cacheInst, coordinator, publisher, streamCfg, logging.Component(log.Logger, "service"))
			_ = svc // held by whatever embeds Service; this command only proves the wiring and stays alive

			log.Info("coordinator core wired, waiting for termination signal")

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-sigCtx.Done()

			log.Info("shutting down")
			return nil
		},
	}
}

func bootstrap() (config.Config, *logrus.Entry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	root := logging.New(cfg.LogLevel)
	return cfg, logging.Component(root, "coordinatord"), nil
}

// buildAdapters constructs one concrete adapter per configured backend.
// An unconfigured backend (empty DSN/URI/path) is left nil, and its
// corresponding saga steps are omitted by the service layer.
func buildAdapters(ctx context.Context, cfg config.Config, log *logrus.Entry) (service.Adapters, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var out service.Adapters

	if cfg.Adapters.PostgresDSN != "" {
		pg, err := postgres.New(postgres.Config{DSN: cfg.Adapters.PostgresDSN})
		if err != nil {
			closeAll()
			return service.Adapters{}, nil, fmt.Errorf("bootstrap: postgres: %w", err)
		}
		out.Relational = pg
	}

	if cfg.Adapters.CouchDBDSN != "" {
		cdb, err := couchdb.New(ctx, couchdb.Config{DSN: cfg.Adapters.CouchDBDSN, Database: cfg.Adapters.CouchDBName})
		if err != nil {
			closeAll()
			return service.Adapters{}, nil, fmt.Errorf("bootstrap: couchdb: %w", err)
		}
		out.Document = cdb
	}

	if cfg.Adapters.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Adapters.S3Region))
		if err != nil {
			closeAll()
			return service.Adapters{}, nil, fmt.Errorf("bootstrap: aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		out.Blob = s3blob.New(client, cfg.Adapters.S3Bucket)
	}

	if cfg.Adapters.Neo4jURI != "" {
		graph, err := neo4j.New(neo4j.Config{
			URI: cfg.Adapters.Neo4jURI, Username: cfg.Adapters.Neo4jUsername, Password: cfg.Adapters.Neo4jPassword,
		})
		if err != nil {
			closeAll()
			return service.Adapters{}, nil, fmt.Errorf("bootstrap: neo4j: %w", err)
		}
		out.Graph = graph
	}

	if cfg.Adapters.VectorStorePath != "" {
		vec, err := vectorstore.New(cfg.Adapters.VectorStorePath, cfg.Adapters.VectorDimensions)
		if err != nil {
			closeAll()
			return service.Adapters{}, nil, fmt.Errorf("bootstrap: vectorstore: %w", err)
		}
		out.Vector = vec
	}

	return out, closeAll, nil
}

// buildCoordinator wires the durable log, join policy, and read cache
// into a saga.Coordinator, per SPEC_FULL.md's component graph.
func buildCoordinator(cfg config.Config, log *logrus.Entry) (*saga.Coordinator, *cache.Cache, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var durableLog saga.Log
	if cfg.Saga.DurableLogPath != "" {
		fileLog, err := saga.NewFileLog(cfg.Saga.DurableLogPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bootstrap: durable log: %w", err)
		}
		closers = append(closers, func() { fileLog.Close() })
		durableLog = fileLog
	} else {
		durableLog = saga.NewMemoryLog()
	}

	var joinLease saga.DistributedLease
	if cfg.Adapters.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Adapters.RedisAddr})
		closers = append(closers, func() { client.Close() })
		joinLease = rediscache.NewLeaseManager(client, 30*time.Second)
	}
	join := saga.NewJoinPolicy(joinLease)

	cacheInst := cache.New(cache.Config{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.DefaultTTL(),
	})
	cacheInst.StartSweeper(cfg.Cache.AutoCleanupInterval())
	closers = append(closers, cacheInst.StopSweeper)

	coordCfg := saga.Config{
		DefaultRetryPolicy: retry.Policy{
			MaxAttempts:    cfg.Saga.StepRetryPolicy.Attempts,
			InitialDelay:   cfg.Saga.StepRetryPolicy.InitialDelay(),
			Multiplier:     cfg.Saga.StepRetryPolicy.Multiplier,
			JitterFraction: cfg.Saga.StepRetryPolicy.JitterFraction,
		},
		SagaDeadline: cfg.Saga.Deadline(),
	}

	coordinator := saga.New(coordCfg, durableLog, join, cacheInst, newSagaID, log)
	return coordinator, cacheInst, closeAll, nil
}

func newSagaID() string {
	return uuid.NewString()
}

// buildPublisher dials RabbitMQ and wraps the channel for best-effort
// saga event emission. With no AMQP URL configured, it returns a nil
// Publisher and events.Publisher.Publish is a safe no-op on nil.
func buildPublisher(cfg config.Config, log *logrus.Entry) (*events.Publisher, func(), error) {
	if cfg.Adapters.AMQPURL == "" {
		return nil, func() {}, nil
	}

	conn, err := amqp.Dial(cfg.Adapters.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("bootstrap: amqp channel: %w", err)
	}

	publisher := events.NewPublisher(ch, cfg.Adapters.AMQPExchange, log)
	closeFn := func() {
		ch.Close()
		conn.Close()
	}
	return publisher, closeFn, nil
}
