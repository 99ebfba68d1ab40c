// Command dataflow runs the dataflow engine server: an HTTP surface over the
// engine client, backed by the in-memory or MongoDB store, with optional
// lifecycle event streaming over Pulse.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/dataflow/api"
	pulseevents "goa.design/dataflow/features/events/pulse"
	clientspulse "goa.design/dataflow/features/events/pulse/clients/pulse"
	mongostore "goa.design/dataflow/features/store/mongo"
	"goa.design/dataflow/runtime/flow/client"
	"goa.design/dataflow/runtime/flow/funcs"
	"goa.design/dataflow/runtime/flow/mapreduce"
	"goa.design/dataflow/runtime/flow/noderun"
	"goa.design/dataflow/runtime/flow/scheduler"
	"goa.design/dataflow/runtime/flow/store"
	"goa.design/dataflow/runtime/flow/store/inmem"
	"goa.design/dataflow/runtime/flow/stream"
	"goa.design/dataflow/runtime/flow/telemetry"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to YAML configuration file")
		hostF     = flag.String("host", "", "Server host (overrides config)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides config)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *hostF != "" {
		cfg.HTTP.Host = *hostF
	}
	if *httpPortF != "" {
		cfg.HTTP.Port = *httpPortF
	}
	if *dbgF {
		cfg.Debug = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Persistence backend.
	var (
		st      store.Store
		pingers []health.Pinger
	)
	switch cfg.Store.Kind {
	case "mongo":
		mongoClient, cerr := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Store.URI))
		if cerr != nil {
			log.Fatalf(ctx, cerr, "connect to mongo at %q", cfg.Store.URI)
		}
		defer func() { _ = mongoClient.Disconnect(context.Background()) }()
		ms, serr := mongostore.New(mongostore.Options{
			Client:   mongoClient,
			Database: cfg.Store.Database,
			Logger:   logger,
		})
		if serr != nil {
			log.Fatal(ctx, serr)
		}
		st = ms
		pingers = append(pingers, ms)
		log.Printf(ctx, "store: mongo database %q", cfg.Store.Database)
	default:
		st = inmem.New()
		log.Printf(ctx, "store: in-memory")
	}

	// Lifecycle event sink.
	var sink stream.Sink = stream.NoopSink{}
	if cfg.Events.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
		})
		defer func() { _ = redisClient.Close() }()
		pulseClient, perr := clientspulse.New(clientspulse.Options{
			Redis:        redisClient,
			StreamMaxLen: cfg.Events.StreamMaxLen,
		})
		if perr != nil {
			log.Fatal(ctx, perr)
		}
		sink, err = pulseevents.NewSink(pulseevents.Options{Client: pulseClient})
		if err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, redisPinger{client: redisClient})
		log.Printf(ctx, "events: pulse streams on %q", cfg.Events.RedisAddr)
	}

	// Engine: builtin functions, node runtimes, scheduler, client.
	registry := funcs.NewRegistry()
	if err := funcs.RegisterBuiltins(registry); err != nil {
		log.Fatal(ctx, err)
	}
	runtimes := noderun.NewRegistry()
	if err := runtimes.Register("func", noderun.NewFuncRuntime()); err != nil {
		log.Fatal(ctx, err)
	}
	if err := runtimes.Register("map_reduce", mapreduce.NewRuntime()); err != nil {
		log.Fatal(ctx, err)
	}
	sched, err := scheduler.New(st, runtimes, registry, scheduler.Options{
		Concurrency: cfg.Engine.Concurrency,
		CancelGrace: cfg.Engine.CancelGrace,
		Logger:      logger,
		Metrics:     metrics,
		Sink:        sink,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	engine, err := client.New(st, sched, logger)
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Resume dataflows interrupted by a previous crash.
	recovered, err := sched.Recover(ctx)
	if err != nil {
		log.Fatal(ctx, err)
	}
	for _, id := range recovered {
		log.Printf(ctx, "recovering interrupted dataflow %q", id)
		go func(id string) {
			if _, rerr := engine.Execute(context.WithoutCancel(ctx), id); rerr != nil {
				log.Errorf(ctx, rerr, "recovery of dataflow %q", id)
			}
		}(id)
	}

	apiServer, err := api.New(api.Options{
		Client:      engine,
		Auth:        api.NewTokenAuthenticator(cfg.Auth.Tokens),
		CreateRPS:   cfg.RateRPS,
		ExecContext: ctx,
		Logger:      logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	handleHTTPServer(ctx, cfg.HTTP, apiServer, pingers, &wg, errc, cfg.Debug)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "dataflow-redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
