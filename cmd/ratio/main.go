// Command ratio runs the Ratio coordinator: it consumes lifecycle events
// from the Pulse bus, drives composite tool executions against the storage
// service and process table, and runs the periodic reconciliation sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/ratio/auth/jwtsign"
	"goa.design/ratio/config"
	buspulse "goa.design/ratio/features/bus/pulse"
	busclients "goa.design/ratio/features/bus/pulse/clients/pulse"
	procmongo "goa.design/ratio/features/process/mongo"
	procclients "goa.design/ratio/features/process/mongo/clients/mongo"
	"goa.design/ratio/runtime/coordinator"
	"goa.design/ratio/runtime/telemetry"
	"goa.design/ratio/runtime/token"
	"goa.design/ratio/storage"
)

func main() {
	var (
		configF = flag.String("config", "config.yaml", "Path to the configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if cfg.Logging.Format == "text" || log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF || cfg.Logging.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "msg", V: "starting ratio coordinator"})

	if err := run(ctx, cfg); err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Collaborators.
	store, err := storage.New(storage.Options{
		BaseURL:   cfg.Storage.BaseURL,
		Timeout:   cfg.Storage.RequestTimeout,
		RateLimit: rate.Limit(cfg.Storage.RateLimit),
		RateBurst: cfg.Storage.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("storage client: %w", err)
	}

	signer, err := jwtsign.NewHMAC([]byte(cfg.Auth.SigningSecret))
	if err != nil {
		return fmt.Errorf("jwt signer: %w", err)
	}
	tokens, err := token.New(signer)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	// Process table.
	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(dctx); err != nil {
			log.Errorf(dctx, err, "disconnect mongo")
		}
	}()
	procClient, err := procclients.New(procclients.Options{
		Client:     mongoClient,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
		Timeout:    cfg.Mongo.Timeout,
	})
	if err != nil {
		return fmt.Errorf("process mongo client: %w", err)
	}
	procs, err := procmongo.New(procmongo.Options{Client: procClient})
	if err != nil {
		return fmt.Errorf("process store: %w", err)
	}

	// Event bus.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	pulseClient, err := busclients.New(busclients.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.Bus.StreamMaxLen,
	})
	if err != nil {
		return fmt.Errorf("pulse client: %w", err)
	}
	bus, err := buspulse.New(buspulse.Options{
		Client:     pulseClient,
		StreamName: cfg.Bus.StreamName,
		SinkName:   cfg.Bus.SinkName,
	})
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Storage:           store,
		Processes:         procs,
		Bus:               bus,
		Tokens:            tokens,
		Signer:            signer,
		SystemTokenSource: systemTokenSource(signer, cfg.Auth.SystemEntity),
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewClueMetrics(),
		Tracer:            telemetry.NewClueTracer(),
		ReconcileDelay:    cfg.Coordinator.ReconcileDelay,
		NoopResponseDelay: cfg.Coordinator.NoopResponseDelay,
		ProcessTimeout:    cfg.Coordinator.ProcessTimeout,
	})
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	sweeper, err := coordinator.NewSweeper(coord, cfg.Coordinator.SweepSchedule)
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	log.Print(ctx, log.KV{K: "msg", V: "consuming events"},
		log.KV{K: "stream", V: cfg.Bus.StreamName},
		log.KV{K: "redis", V: cfg.Redis.Addr})

	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	return nil
}

// systemTokenSource mints short-lived admin tokens for sweep-originated
// events.
func systemTokenSource(signer jwtsign.Signer, entity string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		now := time.Now()
		return signer.Sign(&jwtsign.Claims{
			Entity:     entity,
			IsAdmin:    true,
			Expiration: now.Add(token.TTL).Unix(),
			IssuedAt:   now.Unix(),
			CustomClaims: map[string]any{
				token.ClaimTokenType:   token.TokenTypeExecution,
				token.ClaimCreatedFrom: entity,
			},
		})
	}
}
