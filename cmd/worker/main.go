package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/config"
	"github.com/sourabh1428/easybill-engine/internal/dedup"
	"github.com/sourabh1428/easybill-engine/internal/dispatch"
	"github.com/sourabh1428/easybill-engine/internal/gateway"
	"github.com/sourabh1428/easybill-engine/internal/queue"
	"github.com/sourabh1428/easybill-engine/internal/ratelimit"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
	"github.com/sourabh1428/easybill-engine/internal/worker"
)

func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	segmentInterval := flag.Duration("segment-interval", time.Minute, "delay between segment processing passes")
	flag.Parse()

	log.Println("Starting EasyBill worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.Timeout())
	adminClient, err := connectMongo(ctx, cfg.Mongo.AdminURI)
	if err != nil {
		log.Fatalf("Failed to connect to admin database: %v", err)
	}
	tenantURI := cfg.Mongo.TenantURI
	if tenantURI == "" {
		tenantURI = cfg.Mongo.AdminURI
	}
	tenantClient, err := connectMongo(ctx, tenantURI)
	if err != nil {
		log.Fatalf("Failed to connect to tenant cluster: %v", err)
	}
	cancel()
	log.Println("Connected to MongoDB")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	directory := tenant.NewDirectory(adminClient.Database(cfg.Mongo.AdminDB), 0)
	rlDefaults := ratelimit.Config{
		TokensPerInterval: cfg.RateLimit.TokensPerInterval,
		Interval:          cfg.RateLimit.Interval(),
		Enabled:           cfg.RateLimit.Enabled,
	}
	registry := tenant.NewRegistry(directory, tenantClient, ratelimit.NewRegistry(rlDefaults))

	router := gateway.NewRouter(
		gateway.NewGupshupClient(gateway.GupshupConfig{
			BaseURL:           cfg.WhatsApp.BaseURL,
			APIKey:            cfg.WhatsApp.APIKey,
			AppID:             cfg.WhatsApp.AppID,
			SourcePhoneNumber: cfg.WhatsApp.SourcePhoneNumber,
			DefaultCountry:    cfg.WhatsApp.DefaultCountry,
			Timeout:           cfg.WhatsApp.Timeout(),
		}),
		gateway.NewEmailServiceClient(cfg.Email.BaseURL, cfg.Email.Timeout()),
	)

	cache := dedup.New(redisClient, dedup.Config{
		TTL:        cfg.Dedup.TTL(),
		FailClosed: cfg.Dedup.FailClosed,
		Atomic:     cfg.Dedup.Atomic,
	})
	batcher := dispatch.NewBatcher(router, cache, dispatch.Config{
		BatchSize:           cfg.Dispatch.BatchSize,
		InterBatchDelay:     cfg.Dispatch.InterBatchDelay(),
		WaitWhenRateLimited: cfg.Dispatch.WaitWhenRateLimited,
	})

	// Shared mode moves token accounting into redis so scaled-out workers
	// enforce one limit per tenant between them.
	limiters := func(t *tenant.Tenant) dispatch.Limiter { return registry.Limiter(t) }
	if cfg.RateLimit.Shared {
		limiters = func(t *tenant.Tenant) dispatch.Limiter {
			rl := rlDefaults
			if t.RateLimit != nil {
				rl = t.RateLimit.Config()
			}
			return ratelimit.Shared(redisClient, t.ID, rl)
		}
	}

	deps := worker.Deps{
		Tenants:  registry,
		Stores:   func(t *tenant.Tenant) worker.Store { return registry.Store(t) },
		Limiters: limiters,
	}

	waitPolicy := automation.WaitPolicyReport
	if cfg.Automation.BlockOnWait {
		waitPolicy = automation.WaitPolicyBlock
	}
	engine := automation.NewEngine(router, automation.Config{
		DefaultCountry: cfg.WhatsApp.DefaultCountry,
		WaitPolicy:     waitPolicy,
	})

	q := queue.New(redisClient, queue.Config{
		Attempts:    cfg.Queue.Attempts,
		BackoffBase: cfg.Queue.BackoffBase(),
	})
	engine.SetQueue(q)
	queueWorker := queue.NewWorker(q, worker.QueueHandlers(deps, engine, batcher),
		cfg.Queue.Concurrency, cfg.Queue.PollInterval())
	queueWorker.Start()

	segmentWorker := worker.NewSegmentWorker(deps, batcher, *segmentInterval)
	segmentWorker.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	segmentWorker.Stop()
	queueWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = tenantClient.Disconnect(shutdownCtx)
	_ = adminClient.Disconnect(shutdownCtx)
	log.Println("Worker stopped")
}
