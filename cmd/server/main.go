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

	"github.com/sourabh1428/easybill-engine/internal/api"
	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/config"
	"github.com/sourabh1428/easybill-engine/internal/gateway"
	"github.com/sourabh1428/easybill-engine/internal/queue"
	"github.com/sourabh1428/easybill-engine/internal/ratelimit"
	"github.com/sourabh1428/easybill-engine/internal/scheduler"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
)

// scheduleSource enumerates schedule-triggered automations across every
// active tenant for the cron scheduler's daily refresh.
type scheduleSource struct {
	registry *tenant.Registry
}

func (s *scheduleSource) ListSchedules(ctx context.Context) ([]scheduler.Entry, error) {
	tenants, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var entries []scheduler.Entry
	for i := range tenants {
		t := &tenants[i]
		st := s.registry.Store(t)
		autos, err := st.ListAutomationsByTrigger(ctx, automation.TriggerSchedule, "")
		if err != nil {
			log.Printf("[Scheduler] tenant=%s: failed to list schedules: %v", t.ID, err)
			continue
		}
		for _, a := range autos {
			entries = append(entries, scheduler.Entry{
				TenantID:     t.ID,
				AutomationID: a.ID,
				Expression:   a.Trigger.Schedule,
			})
		}
	}
	return entries, nil
}

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
	flag.Parse()

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
	limits := ratelimit.NewRegistry(ratelimit.Config{
		TokensPerInterval: cfg.RateLimit.TokensPerInterval,
		Interval:          cfg.RateLimit.Interval(),
		Enabled:           cfg.RateLimit.Enabled,
	})
	registry := tenant.NewRegistry(directory, tenantClient, limits)

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

	var sched *scheduler.Scheduler
	if !cfg.Scheduler.Disabled {
		fire := func(ctx context.Context, tenantID, automationID string, firedAt time.Time) {
			_, err := q.Enqueue(ctx, tenantID, queue.JobRunAutomation, map[string]any{
				"automationId": automationID,
				"context": map[string]any{
					"trigger": automation.TriggerSchedule,
					"firedAt": firedAt.UTC().Format(time.RFC3339),
				},
			}, queue.Options{})
			if err != nil {
				log.Printf("[Scheduler] tenant=%s automation=%s: enqueue failed: %v", tenantID, automationID, err)
			}
		}
		sched = scheduler.New(redisClient, &scheduleSource{registry: registry}, fire, scheduler.Config{
			RefreshCron: cfg.Scheduler.RefreshCron,
			TickLockTTL: cfg.Scheduler.TickLockTTL(),
		})
		if err := sched.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
		log.Printf("Scheduler started (%d schedules registered)", sched.Registered())
	}

	server := api.NewServer(registry, func(t *tenant.Tenant) api.Store {
		return registry.Store(t)
	}, engine, q)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting API server on %s", addr)
		if err := server.Listen(addr); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	_ = tenantClient.Disconnect(shutdownCtx)
	_ = adminClient.Disconnect(shutdownCtx)
	log.Println("Server stopped")
}
