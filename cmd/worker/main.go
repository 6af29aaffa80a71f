package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/ignite/inbox-sync/internal/api"
	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/llm"
	"github.com/ignite/inbox-sync/internal/pkg/distlock"
	"github.com/ignite/inbox-sync/internal/provider"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
	"github.com/ignite/inbox-sync/internal/worker"
)

// leaseTTL is the lease duration for singleton roles. Extended at ttl/3 by
// the holder; a crashed holder's role resumes elsewhere within this window.
const leaseTTL = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	log.Println("Starting inbox-sync worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable (%v), falling back to advisory locks", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}

	st := store.New(db)
	qc := queue.NewClient(db)
	pc := provider.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		cfg.Provider.Timeout(), cfg.Provider.MaxRetries)

	llmClient, err := newLLMClient(cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	log.Printf("LLM backend: %s (%s)", cfg.LLM.Provider, cfg.LLM.Model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// HTTP surface: webhook receiver + status endpoints.
	server := api.NewServer(cfg.Server, st, qc, db)
	go func() {
		log.Printf("HTTP server listening on %s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && ctx.Err() == nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Horizontally scalable pools.
	limiter := worker.NewProviderRateLimiter(redisClient, cfg.ThreadSync.RatePerMinute)
	threadSync := worker.NewThreadSyncWorker(st, qc, pc, limiter, cfg.ThreadSync)
	threadSync.Start(ctx)

	extraction := worker.NewExtractionWorker(st, qc, llmClient, cfg.LLM.Model, cfg.Extraction)
	extraction.Start(ctx)

	// Singleton roles behind leases.
	var classifier *worker.SpamClassifier
	if cfg.Extraction.SpamDetection {
		classifier = worker.NewSpamClassifier(llmClient, cfg.Extraction.SpamModel)
	}

	orchestrator := worker.NewBackfillOrchestrator(st, qc, pc, cfg.Backfill)
	webhooks := worker.NewWebhookConsumer(st, qc, pc, cfg.Webhook)
	monitor := worker.NewCompletionMonitor(st, cfg.Monitor)
	enqueuer := worker.NewExtractionEnqueuer(st, qc, classifier, cfg.Extraction)

	var wg sync.WaitGroup
	runSingleton(ctx, &wg, redisClient, db, "backfill-orchestrator", orchestrator.Start)
	runSingleton(ctx, &wg, redisClient, db, "webhook-consumer", webhooks.Start)
	runSingleton(ctx, &wg, redisClient, db, "completion-monitor", monitor.Start)
	runSingleton(ctx, &wg, redisClient, db, "extraction-enqueuer", enqueuer.Start)

	log.Println("All roles started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	threadSync.Stop()
	extraction.Stop()
	wg.Wait()

	log.Println("Shutdown complete")
}

// runSingleton keeps trying to win the role's lease; whoever holds it runs
// the role until shutdown. Losing instances retry so the role fails over
// when the holder dies.
func runSingleton(ctx context.Context, wg *sync.WaitGroup, redisClient *redis.Client, db *sql.DB, role string, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			lease := distlock.NewLease(redisClient, db, role, leaseTTL)
			held, err := distlock.Hold(ctx, lease, leaseTTL, role, run)
			if err != nil {
				log.Printf("[main] %s: lease error: %v", role, err)
			} else if held {
				// run returned, which only happens on shutdown.
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(leaseTTL / 2):
			}
		}
	}()
}

// newLLMClient builds the configured LLM backend.
func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "bedrock":
		return llm.NewBedrockClient(context.Background(), cfg.Region, cfg.Model)
	default:
		return llm.NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Timeout()), nil
	}
}
