package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"guildgate/internal/api"
	"guildgate/internal/config"
	"guildgate/internal/jobs"
	"guildgate/internal/models"
	"guildgate/internal/ratelimit"
	"guildgate/internal/store"
	"guildgate/internal/telemetry"
	"guildgate/internal/wake"
	"guildgate/internal/webhook"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	enqueuer := jobs.NewEnqueuer(st, nil)
	publisher := wake.NewPublisher(st, redisClient, cfg.WakeChannel, nil)
	go publisher.Run(ctx, cfg.WakePublishEvery)

	if cfg.LeaseTTL > 0 {
		go runLeaseSweeper(ctx, st, cfg.LeaseTTL)
	}

	server := api.New(cfg, api.Deps{
		Store:     st,
		Snapshots: st,
		Events:    st,
		Enqueuer:  enqueuer,
		Claimer:   jobs.NewClaimer(st, st, nil),
		Completer: jobs.NewCompleter(st, st, enqueuer, jobs.CompleterConfig{
			StaleAfter:    cfg.SnapshotStaleAfter,
			ExpireAfter:   cfg.SnapshotExpireAfter,
			RecheckShort:  cfg.RecheckShort,
			RecheckNormal: cfg.RecheckNormal,
		}, nil),
		Ingestor:  webhook.NewIngestor(st, st, nil),
		Limiter:   limiter,
		Publisher: publisher,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// runLeaseSweeper returns abandoned processing jobs to pending once their
// lease outlives the TTL.
func runLeaseSweeper(ctx context.Context, st *store.Store, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, family := range models.Families() {
				n, err := st.ReclaimExpired(ctx, family, now.Add(-ttl), now)
				if err != nil {
					log.Printf("reclaim %s leases: %v", family, err)
					continue
				}
				if n > 0 {
					telemetry.LeaseReclaims.Add(float64(n))
					log.Printf("reclaimed %d expired %s leases", n, family)
				}
			}
		}
	}
}
