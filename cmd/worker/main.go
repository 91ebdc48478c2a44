package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"guildgate/internal/config"
	"guildgate/internal/models"
	"guildgate/internal/rpc"
	"guildgate/internal/telemetry"
	"guildgate/internal/wake"
	workerproc "guildgate/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	feed := wake.Subscribe(ctx, redisClient, cfg.WakeChannel, cfg.WakePingEvery)
	defer feed.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	client := rpc.NewClient(cfg.APIBaseURL, cfg.InternalToken)
	runner := workerproc.NewRunner(client, feed, workerproc.RunnerConfig{
		WorkerID:  workerID,
		BatchSize: cfg.ClaimBatchSize,
		Scheduler: wake.SchedulerConfig{
			FallbackMin: cfg.FallbackPollMin,
			FallbackMax: cfg.FallbackPollMax,
		},
	})

	dialer := workerproc.NewDiscordDialer()
	runner.RegisterExecutor(models.FamilyRoleSync, &workerproc.RoleSyncExecutor{Dialer: dialer})
	runner.RegisterExecutor(models.FamilySeatAudit, &workerproc.SeatAuditExecutor{Dialer: dialer})
	runner.RegisterExecutor(models.FamilySignalMirror, &workerproc.SignalMirrorExecutor{Dialer: dialer})

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("draining: finishing in-flight job before exit")
		runner.Shutdown()
		<-ch
		cancel()
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started, batch=%d fallback=[%s,%s]", workerID, cfg.ClaimBatchSize, cfg.FallbackPollMin, cfg.FallbackPollMax)
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
