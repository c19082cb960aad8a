package main

import (
	"context"
	"log"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradevision/platform/internal/config"
	"github.com/tradevision/platform/internal/domain"
	"github.com/tradevision/platform/internal/service"
	"github.com/tradevision/platform/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	dbPool, err := pgxpool.New(context.Background(), cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbPool.Close()

	profitMin, err := decimal.NewFromString(cfg.ProfitMin)
	if err != nil {
		log.Fatalf("Invalid PROFIT_RATE_MIN: %v", err)
	}
	profitMax, err := decimal.NewFromString(cfg.ProfitMax)
	if err != nil {
		log.Fatalf("Invalid PROFIT_RATE_MAX: %v", err)
	}
	band := domain.ProfitBand{Min: profitMin, Max: profitMax}

	window := domain.DefaultTradingWindow()
	window.WeekendEnabled = cfg.WeekendTrading

	trading := service.NewTradingService(dbPool, band, window)
	maint := service.NewMaintenanceService(dbPool, window)
	runs := tasks.NewPGRunStore(dbPool)
	handlers := tasks.NewHandlers(trading, maint, runs)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	policy := tasks.DefaultRetryPolicy()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		Queues:         tasks.QueueWeights(),
		RetryDelayFunc: policy.RetryDelay,
	})

	mux := asynq.NewServeMux()
	handlers.Register(mux)

	scheduler, err := tasks.NewScheduler(redisOpt)
	if err != nil {
		log.Fatalf("Scheduler setup failed: %v", err)
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			log.Fatalf("Scheduler stopped: %v", err)
		}
	}()

	log.Printf("Worker starting with concurrency %d", cfg.WorkerConcurrency)
	if err := srv.Run(mux); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}
