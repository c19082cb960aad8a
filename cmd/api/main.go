package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradevision/platform/internal/api"
	"github.com/tradevision/platform/internal/config"
	"github.com/tradevision/platform/internal/domain"
	"github.com/tradevision/platform/internal/store"
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	window := domain.DefaultTradingWindow()
	window.WeekendEnabled = cfg.WeekendTrading

	runs := tasks.NewPGRunStore(dbPool)
	client := tasks.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, runs)
	defer client.Close()

	dataStore := store.NewStoreWithPool(dbPool)
	handler := api.NewHandler(
		dataStore, client, runs,
		[]byte(cfg.JWTSecret),
		time.Duration(cfg.PollTokenTTL)*time.Minute,
		window,
	).WithHealthChecks(dbPool, rdb)

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, handler.Routes()); err != nil {
		log.Fatal(err)
	}
}
