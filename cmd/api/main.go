package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "queue-abstraction/internal/api"
	"queue-abstraction/internal/config"
	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/memqueue"
	"queue-abstraction/internal/pgqueue"
	"queue-abstraction/internal/queue"
	"queue-abstraction/internal/ratelimit"
	"queue-abstraction/internal/redisqueue"
	"queue-abstraction/internal/sqsqueue"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("build provider: %v", err)
	}
	if err := provider.Connect(ctx); err != nil {
		log.Fatalf("connect %s backend: %v", cfg.Backend, err)
	}

	q, err := queue.New(cfg.QueueName, provider, queue.WithDefaultMaxAttempts(cfg.MaxAttempts))
	if err != nil {
		log.Fatalf("bind queue: %v", err)
	}

	server := api.New(map[string]*queue.Queue{cfg.QueueName: q})
	if cfg.EnqueueRate > 0 {
		limiterClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer limiterClient.Close()
		server.WithEnqueueLimiter(ratelimit.NewEnqueueLimiter(
			limiterClient, cfg.EnqueueBurst, cfg.EnqueueRate, 10*time.Minute))
	}
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s backend=%s queue=%s", cfg.HTTPPort, cfg.Backend, cfg.QueueName)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = q.Close(shutdownCtx, true)
}

func buildProvider(ctx context.Context, cfg config.Config) (jobs.Provider, error) {
	switch cfg.Backend {
	case "sqs":
		factory, err := sqsqueue.NewFactory(ctx, sqsqueue.FactoryConfig{
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
			Queues:   cfg.QueueURLs,
			DLQs:     cfg.DLQURLs,
		})
		if err != nil {
			return nil, err
		}
		return factory.Provider(cfg.QueueName)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return redisqueue.New(client, cfg.QueueName, cfg.VisibilityTimeout, nil)
	case "postgres":
		provider, err := pgqueue.New(ctx, cfg.PostgresDSN, cfg.QueueName, cfg.VisibilityTimeout, nil)
		if err != nil {
			return nil, err
		}
		if err := provider.RunMigrations(ctx); err != nil {
			return nil, err
		}
		return provider, nil
	case "memory":
		return memqueue.New(cfg.QueueName, cfg.VisibilityTimeout), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
