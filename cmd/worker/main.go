package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"queue-abstraction/internal/config"
	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/memqueue"
	"queue-abstraction/internal/pgqueue"
	"queue-abstraction/internal/queue"
	"queue-abstraction/internal/redisqueue"
	"queue-abstraction/internal/sqsqueue"
	"queue-abstraction/internal/telemetry"
	"queue-abstraction/internal/worker"
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	if push, ok := provider.(jobs.PushProvider); ok {
		runPush(ctx, cfg, q, push)
		return
	}
	runPull(ctx, cfg, q)
}

// runPull drives a pull provider with the generic worker loop.
func runPull(ctx context.Context, cfg config.Config, q *queue.Queue) {
	w := worker.New(q, worker.Options{
		Concurrency: cfg.WorkerConcurrency,
		BatchSize:   cfg.FetchBatchSize,
		FetchWait:   cfg.FetchWait,
		PollLull:    cfg.WorkerPollLull,
	})
	w.RegisterDefaultHandler(echoHandler)

	log.Printf("pull worker started backend=%s queue=%s concurrency=%d", cfg.Backend, cfg.QueueName, cfg.WorkerConcurrency)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
	}
}

// runPush hands the loop to the provider and waits for shutdown.
func runPush(ctx context.Context, cfg config.Config, q *queue.Queue, _ jobs.PushProvider) {
	stop, err := q.Process(ctx, echoHandler, jobs.ProcessOptions{
		Concurrency: cfg.WorkerConcurrency,
		OnError:     func(err error) { log.Printf("process: %v", err) },
	})
	if err != nil {
		log.Fatalf("start processing: %v", err)
	}

	log.Printf("push worker started backend=%s queue=%s concurrency=%d", cfg.Backend, cfg.QueueName, cfg.WorkerConcurrency)
	<-ctx.Done()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := stop(stopCtx); err != nil {
		log.Printf("stop: %v", err)
	}
}

// echoHandler logs the job and succeeds; deployments register real
// handlers per job name.
func echoHandler(ctx context.Context, job *jobs.ActiveJob) error {
	log.Printf("job %s (%s) attempt %d", job.ID, job.Name, job.Attempts+1)
	return nil
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
