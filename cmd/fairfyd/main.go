package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"Fairfy-Chain/internal/api"
	"Fairfy-Chain/internal/config"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/internal/observability/alerting"
	"Fairfy-Chain/internal/profiler"
	"Fairfy-Chain/internal/protocol"
	"Fairfy-Chain/internal/verifier"
	"Fairfy-Chain/pkg/logger"
)

// main 是 verifier 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("fairfyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg := config.Default()
	if path := os.Getenv("FAIRFY_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}

	service := verifier.NewService(store, queue, cfg.Server.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Error("关闭 verifier 资源失败", "error", err)
		}
	}()

	var baseline []merkle.Hash
	if cfg.Server.BaselinePath != "" {
		baseline, err = profiler.ReadBaseline(cfg.Server.BaselinePath)
		if err != nil {
			return err
		}
		logger.L().Info("已加载静态基线", "path", cfg.Server.BaselinePath, "slots", len(baseline))
	}

	processor := verifier.NewProcessor(store, queue, queue,
		verifier.WithWorkerCount(cfg.Queue.Workers),
		verifier.WithProcessorLogger(logger.Named("processor")),
		verifier.WithAlertDispatcher(alerting.FromConfig(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout())),
		verifier.WithVerifyOptions(protocol.VerifyOptions{MembershipOnly: cfg.Server.MembershipOnly}),
		verifier.WithBaseline(baseline),
		verifier.WithDenylist(cfg.Server.DeniedLeaves()),
		verifier.WithRetryDelay(cfg.Server.RetryDelay()),
	)
	service.AttachActivity(processor)

	server := api.NewServer(cfg.Server.Address, service,
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithMetricsEndpoint(cfg.Server.MetricsEnabled),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (verifier.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return verifier.NewMemoryStore(), nil
	case "mysql":
		return verifier.NewMySQLStore(ctx, verifier.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
			Retries:         cfg.Retries,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (verifier.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return verifier.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return verifier.NewRedisQueue(ctx, verifier.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait(),
		})
	case "rabbitmq":
		return verifier.NewRabbitMQQueue(verifier.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
