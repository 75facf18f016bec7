package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"Fairfy-Chain/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 以两个 Redis list 实现作业队列，多个 fairfyd 实例可共享。
// 键为 <queue>:commit 与 <queue>:reveal，BRPOP 按键顺序出队，承诺因此优先。
type RedisQueue struct {
	client *redis.Client
	queue  string
	keys   []string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "fairfy:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client: client,
		queue:  queue,
		keys:   []string{queue + ":" + string(KindCommit), queue + ":" + string(KindReveal)},
		wait:   wait,
	}
}

func (q *RedisQueue) keyFor(t Ticket) string {
	if t.Kind == KindCommit {
		return q.keys[0]
	}
	return q.keys[1]
}

// Publish 将作业引用写入对应类型的 list。
func (q *RedisQueue) Publish(ctx context.Context, ticket Ticket) error {
	body, err := ticket.encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.keyFor(ticket), body).Err(); err != nil {
		return fmt.Errorf("Redis 发布作业失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 取作业，处理失败的作业放回原 list 的出队端。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("redis-queue")
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if err := ctx.Err(); err != nil {
					errCh <- err
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.keys...).Result()
				switch {
				case errors.Is(err, redis.Nil):
					continue
				case errors.Is(err, context.Canceled), errors.Is(err, redis.ErrClosed):
					errCh <- err
					return
				case err != nil:
					errCh <- fmt.Errorf("Redis 取作业失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				key, body := values[0], values[1]
				ticket, err := decodeTicket([]byte(body))
				if err != nil {
					log.Warn("丢弃无法解析的队列消息", slog.String("key", key), slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, ticket); handlerErr != nil {
					_ = q.client.RPush(ctx, key, body).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Length 返回两个 list 的长度之和。
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(q.keys))
	for i, key := range q.keys {
		cmds[i] = pipe.LLen(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("Redis 查询队列长度失败: %w", err)
	}
	total := 0
	for _, cmd := range cmds {
		total += int(cmd.Val())
	}
	return total, nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
