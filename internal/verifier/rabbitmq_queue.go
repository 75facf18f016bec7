package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"Fairfy-Chain/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 优先级队列，承诺以较高优先级投递。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

// maxPriority 对应 Ticket.priority 的取值范围。
const maxPriority = 1

func queueArgs() amqp.Table {
	return amqp.Table{"x-max-priority": int32(maxPriority)}
}

// NewRabbitMQQueue 建立连接并声明优先级队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "fairfy.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	q := &RabbitMQQueue{conn: conn, queue: queue}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, queueArgs()); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", q.queue, err)
	}
	return nil
}

func publishing(t Ticket, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     t.priority(),
		MessageId:    t.JobID,
		Type:         string(t.Kind),
		Headers:      amqp.Table{"round": t.Round},
		Body:         body,
	}
}

// Publish 投递作业引用。
func (q *RabbitMQQueue) Publish(ctx context.Context, ticket Ticket) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	body, err := ticket.encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, publishing(ticket, body))
}

// Consume 以手动确认模式消费。处理失败的消息重新入队，无法解析的消息直接丢弃。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	log := logger.Named("rabbitmq-queue")

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.deliver(ctx, log, d, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, log *slog.Logger, d amqp.Delivery, handler Handler) {
	ticket, err := decodeTicket(d.Body)
	if err != nil {
		log.Warn("丢弃无法解析的队列消息", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Reject(false)
		return
	}
	if err := handler(ctx, ticket); err != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Length 通过被动声明读取队列中的消息数。
func (q *RabbitMQQueue) Length(context.Context) (int, error) {
	if q == nil || q.ch == nil {
		return 0, errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	state, err := q.ch.QueueDeclarePassive(q.queue, false, false, false, false, queueArgs())
	if err != nil {
		return 0, fmt.Errorf("查询 RabbitMQ 队列失败: %w", err)
	}
	return state.Messages, nil
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
