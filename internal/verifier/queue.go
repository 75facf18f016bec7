package verifier

import (
	"context"
	"encoding/json"
	"fmt"
)

// Ticket 是队列中传递的作业引用。携带类型与轮次，队列据此让承诺先于揭示出队，
// 处理器据此把等待承诺的揭示挂起到对应轮次。
type Ticket struct {
	JobID string `json:"job_id"`
	Kind  Kind   `json:"kind"`
	Round string `json:"round,omitempty"`
}

// TicketFor 根据作业生成队列引用。
func TicketFor(job *Job) Ticket {
	return Ticket{JobID: job.ID, Kind: job.Kind, Round: job.Round}
}

func (t Ticket) encode() ([]byte, error) {
	return json.Marshal(t)
}

func decodeTicket(body []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(body, &t); err != nil {
		return Ticket{}, fmt.Errorf("解析队列消息失败: %w", err)
	}
	if t.JobID == "" {
		return Ticket{}, fmt.Errorf("队列消息缺少作业 ID")
	}
	return t, nil
}

// priority 越大越先出队。
func (t Ticket) priority() uint8 {
	if t.Kind == KindCommit {
		return 1
	}
	return 0
}

// Handler 处理一条出队的作业引用。
type Handler func(ctx context.Context, ticket Ticket) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, ticket Ticket) error
	Close() error
}

// Consumer 负责从队列中消费作业。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Measurable 由能报告积压长度的队列实现，用于健康检查。
type Measurable interface {
	Length(ctx context.Context) (int, error)
}
